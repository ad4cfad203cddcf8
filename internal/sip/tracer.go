package sip

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// TraceLevel controls how much of each SIP message is logged.
type TraceLevel int32

const (
	TraceOff TraceLevel = iota
	// TraceHeaders logs the start line and headers without the SDP body.
	TraceHeaders
	TraceFull
)

// ParseTraceLevel maps "headers" and "full" to their levels; anything else
// disables tracing.
func ParseTraceLevel(s string) TraceLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return TraceHeaders
	case "full":
		return TraceFull
	default:
		return TraceOff
	}
}

func (l TraceLevel) String() string {
	switch l {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// MessageTracer logs raw SIP messages read from and written to the wire.
type MessageTracer struct {
	logger *slog.Logger
	level  atomic.Int32
}

// NewMessageTracer creates a tracer at the given level.
func NewMessageTracer(logger *slog.Logger, level TraceLevel) *MessageTracer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &MessageTracer{logger: logger.With("subsystem", "sip-trace")}
	t.level.Store(int32(level))
	return t
}

// Install makes t the process-wide sipgo tracer.
func (t *MessageTracer) Install() {
	sip.SIPDebugTracer(t)
}

// SetLevel changes the level at runtime.
func (t *MessageTracer) SetLevel(l TraceLevel) {
	t.level.Store(int32(l))
	t.logger.Info("sip trace level changed", "level", l.String())
}

func (t *MessageTracer) Level() TraceLevel {
	return TraceLevel(t.level.Load())
}

func (t *MessageTracer) SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("recv", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("send", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) trace(direction, transport, laddr, raddr string, sipmsg []byte) {
	l := t.Level()
	if l == TraceOff {
		return
	}
	t.logger.Debug("sip "+direction,
		"direction", direction,
		"transport", transport,
		"local_addr", laddr,
		"remote_addr", raddr,
		"message", formatMessage(sipmsg, l),
	)
}

func formatMessage(sipmsg []byte, l TraceLevel) string {
	if l == TraceFull {
		return string(sipmsg)
	}
	if idx := bytes.Index(sipmsg, []byte("\r\n\r\n")); idx >= 0 {
		return string(sipmsg[:idx])
	}
	return string(sipmsg)
}
