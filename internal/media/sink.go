package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/sipcore/sipcore/internal/signaling"
)

// HeadlessSink consumes remote media without a sound card. It drains the
// remote RTP stream so the interceptors keep producing receiver reports,
// and only logs cues.
type HeadlessSink struct {
	logger  *slog.Logger
	packets atomic.Int64
	output  atomic.Value
}

// NewHeadlessSink creates a sink for hosts without audio hardware.
func NewHeadlessSink(logger *slog.Logger) *HeadlessSink {
	return &HeadlessSink{logger: logger.With("subsystem", "sink")}
}

// Play reads the track until it closes or ctx ends.
func (s *HeadlessSink) Play(ctx context.Context, t signaling.Track) error {
	if t.Remote == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	var n int64
	defer func() {
		s.logger.Debug("remote track finished", "track", t.ID, "packets", n)
	}()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, _, err := t.Remote.ReadRTP(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		n++
		s.packets.Add(1)
	}
}

// PlayCue logs the cue and holds until ctx ends.
func (s *HeadlessSink) PlayCue(ctx context.Context, url string) error {
	s.logger.Info("cue started", "url", url)
	<-ctx.Done()
	s.logger.Debug("cue stopped", "url", url)
	return nil
}

// SetOutput records the requested output; there is no device to route to.
func (s *HeadlessSink) SetOutput(deviceID string) error {
	s.output.Store(deviceID)
	return nil
}

// Packets returns how many RTP packets were consumed.
func (s *HeadlessSink) Packets() int64 {
	return s.packets.Load()
}
