package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// CuePlayer plays the incoming ringtone or the outgoing ringback, one at a
// time.
type CuePlayer struct {
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	playing string
}

// NewCuePlayer creates a cue player on sink.
func NewCuePlayer(sink Sink, logger *slog.Logger) *CuePlayer {
	return &CuePlayer{sink: sink, logger: logger.With("subsystem", "cues")}
}

// Ringtone starts the incoming-call tone.
func (p *CuePlayer) Ringtone(url string) { p.start("ringtone", url) }

// Ringback starts the outgoing ringback tone.
func (p *CuePlayer) Ringback(url string) { p.start("ringback", url) }

// Stop silences whichever cue is playing.
func (p *CuePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Playing returns the name of the active cue, or "".
func (p *CuePlayer) Playing() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *CuePlayer) start(name, url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	if url == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel, p.playing = cancel, name
	go func() {
		if err := p.sink.PlayCue(ctx, url); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("cue playback failed", "cue", name, "url", url, "error", err)
		}
	}()
}

func (p *CuePlayer) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.playing = ""
}
