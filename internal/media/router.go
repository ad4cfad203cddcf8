package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sipcore/sipcore/internal/signaling"
)

// Sink is the local playback device.
type Sink interface {
	// Play renders a remote track until ctx ends or the track closes.
	Play(ctx context.Context, t signaling.Track) error
	// PlayCue loops the tone at url until ctx ends.
	PlayCue(ctx context.Context, url string) error
	// SetOutput routes playback to a device; "" selects the default.
	SetOutput(deviceID string) error
}

// Router binds remote tracks of the active call to the playback sink.
type Router struct {
	sink   Sink
	logger *slog.Logger

	mu     sync.Mutex
	audio  *signaling.Track
	video  *signaling.Track
	stop   context.CancelFunc
	output string
}

// NewRouter creates a router playing through sink.
func NewRouter(sink Sink, logger *slog.Logger) *Router {
	return &Router{sink: sink, logger: logger.With("subsystem", "media")}
}

// Bind attaches a remote track. Audio is played immediately; video is kept
// for a consumer to render.
func (r *Router) Bind(t signaling.Track) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch t.Kind {
	case signaling.TrackAudio:
		if r.stop != nil {
			r.stop()
		}
		ctx, cancel := context.WithCancel(context.Background())
		r.audio, r.stop = &t, cancel
		go func() {
			if err := r.sink.Play(ctx, t); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("audio playback stopped", "track", t.ID, "error", err)
			}
		}()
		r.logger.Debug("audio track bound", "track", t.ID, "output", r.output)
		return nil

	case signaling.TrackVideo:
		r.video = &t
		r.logger.Debug("video track stored", "track", t.ID)
		return nil
	}
	return fmt.Errorf("unsupported track kind %q", t.Kind)
}

// Clear drops all track references and stops playback. Safe to repeat.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
	r.audio, r.video = nil, nil
}

// Audio returns the bound remote audio track, or nil.
func (r *Router) Audio() *signaling.Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audio
}

// Video returns the stored remote video track, or nil.
func (r *Router) Video() *signaling.Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.video
}

// SelectOutput routes playback to deviceID. When the sink refuses the
// device playback falls back to the default output, which is returned.
func (r *Router) SelectOutput(deviceID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.sink.SetOutput(deviceID); err != nil {
		r.logger.Warn("output device unavailable, using default", "device", deviceID, "error", err)
		if err := r.sink.SetOutput(""); err != nil {
			r.logger.Error("selecting default output", "error", err)
		}
		deviceID = ""
	}
	r.output = deviceID
	return deviceID
}

// Output returns the selected output device, "" for the default.
func (r *Router) Output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output
}
