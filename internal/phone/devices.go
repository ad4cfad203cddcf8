package phone

import (
	"context"
	"errors"
	"fmt"

	"github.com/sipcore/sipcore/internal/media"
)

// ErrUnknownDevice is returned by SelectDevice for an id that is not
// among the enumerated devices.
var ErrUnknownDevice = errors.New("unknown media device")

// ListDevices returns the devices of kind, asking for access once when
// their labels are hidden.
func (p *Phone) ListDevices(ctx context.Context, kind media.Kind) ([]media.Device, error) {
	return p.devices.RequestPermissionAndList(ctx, kind)
}

// SelectedDevice returns the stored selection for kind, "" for the default.
func (p *Phone) SelectedDevice(ctx context.Context, kind media.Kind) (string, error) {
	key, err := media.PreferenceKey(kind)
	if err != nil {
		return "", err
	}
	if p.prefs == nil {
		return "", nil
	}
	return p.prefs.Get(ctx, key)
}

// SelectDevice stores the selection for kind. An output device is applied
// to playback at once; if it cannot be used the default is stored instead.
// It returns the device id in effect.
func (p *Phone) SelectDevice(ctx context.Context, kind media.Kind, deviceID string) (string, error) {
	key, err := media.PreferenceKey(kind)
	if err != nil {
		return "", err
	}
	if deviceID != "" {
		known, err := p.devices.RequestPermissionAndList(ctx, kind)
		if err != nil {
			return "", err
		}
		if !hasDevice(known, deviceID) {
			return "", fmt.Errorf("%w: %s %q", ErrUnknownDevice, kind, deviceID)
		}
	}

	effective := deviceID
	if kind == media.AudioOutput {
		effective = p.router.SelectOutput(deviceID)
	}
	if p.prefs != nil {
		if err := p.prefs.Set(ctx, key, effective); err != nil {
			return "", fmt.Errorf("storing %s selection: %w", kind, err)
		}
	}
	p.logger.Info("device selected", "kind", string(kind), "device", effective)
	return effective, nil
}

// ensureCapture opens the stored microphone, or the default one, before a
// call is placed or answered.
func (p *Phone) ensureCapture(ctx context.Context, video bool) error {
	var input string
	if p.prefs != nil {
		id, err := p.prefs.Get(ctx, media.KeyInputDevice)
		if err != nil {
			p.logger.Warn("reading input device preference", "error", err)
		}
		input = id
	}
	return p.devices.EnsureCapture(ctx, video, input)
}

// restoreOutput applies the stored output device at startup.
func (p *Phone) restoreOutput(ctx context.Context) {
	if p.prefs == nil {
		return
	}
	id, err := p.prefs.Get(ctx, media.KeyOutputDevice)
	if err != nil {
		p.logger.Warn("reading output device preference", "error", err)
		return
	}
	if id != "" {
		p.router.SelectOutput(id)
	}
}

func hasDevice(list []media.Device, id string) bool {
	for _, d := range list {
		if d.ID == id {
			return true
		}
	}
	return false
}
