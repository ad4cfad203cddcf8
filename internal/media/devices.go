package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
)

// ErrPermission is returned when a capture device cannot be opened.
var ErrPermission = errors.New("media device permission denied")

// Kind is a device class.
type Kind string

const (
	AudioInput  Kind = "audioinput"
	AudioOutput Kind = "audiooutput"
	VideoInput  Kind = "videoinput"
)

// ParseKind validates a device class name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case AudioInput, AudioOutput, VideoInput:
		return k, nil
	}
	return "", fmt.Errorf("unknown device kind %q", s)
}

// Device is one enumerated media device.
type Device struct {
	ID    string `json:"device_id"`
	Label string `json:"label"`
	Kind  Kind   `json:"kind"`
}

// Backend enumerates devices and opens them to obtain access.
type Backend interface {
	Enumerate() []Device
	// Probe opens and immediately closes a device of kind. An empty
	// deviceID opens the default device.
	Probe(kind Kind, deviceID string) error
}

// Devices lists devices, asking for access at most once per kind.
type Devices struct {
	backend Backend
	logger  *slog.Logger

	mu        sync.Mutex
	requested map[Kind]bool
}

// NewDevices creates a device lister. A nil backend uses the system
// devices registered with pion/mediadevices.
func NewDevices(backend Backend, logger *slog.Logger) *Devices {
	if backend == nil {
		backend = SystemBackend{}
	}
	return &Devices{
		backend:   backend,
		logger:    logger.With("subsystem", "devices"),
		requested: make(map[Kind]bool),
	}
}

// RequestPermissionAndList returns the devices of kind. If labels are
// hidden and access was never requested for kind, access is requested once
// and the devices are enumerated again. A refused output device is not an
// error: playback falls back to the default device.
func (d *Devices) RequestPermissionAndList(ctx context.Context, kind Kind) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	list := d.list(kind)
	if !hiddenLabels(list) {
		return list, nil
	}

	d.mu.Lock()
	already := d.requested[kind]
	d.requested[kind] = true
	d.mu.Unlock()
	if already {
		return list, nil
	}

	d.logger.Info("requesting device access", "kind", string(kind))
	if err := d.backend.Probe(kind, ""); err != nil {
		if kind == AudioOutput {
			d.logger.Warn("output device access refused, using default", "error", err)
			return list, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrPermission, kind, err)
	}
	return d.list(kind), nil
}

// EnsureCapture makes sure the microphone, and the camera when video is
// wanted, can be opened before a call. inputID is the selected microphone;
// when it is gone or cannot be opened the default microphone is used. With
// no microphone at all the call proceeds receive-only.
func (d *Devices) EnsureCapture(ctx context.Context, video bool, inputID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kinds := []Kind{AudioInput}
	if video {
		kinds = append(kinds, VideoInput)
	}
	for _, kind := range kinds {
		list := d.list(kind)
		if len(list) == 0 {
			d.logger.Warn("no capture device, continuing receive-only", "kind", string(kind))
			continue
		}
		var err error
		if kind == AudioInput {
			err = d.probeInput(list, inputID)
		} else {
			err = d.backend.Probe(kind, "")
		}
		if err != nil {
			if kind == VideoInput {
				d.logger.Warn("camera unavailable, continuing audio-only", "error", err)
				continue
			}
			return fmt.Errorf("%w: %s: %v", ErrPermission, kind, err)
		}
		d.mu.Lock()
		d.requested[kind] = true
		d.mu.Unlock()
	}
	return nil
}

func (d *Devices) probeInput(list []Device, id string) error {
	if id == "" {
		return d.backend.Probe(AudioInput, "")
	}
	if !containsID(list, id) {
		d.logger.Warn("selected microphone is gone, using default", "device", id)
		return d.backend.Probe(AudioInput, "")
	}
	err := d.backend.Probe(AudioInput, id)
	if err == nil {
		return nil
	}
	d.logger.Warn("selected microphone failed, using default", "device", id, "error", err)
	return d.backend.Probe(AudioInput, "")
}

func containsID(list []Device, id string) bool {
	for _, dev := range list {
		if dev.ID == id {
			return true
		}
	}
	return false
}

func (d *Devices) list(kind Kind) []Device {
	var out []Device
	for _, dev := range d.backend.Enumerate() {
		if dev.Kind == kind {
			out = append(out, dev)
		}
	}
	return out
}

func hiddenLabels(list []Device) bool {
	for _, dev := range list {
		if dev.Label == "" {
			return true
		}
	}
	return false
}

// SystemBackend uses the drivers registered with pion/mediadevices.
type SystemBackend struct{}

// Enumerate lists the registered devices.
func (SystemBackend) Enumerate() []Device {
	infos := mediadevices.EnumerateDevices()
	out := make([]Device, 0, len(infos))
	for _, info := range infos {
		var kind Kind
		switch info.Kind {
		case mediadevices.AudioInput:
			kind = AudioInput
		case mediadevices.VideoInput:
			kind = VideoInput
		case mediadevices.AudioOutput:
			kind = AudioOutput
		default:
			continue
		}
		out = append(out, Device{ID: info.DeviceID, Label: info.Label, Kind: kind})
	}
	return out
}

// Probe opens one capture stream of kind and closes it again.
func (SystemBackend) Probe(kind Kind, deviceID string) error {
	pick := func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.StringExact(deviceID)
		}
	}
	constraints := mediadevices.MediaStreamConstraints{}
	switch kind {
	case AudioInput:
		constraints.Audio = pick
	case VideoInput:
		constraints.Video = pick
	default:
		return nil
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return err
	}
	for _, t := range stream.GetTracks() {
		t.Close()
	}
	return nil
}
