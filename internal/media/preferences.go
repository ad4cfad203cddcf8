package media

import (
	"context"
	"fmt"
)

// Preference keys for the selected devices.
const (
	KeyInputDevice  = "sipcore.input_device"
	KeyOutputDevice = "sipcore.output_device"
)

// Preferences is the key/value store the selected device ids live in.
type Preferences interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// PreferenceKey maps a device kind to its preference key.
func PreferenceKey(kind Kind) (string, error) {
	switch kind {
	case AudioInput:
		return KeyInputDevice, nil
	case AudioOutput:
		return KeyOutputDevice, nil
	}
	return "", fmt.Errorf("device kind %q has no stored selection", kind)
}
