// Package sipconfig defines the SIP Core configuration snapshot delivered by
// the host application. A Config is treated as an immutable value: a reload
// always decodes a fresh snapshot and swaps it in whole.
package sipconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// Defaults applied when the host omits a field.
const (
	DefaultHeartbeatIntervalMs = 30000
	DefaultICEGatheringTimeout = 5000
	DefaultRegisterExpires     = 300
	DefaultAddonSlug           = "3e533915_asterisk"
	DefaultICETransportPolicy  = "all"
	maxRegisterExpires         = 3600
	minHeartbeatIntervalMs     = 1000
	minICEGatheringTimeoutMs   = 100
)

// ICEServer is one STUN/TURN server entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICEConfig holds network-path negotiation settings.
type ICEConfig struct {
	Servers            []ICEServer `json:"ice_servers"`
	GatheringTimeoutMs int         `json:"iceGatheringTimeout"`
	TransportPolicy    string      `json:"ice_transport_policy"`
}

// Config is the full SIP Core configuration snapshot.
type Config struct {
	ICE                 ICEConfig `json:"ice_config"`
	Users               []User    `json:"-"`
	BackupUser          *User     `json:"backup_user,omitempty"`
	PBXServer           string    `json:"pbx_server"`
	CustomWSSURL        string    `json:"custom_wss_url"`
	AddonSlug           string    `json:"addon_slug"`
	AutoAnswer          bool      `json:"auto_answer"`
	Video               bool      `json:"sip_video"`
	IncomingRingtoneURL string    `json:"incoming_ringtone_url"`
	OutgoingRingtoneURL string    `json:"outgoing_ringtone_url"`
	HeartbeatIntervalMs int       `json:"heartbeatIntervalMs"`
	RegisterExpires     int       `json:"register_expires"`
}

// wireConfig mirrors Config on the wire; users is decoded separately
// because the host may deliver it in one of several shapes.
type wireConfig struct {
	Config
	Users json.RawMessage `json:"users"`
}

// Decode parses a configuration snapshot, applies defaults and validates
// every user record. A payload wrapped in {"data": ...} is unwrapped first.
func Decode(data []byte) (*Config, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("decoding config: empty payload")
	}
	if data[0] != '{' {
		return nil, fmt.Errorf("decoding config: expected a JSON object, got %s", jsonKind(data))
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err == nil && len(env.Data) > 0 && env.Data[0] == '{' {
		data = env.Data
	}

	var w wireConfig
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	users, err := decodeUsers(w.Users)
	if err != nil {
		return nil, fmt.Errorf("decoding users: %w", err)
	}

	cfg := w.Config
	cfg.Users = users
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HeartbeatIntervalMs <= 0 {
		c.HeartbeatIntervalMs = DefaultHeartbeatIntervalMs
	}
	if c.ICE.GatheringTimeoutMs <= 0 {
		c.ICE.GatheringTimeoutMs = DefaultICEGatheringTimeout
	}
	if c.ICE.TransportPolicy == "" {
		c.ICE.TransportPolicy = DefaultICETransportPolicy
	}
	if c.RegisterExpires <= 0 {
		c.RegisterExpires = DefaultRegisterExpires
	}
	if c.AddonSlug == "" {
		c.AddonSlug = DefaultAddonSlug
	}
}

// Validate checks every user record and the numeric bounds. It returns a
// *ValidationError for the first malformed field found.
func (c *Config) Validate() error {
	for i := range c.Users {
		if err := c.Users[i].Validate(); err != nil {
			return fmt.Errorf("users[%d]: %w", i, err)
		}
	}
	if c.BackupUser != nil {
		if err := c.BackupUser.ValidateBackup(); err != nil {
			return fmt.Errorf("backup_user: %w", err)
		}
	}
	if c.HeartbeatIntervalMs < minHeartbeatIntervalMs {
		return &ValidationError{Field: "heartbeatIntervalMs", Reason: fmt.Sprintf("must be at least %d", minHeartbeatIntervalMs)}
	}
	if c.ICE.GatheringTimeoutMs < minICEGatheringTimeoutMs {
		return &ValidationError{Field: "ice_config.iceGatheringTimeout", Reason: fmt.Sprintf("must be at least %d", minICEGatheringTimeoutMs)}
	}
	if c.RegisterExpires > maxRegisterExpires {
		return &ValidationError{Field: "register_expires", Reason: fmt.Sprintf("must not exceed %d", maxRegisterExpires)}
	}
	switch c.ICE.TransportPolicy {
	case "all", "relay":
	default:
		return &ValidationError{Field: "ice_config.ice_transport_policy", Reason: fmt.Sprintf("unknown policy %q", c.ICE.TransportPolicy)}
	}
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return &ValidationError{Field: fmt.Sprintf("ice_config.ice_servers[%d].urls", i), Reason: "must not be empty"}
		}
	}
	return nil
}

// Equal reports whether two snapshots are structurally identical.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return reflect.DeepEqual(c, other)
}

// HeartbeatInterval returns the keepalive cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// ICEGatheringTimeout returns the bound on the candidate-gathering phase.
func (c *Config) ICEGatheringTimeout() time.Duration {
	return time.Duration(c.ICE.GatheringTimeoutMs) * time.Millisecond
}

// MarshalJSON writes users back as a plain array.
func (c Config) MarshalJSON() ([]byte, error) {
	type plain Config
	return json.Marshal(struct {
		plain
		Users []User `json:"users"`
	}{plain: plain(c), Users: c.Users})
}
