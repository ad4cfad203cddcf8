package models

import "time"

// Preference is one stored key/value setting.
type Preference struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// CallRecord is one finished call.
type CallRecord struct {
	ID             string
	Direction      string
	RemoteIdentity string
	StartedAt      time.Time
	AnsweredAt     *time.Time
	EndedAt        time.Time
	Cause          string
}

// Duration is the talk time of the call, zero when it was never answered.
func (c CallRecord) Duration() time.Duration {
	if c.AnsweredAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.AnsweredAt)
}
