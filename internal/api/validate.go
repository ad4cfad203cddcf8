package api

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// textField bounds one string member of a request body.
type textField struct {
	name     string
	maxRunes int
	required bool
	// plain rejects every control character, tabs and newlines included.
	plain bool
}

var (
	destinationField = textField{name: "destination", maxRunes: 256, required: true, plain: true}
	deviceIDField    = textField{name: "device_id", maxRunes: 512, plain: true}
	passwordField    = textField{name: "password", maxRunes: 256, required: true}
	traceLevelField  = textField{name: "level", maxRunes: 40, required: true}
)

// check returns a client-facing message, or "" when value is acceptable.
func (f textField) check(value string) string {
	if value == "" {
		if f.required {
			return f.name + " is required"
		}
		return ""
	}
	if n := utf8.RuneCountInString(value); n > f.maxRunes {
		return fmt.Sprintf("%s is %d characters, at most %d allowed", f.name, n, f.maxRunes)
	}
	if !utf8.ValidString(value) {
		return f.name + " is not valid utf-8"
	}
	if f.plain {
		for _, r := range value {
			if unicode.IsControl(r) {
				return f.name + " contains control characters"
			}
		}
	}
	return ""
}
