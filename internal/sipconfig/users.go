package sipconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
)

var extensionRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,20}$`)

// User is one configured SIP identity.
type User struct {
	HAUsername  string `json:"ha_username"`
	DisplayName string `json:"display_name"`
	Extension   string `json:"extension"`
	Password    string `json:"password"`
}

// Validate reports a *ValidationError when a required field is missing or
// malformed.
func (u User) Validate() error {
	if u.HAUsername == "" {
		return &ValidationError{Field: "ha_username", Reason: "is required"}
	}
	return u.validateAccount()
}

// ValidateBackup checks a fallback account. It serves any principal, so
// ha_username is optional.
func (u User) ValidateBackup() error {
	return u.validateAccount()
}

func (u User) validateAccount() error {
	if u.Extension == "" {
		return &ValidationError{Field: "extension", Reason: "is required"}
	}
	if !extensionRe.MatchString(u.Extension) {
		return &ValidationError{Field: "extension", Reason: fmt.Sprintf("%q must be 1-20 letters, digits, '_' or '-'", u.Extension)}
	}
	if u.Password == "" {
		return &ValidationError{Field: "password", Reason: "is required"}
	}
	return nil
}

// Name returns the display name, falling back to the extension.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Extension
}

// usersShape is a recognized encoding of the users field.
type usersShape int

const (
	shapeAbsent usersShape = iota
	shapeArray
	shapeKeyed
	shapeWrapped
)

// decodeUsers picks exactly one adapter for the raw users value. Anything
// that is not one of the recognized shapes is rejected.
func decodeUsers(raw json.RawMessage) ([]User, error) {
	shape, err := classifyUsers(raw)
	if err != nil {
		return nil, err
	}
	switch shape {
	case shapeAbsent:
		return nil, nil
	case shapeArray:
		return usersFromArray(raw)
	case shapeKeyed:
		return usersFromKeyed(raw)
	case shapeWrapped:
		return usersFromWrapped(raw)
	}
	return nil, fmt.Errorf("unhandled users shape %d", shape)
}

func classifyUsers(raw json.RawMessage) (usersShape, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return shapeAbsent, nil
	}
	switch raw[0] {
	case '[':
		return shapeArray, nil
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return 0, err
		}
		if items, ok := probe["items"]; ok && len(probe) == 1 {
			if jsonKind(items) != "array" {
				return 0, fmt.Errorf("users.items: expected array, got %s", jsonKind(items))
			}
			return shapeWrapped, nil
		}
		return shapeKeyed, nil
	}
	return 0, fmt.Errorf("unrecognized users shape: %s", jsonKind(raw))
}

func usersFromArray(raw json.RawMessage) ([]User, error) {
	var users []User
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("users array: %w", err)
	}
	return users, nil
}

// usersFromKeyed decodes {"<principal>": {...}}. The key is the principal and
// overrides any ha_username inside the record. Keys are sorted so the result
// is deterministic and two decodes of the same payload compare equal.
func usersFromKeyed(raw json.RawMessage) ([]User, error) {
	var keyed map[string]User
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, fmt.Errorf("users object: %w", err)
	}
	users := make([]User, 0, len(keyed))
	for _, principal := range slices.Sorted(maps.Keys(keyed)) {
		u := keyed[principal]
		u.HAUsername = principal
		users = append(users, u)
	}
	return users, nil
}

func usersFromWrapped(raw json.RawMessage) ([]User, error) {
	var wrapped struct {
		Items []User `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("users items: %w", err)
	}
	return wrapped.Items, nil
}

// jsonKind names the JSON type of a raw value for error messages.
func jsonKind(raw []byte) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "nothing"
	}
	switch raw[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	}
	return "number"
}
