package call

import (
	"fmt"
	"strconv"
	"strings"
)

const maxDestinationLength = 128

// ValidationError describes why a destination was rejected.
type ValidationError struct {
	Destination string
	Position    int
	Reason      string
}

func (e *ValidationError) Error() string {
	if e.Position > 0 {
		return fmt.Sprintf("invalid destination %q at position %d: %s", e.Destination, e.Position, e.Reason)
	}
	return fmt.Sprintf("invalid destination %q: %s", e.Destination, e.Reason)
}

func validUserRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("_.+*-", r)
}

func validHostRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune(".-[]:", r)
}

// ValidateDestination checks a dialed string: a bare identity such as
// "1001", or a network identity "[sip:|sips:]user[@host[:port]]".
func ValidateDestination(dest string) error {
	if strings.TrimSpace(dest) == "" {
		return &ValidationError{Destination: dest, Reason: "destination is empty"}
	}
	if len(dest) > maxDestinationLength {
		return &ValidationError{Destination: dest, Reason: fmt.Sprintf("longer than %d characters", maxDestinationLength)}
	}

	offset := 0
	rest := dest
	lower := strings.ToLower(dest)
	for _, scheme := range []string{"sips:", "sip:"} {
		if strings.HasPrefix(lower, scheme) {
			offset = len(scheme)
			rest = dest[offset:]
			break
		}
	}

	user, host, hasHost := strings.Cut(rest, "@")
	if user == "" {
		return &ValidationError{Destination: dest, Position: offset + 1, Reason: "missing user part"}
	}
	for i, r := range user {
		if !validUserRune(r) {
			return &ValidationError{Destination: dest, Position: offset + i + 1, Reason: fmt.Sprintf("character %q is not allowed", r)}
		}
	}
	if !hasHost {
		return nil
	}

	hostOffset := offset + len(user) + 1
	if host == "" {
		return &ValidationError{Destination: dest, Position: hostOffset + 1, Reason: "missing host after '@'"}
	}
	for i, r := range host {
		if !validHostRune(r) {
			return &ValidationError{Destination: dest, Position: hostOffset + i + 1, Reason: fmt.Sprintf("character %q is not allowed in host", r)}
		}
	}
	if h, port, ok := strings.Cut(host, ":"); ok && !strings.HasPrefix(host, "[") {
		if h == "" {
			return &ValidationError{Destination: dest, Position: hostOffset + 1, Reason: "missing host before port"}
		}
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return &ValidationError{Destination: dest, Position: hostOffset + len(h) + 2, Reason: fmt.Sprintf("invalid port %q", port)}
		}
	}
	return nil
}

// QualifyDestination turns a validated destination into a SIP URI. Bare
// identities are placed in the registrar's domain.
func QualifyDestination(dest, domain string) string {
	lower := strings.ToLower(dest)
	if strings.HasPrefix(lower, "sip:") || strings.HasPrefix(lower, "sips:") {
		if strings.Contains(dest, "@") || domain == "" {
			return dest
		}
		scheme, user, _ := strings.Cut(dest, ":")
		return scheme + ":" + user + "@" + domain
	}
	if strings.Contains(dest, "@") || domain == "" {
		return "sip:" + dest
	}
	return "sip:" + dest + "@" + domain
}
