// Package identity maps the host's current principal to one configured SIP
// user.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/sipcore/sipcore/internal/sipconfig"
)

// ErrNoIdentity is returned when neither a matching user nor a backup user
// is configured.
var ErrNoIdentity = errors.New("no sip identity configured for principal")

// Resolver picks the user record for a principal.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{logger: logger.With("subsystem", "identity")}
}

// Resolve returns the user whose ha_username equals principal, falling back
// to the backup user. The chosen record is validated before it is returned.
func (r *Resolver) Resolve(cfg *sipconfig.Config, principal string) (sipconfig.User, error) {
	if cfg == nil {
		return sipconfig.User{}, fmt.Errorf("resolving identity: %w", ErrNoIdentity)
	}

	var (
		user   sipconfig.User
		found  bool
		backup bool
	)
	if principal != "" {
		for _, u := range cfg.Users {
			if u.HAUsername == principal {
				user, found = u, true
				break
			}
		}
	}
	if !found && cfg.BackupUser != nil {
		user, found, backup = *cfg.BackupUser, true, true
	}
	if !found {
		return sipconfig.User{}, fmt.Errorf("resolving identity for %q: %w", principal, ErrNoIdentity)
	}

	validate := user.Validate
	if backup {
		validate = user.ValidateBackup
	}
	if err := validate(); err != nil {
		return sipconfig.User{}, fmt.Errorf("resolving identity for %q: %w", principal, err)
	}

	r.logger.Info("identity resolved",
		"principal", principal,
		"extension", user.Extension,
		"backup", backup,
	)
	return user, nil
}

// PrincipalFromToken extracts the host principal from an access token's
// claims without verifying its signature. The token was issued to us by the
// host and is only read to learn who we are acting for.
func PrincipalFromToken(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", errors.New("empty access token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parsing access token: %w", err)
	}

	for _, key := range []string{"sub", "iss"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", errors.New("access token carries no sub or iss claim")
}
