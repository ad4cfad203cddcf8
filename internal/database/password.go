package database

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrMalformedHash is returned for an API password hash that is not a PHC
// encoded argon2id string.
var ErrMalformedHash = errors.New("malformed api password hash")

// KDFParams are the argon2id cost parameters of an API password hash.
type KDFParams struct {
	Memory  uint32 // KiB
	Time    uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

// DefaultKDF is used by HashPassword.
var DefaultKDF = KDFParams{
	Memory:  64 * 1024,
	Time:    3,
	Threads: 4,
	KeyLen:  32,
	SaltLen: 16,
}

// PasswordHash is a decoded API password hash.
type PasswordHash struct {
	Params KDFParams
	Salt   []byte
	Key    []byte
}

// Derive hashes password with a fresh random salt.
func (p KDFParams) Derive(password string) (PasswordHash, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return PasswordHash{}, fmt.Errorf("generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return PasswordHash{Params: p, Salt: salt, Key: key}, nil
}

// String encodes h as $argon2id$v=19$m=<mem>,t=<time>,p=<threads>$<salt>$<key>.
func (h PasswordHash) String() string {
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.Params.Memory, h.Params.Time, h.Params.Threads,
		b64.EncodeToString(h.Salt), b64.EncodeToString(h.Key))
}

// Matches reports whether password derives to the stored key.
func (h PasswordHash) Matches(password string) bool {
	key := argon2.IDKey([]byte(password), h.Salt, h.Params.Time, h.Params.Memory, h.Params.Threads, uint32(len(h.Key)))
	return subtle.ConstantTimeCompare(h.Key, key) == 1
}

// ParsePasswordHash decodes a hash produced by HashPassword or the
// hash-password command.
func ParsePasswordHash(encoded string) (PasswordHash, error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" {
		return PasswordHash{}, fmt.Errorf("%w: want 5 $-separated fields", ErrMalformedHash)
	}
	if fields[1] != "argon2id" {
		return PasswordHash{}, fmt.Errorf("%w: algorithm %q", ErrMalformedHash, fields[1])
	}
	if fields[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return PasswordHash{}, fmt.Errorf("%w: version %q", ErrMalformedHash, fields[2])
	}

	var h PasswordHash
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &h.Params.Memory, &h.Params.Time, &h.Params.Threads); err != nil {
		return PasswordHash{}, fmt.Errorf("%w: parameters %q", ErrMalformedHash, fields[3])
	}
	if h.Params.Time == 0 || h.Params.Threads == 0 {
		return PasswordHash{}, fmt.Errorf("%w: zero cost parameter", ErrMalformedHash)
	}

	var err error
	if h.Salt, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil {
		return PasswordHash{}, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err)
	}
	if h.Key, err = base64.RawStdEncoding.DecodeString(fields[5]); err != nil || len(h.Key) == 0 {
		return PasswordHash{}, fmt.Errorf("%w: key", ErrMalformedHash)
	}
	h.Params.SaltLen = uint32(len(h.Salt))
	h.Params.KeyLen = uint32(len(h.Key))
	return h, nil
}

// HashPassword returns the encoded DefaultKDF hash of password.
func HashPassword(password string) (string, error) {
	h, err := DefaultKDF.Derive(password)
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

// CheckPassword reports whether password matches encoded. A malformed
// hash is an error, never a mismatch.
func CheckPassword(password, encoded string) (bool, error) {
	h, err := ParsePasswordHash(encoded)
	if err != nil {
		return false, err
	}
	return h.Matches(password), nil
}
