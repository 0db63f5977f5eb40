package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Hasher turns session passwords into opaque credentials and checks them.
// Implementations must be safe for concurrent use.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, credential string) bool
}

// ErrMalformedCredential is returned when a stored credential cannot be parsed.
var ErrMalformedCredential = errors.New("auth: malformed credential")

const (
	scryptPrefix  = "scrypt"
	saltLength    = 16
	derivedLength = 32
)

// ScryptParams are the scrypt cost parameters.
type ScryptParams struct {
	N int
	R int
	P int
}

// DefaultScryptParams returns production cost parameters (N=32768).
func DefaultScryptParams() ScryptParams {
	return ScryptParams{N: 1 << 15, R: 8, P: 1}
}

// ScryptHasher is the default Hasher. Credentials are encoded as
// scrypt$N$r$p$salt$key with base64 salt and key, so parameters can change
// without invalidating stored sessions.
type ScryptHasher struct {
	params ScryptParams
}

// NewScryptHasher creates a ScryptHasher with the given parameters.
func NewScryptHasher(params ScryptParams) *ScryptHasher {
	return &ScryptHasher{params: params}
}

// Hash derives a credential from password with a fresh random salt.
func (h *ScryptHasher) Hash(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(password), salt, h.params.N, h.params.R, h.params.P, derivedLength)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	return strings.Join([]string{
		scryptPrefix,
		strconv.Itoa(h.params.N),
		strconv.Itoa(h.params.R),
		strconv.Itoa(h.params.P),
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	}, "$"), nil
}

// Verify reports whether password matches credential. The key comparison
// takes constant time.
func (h *ScryptHasher) Verify(password, credential string) bool {
	params, salt, want, err := parseCredential(credential)
	if err != nil {
		return false
	}
	got, err := scrypt.Key([]byte(password), salt, params.N, params.R, params.P, len(want))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

func parseCredential(credential string) (ScryptParams, []byte, []byte, error) {
	parts := strings.Split(credential, "$")
	if len(parts) != 6 || parts[0] != scryptPrefix {
		return ScryptParams{}, nil, nil, ErrMalformedCredential
	}
	var params ScryptParams
	var err error
	if params.N, err = strconv.Atoi(parts[1]); err != nil {
		return ScryptParams{}, nil, nil, ErrMalformedCredential
	}
	if params.R, err = strconv.Atoi(parts[2]); err != nil {
		return ScryptParams{}, nil, nil, ErrMalformedCredential
	}
	if params.P, err = strconv.Atoi(parts[3]); err != nil {
		return ScryptParams{}, nil, nil, ErrMalformedCredential
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ScryptParams{}, nil, nil, ErrMalformedCredential
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return ScryptParams{}, nil, nil, ErrMalformedCredential
	}
	return params, salt, key, nil
}
