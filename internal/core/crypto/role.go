// Package crypto derives database role credentials.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// Tenant roles get passwords derived from a single platform secret with
// HKDF-SHA256, so the gateway can reconnect as any tenant role without
// persisting per-tenant secrets.
package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrEmptySecret is returned when no platform secret was configured.
var ErrEmptySecret = errors.New("role secret must not be empty")

// passwordBytes is the amount of key material behind each password.
const passwordBytes = 24

const derivationSalt = "loradataserver/tenant-role"

// RolePassword derives the password of a database role from the platform
// secret. The result is deterministic and URL-safe.
func RolePassword(secret, role string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	r := hkdf.New(sha256.New, []byte(secret), []byte(derivationSalt), []byte(role))
	buf := make([]byte, passwordBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
