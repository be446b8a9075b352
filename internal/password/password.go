// Package password hashes mailbox passwords.
package password

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrMismatch is returned by Verify when the password does not match.
var ErrMismatch = errors.New("password: mismatch")

// Hasher turns a plaintext password into a storable hash.
type Hasher interface {
	Hash(plain string) (string, error)
	Verify(hash, plain string) error
}

// dovecotScheme prefixes hashes so Dovecot's passdb recognises the scheme.
const dovecotScheme = "{BLF-CRYPT}"

// Bcrypt hashes with bcrypt in Dovecot's {BLF-CRYPT} format.
type Bcrypt struct {
	Cost int
}

// NewBcrypt returns a Bcrypt hasher. A cost outside bcrypt's range falls
// back to bcrypt.DefaultCost.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{Cost: cost}
}

// Hash hashes plain.
func (b *Bcrypt) Hash(plain string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plain), b.Cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return dovecotScheme + string(h), nil
}

// Verify checks plain against a hash produced by Hash. Hashes without the
// scheme prefix are accepted.
func (b *Bcrypt) Verify(hash, plain string) error {
	raw := strings.TrimPrefix(hash, dovecotScheme)
	if err := bcrypt.CompareHashAndPassword([]byte(raw), []byte(plain)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrMismatch
		}
		return fmt.Errorf("verify password: %w", err)
	}
	return nil
}
