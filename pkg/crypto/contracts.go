package crypto

import "errors"

var (
	ErrInvalidHash   = errors.New("secret: invalid hash")
	ErrInvalidConfig = errors.New("secret: invalid config")
)

// Hasher derives and checks one-way hashes of secrets: account passwords and
// single-use backup codes.
type Hasher interface {
	Hash(secret string) (string, error)
	Verify(secret string, encodedHash string) (bool, error)
}
