package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when a presented admin key matches no
// configured hash.
var ErrInvalidKey = errors.New("invalid api key")

// argon2idParams follows the OWASP minimum for Argon2id.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashAdminKey returns an Argon2id hash of the raw key in PHC format,
// suitable for the auth.admin_keys configuration list.
func HashAdminKey(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// AdminKeys verifies presented X-API-Key values against configured
// hashes. Raw key material is never stored; both Argon2id PHC hashes and
// "sha256:"-prefixed hex digests are accepted.
type AdminKeys struct {
	hashes []string
}

// NewAdminKeys builds a verifier over the configured hash list.
func NewAdminKeys(hashes []string) *AdminKeys {
	return &AdminKeys{hashes: hashes}
}

// Configured reports whether any admin keys are set.
func (k *AdminKeys) Configured() bool {
	return len(k.hashes) > 0
}

// Verify checks a raw key against every configured hash. All hashes are
// tried even after a match so timing does not leak which entry matched.
func (k *AdminKeys) Verify(rawKey string) bool {
	if rawKey == "" {
		return false
	}
	matched := false
	for _, stored := range k.hashes {
		ok, err := verifyOne(rawKey, stored)
		if err == nil && ok {
			matched = true
		}
	}
	return matched
}

func verifyOne(rawKey, stored string) (bool, error) {
	switch {
	case strings.HasPrefix(stored, "$argon2id$"):
		return safeArgon2idCompare(rawKey, stored)
	case strings.HasPrefix(stored, "sha256:"):
		want := strings.TrimPrefix(stored, "sha256:")
		sum := sha256.Sum256([]byte(rawKey))
		got := hex.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1, nil
	default:
		return false, fmt.Errorf("unrecognized hash format")
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery: the underlying library panics on malformed hashes with
// degenerate parameters (t=0, p=0), and a bad config entry must not take
// the process down.
func safeArgon2idCompare(rawKey, stored string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, stored)
}
