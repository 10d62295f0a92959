package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
)

// ErrEmptyContent is returned when an identity is requested for zero bytes.
var ErrEmptyContent = errors.New("content is empty")

var hexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FromBytes computes the content fingerprint used as the dedup key across
// all stores. Identical bytes always produce the identical identity.
func FromBytes(content []byte) (string, error) {
	if len(content) == 0 {
		return "", ErrEmptyContent
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}

// Valid reports whether s has the shape of an identity (64 lowercase hex chars).
func Valid(s string) bool {
	return hexPattern.MatchString(s)
}
