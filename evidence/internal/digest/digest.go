// Package digest fingerprints evidence files with SHA-256.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrEmptyInput is returned for zero-length input: an empty screenshot is a
// capture bug, never evidence.
var ErrEmptyInput = errors.New("digest: empty input")

// Digest returns the lowercase hex SHA-256 of b.
func Digest(b []byte) (string, error) {
	if len(b) == 0 {
		return "", ErrEmptyInput
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// File reads path and returns its digest together with the bytes read.
func File(path string) (string, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("digest: read %s: %w", path, err)
	}
	sum, err := Digest(data)
	if err != nil {
		return "", nil, fmt.Errorf("digest: %s: %w", path, err)
	}
	return sum, data, nil
}

// Combine binds several hex digests into one: the SHA-256 of the digests
// joined by "\n", in the given order. Returns the raw 32-byte sum, which is
// what gets submitted to timestamp authorities.
func Combine(hexDigests ...string) ([]byte, error) {
	if len(hexDigests) == 0 {
		return nil, ErrEmptyInput
	}
	for _, h := range hexDigests {
		if h == "" {
			return nil, ErrEmptyInput
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(hexDigests, "\n")))
	return sum[:], nil
}
