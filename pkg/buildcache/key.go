// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buildcache turns program sources into loaded device modules, reusing compiled artifacts persisted in
// a Store whenever possible.
//
// The cache is best effort: any problem reading or loading a cached artifact is a miss, and failures to persist
// a new artifact are only logged.
package buildcache

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

// Key identifies a build: the SHA-256 digest of all the compiler options (in order) followed by the source.
type Key [sha256.Size]byte

// ComputeKey returns the Key of the build of source with the given options.
//
// The options and the source are hashed as a plain concatenation, without separators.
func ComputeKey(source string, options []string) Key {
	h := sha256.New()
	for _, opt := range options {
		h.Write([]byte(opt))
	}
	h.Write([]byte(source))
	var key Key
	h.Sum(key[:0])
	return key
}

// String returns the hexadecimal representation of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ParseKey parses the hexadecimal representation of a key, as returned by Key.String.
func ParseKey(s string) (Key, error) {
	var key Key
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return key, errors.Wrapf(err, "invalid build key %q", s)
	}
	if len(decoded) != len(key) {
		return key, errors.Errorf("invalid build key %q: %d bytes, wanted %d", s, len(decoded), len(key))
	}
	copy(key[:], decoded)
	return key, nil
}
