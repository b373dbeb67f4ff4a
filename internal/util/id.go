package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random hex identifier, prefixed for readability in logs.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
