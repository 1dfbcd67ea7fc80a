// Package idgen centralizes identifier generation so every component
// produces ids the same way instead of scattering uuid.New() calls.
package idgen

import "github.com/google/uuid"

// New returns a new random v4 UUID string.
func New() string {
	return uuid.New().String()
}

// NewPrefixed returns a new UUID string with a human-readable prefix,
// e.g. NewPrefixed("task") -> "task-3fa9c1f2-...".
func NewPrefixed(prefix string) string {
	return prefix + "-" + uuid.New().String()
}
