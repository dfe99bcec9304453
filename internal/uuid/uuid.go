// Package uuid provides record ID generation for the sync core.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a new UUID v4 string. Used for records that have no
// natural business key.
func New() string {
	return uuid.New().String()
}

// Validate returns an error if the string is neither a UUID nor a
// plausible business key (non-empty, no whitespace).
func Validate(s string) error {
	if s == "" {
		return fmt.Errorf("empty record ID")
	}
	if _, err := uuid.Parse(s); err == nil {
		return nil
	}
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			return fmt.Errorf("record ID %q contains whitespace", s)
		}
	}
	return nil
}
