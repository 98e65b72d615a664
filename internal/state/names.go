package state

import (
	"fmt"
	"strings"
)

// MaxNameLength bounds kinds and ids.
const MaxNameLength = 200

// ReservedPrefix marks kinds owned by collabd itself.
const ReservedPrefix = "_"

// IsReserved reports whether kind is internal. Reserved kinds never emit
// change notifications.
func IsReserved(kind string) bool {
	return strings.HasPrefix(kind, ReservedPrefix)
}

// ValidateName checks a kind or id. Names are 1..200 characters from
// [A-Za-z0-9._:@-] and do not start with a dot.
func ValidateName(field, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidName, field)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidName, field, MaxNameLength)
	}
	if name[0] == '.' {
		return fmt.Errorf("%w: %s must not start with '.'", ErrInvalidName, field)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-', r == ':', r == '@':
		default:
			return fmt.Errorf("%w: %s contains %q", ErrInvalidName, field, r)
		}
	}
	return nil
}

func validateKey(kind, id string) error {
	if err := ValidateName("kind", kind); err != nil {
		return err
	}
	return ValidateName("id", id)
}

func recordName(kind, id string) string {
	return "state/" + kind + "/" + id + ".json"
}
