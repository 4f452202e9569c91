// Package validate provides centralized input validation for the Quorum API.
// Admission-time checks here keep malformed identifiers out of the audit log,
// where they would be sealed into the hash chain forever.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length (0 = no minimum)
	MaxLength      int            // Maximum length (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional regex pattern for allowed characters
	AllowEmpty     bool           // Whether empty strings are allowed
	TrimSpace      bool           // Whether to trim whitespace before validation
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	// Character count, not byte count
	length := utf8.RuneCountInString(s)

	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	return s, nil
}

// actionPattern allows dotted verb-style action names like "document.updated".
var actionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _\-\.:]*$`)

// partitionPattern restricts site collection names to characters that are
// safe in object keys and URLs.
var partitionPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Action validates an audit event action name:
// - 1-200 characters
// - Letters, numbers, spaces, dash, underscore, period, colon
// - Must start with a letter or number
func Action(action string) (string, error) {
	return String(action, StringConstraints{
		MinLength:      1,
		MaxLength:      200,
		AllowedPattern: actionPattern,
		AllowEmpty:     false,
		TrimSpace:      true,
	})
}

// SiteCollection validates a partition name:
// - Optional (empty falls back to the default partition)
// - Max 128 characters
// - Letters, numbers, dash, underscore only
func SiteCollection(name string) (string, error) {
	return String(name, StringConstraints{
		MaxLength:      128,
		AllowedPattern: partitionPattern,
		AllowEmpty:     true,
		TrimSpace:      true,
	})
}

// CorrelationID validates a client-supplied idempotency key:
// - Optional (empty means no idempotency guarantee requested)
// - Max 128 characters
func CorrelationID(id string) (string, error) {
	return String(id, StringConstraints{
		MaxLength:  128,
		AllowEmpty: true,
		TrimSpace:  true,
	})
}
