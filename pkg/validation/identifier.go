// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks caller-supplied identifiers before they become
// part of store keys, index entries or log lines.
//
// Record keys are built by joining identifiers with "/", so an identifier
// containing a separator, whitespace or control characters could alias
// another record's key or forge log fields.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength bounds identifiers accepted from callers.
const MaxIdentifierLength = 128

// ErrInvalidIdentifier is wrapped by every validation failure.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// identifierPattern allows letters, digits and ._:@+- after an alphanumeric
// first character. Covers UUIDs, CI run numbers, slugs and email addresses.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@+-]*$`)

// ValidateIdentifier validates a record, run, definition or user id.
//
// Valid identifiers:
//   - 1-128 characters
//   - Start with a letter or digit
//   - Contain only letters, digits, dots, underscores, colons, at signs,
//     plus signs and hyphens
//
// Example:
//
//	if err := validation.ValidateIdentifier(runID); err != nil {
//	    return fmt.Errorf("callback: %w", err)
//	}
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentifier, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	return nil
}

// ValidateIdentifiers validates several identifiers and lists every
// invalid one.
func ValidateIdentifiers(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateIdentifier(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, invalid)
	}
	return nil
}

// SanitizeIdentifier trims surrounding whitespace and validates the result.
func SanitizeIdentifier(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateIdentifier(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
