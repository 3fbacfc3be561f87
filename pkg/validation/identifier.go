// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation checks user-supplied identifiers before they reach
// storage keys, file paths or search filters.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxVendorIDLength bounds vendor ids.
const MaxVendorIDLength = 128

// vendorIDPattern admits ids that are safe as a single path segment and a
// BadgerDB key component: letters, digits, '_', '.' and '-', not starting
// with a separator.
var vendorIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateVendorID rejects empty, overlong and unsafe vendor ids.
//
// Example:
//
//	if err := validation.ValidateVendorID(id); err != nil {
//	    return nil, fmt.Errorf("invalid vendor: %w", err)
//	}
func ValidateVendorID(id string) error {
	if id == "" {
		return fmt.Errorf("vendor id cannot be empty")
	}
	if len(id) > MaxVendorIDLength {
		return fmt.Errorf("vendor id longer than %d characters", MaxVendorIDLength)
	}
	if !vendorIDPattern.MatchString(id) {
		return fmt.Errorf("invalid vendor id format: %q (letters, digits, '_', '.' or '-' only)", id)
	}
	return nil
}

// ValidateVendorIDs validates several ids and lists every invalid one.
func ValidateVendorIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateVendorID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid vendor ids: %q", invalid)
	}
	return nil
}

// SanitizeVendorID trims surrounding whitespace and validates the result.
// Case is preserved; vendor ids are case-sensitive.
func SanitizeVendorID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateVendorID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
