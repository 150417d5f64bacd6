// Package unitname validates and canonicalizes unit, drop-in and environment
// names before they reach the service manager or the filesystem.
package unitname

import (
	"strings"
	"unicode"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
)

// DefaultSuffix is appended to unit names that carry no type suffix.
const DefaultSuffix = ".service"

// Canonicalize validates a unit name and appends DefaultSuffix when the name
// has no dot.
func Canonicalize(name string) (string, error) {
	if err := ValidateNoControl("unit", name); err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if err := validatePathSafe("unit", name); err != nil {
		return "", err
	}
	if strings.Contains(name, ".") {
		return name, nil
	}
	return name + DefaultSuffix, nil
}

// ValidateUnitFileName validates a unit name used as a file name without
// canonicalizing it.
func ValidateUnitFileName(name string) error {
	if err := ValidateNoControl("unit", name); err != nil {
		return err
	}
	return validatePathSafe("unit", strings.TrimSpace(name))
}

// ValidateDropInName validates a drop-in fragment name. The ".conf" suffix is
// added by the writer and must not be part of name.
func ValidateDropInName(name string) error {
	if err := ValidateNoControl("drop-in name", name); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if err := validatePathSafe("drop-in name", name); err != nil {
		return err
	}
	if strings.HasSuffix(name, ".conf") {
		return apperrors.InvalidInput("drop-in name must not include the .conf suffix")
	}
	return nil
}

// ValidateEnvKey validates an environment variable name.
func ValidateEnvKey(key string) error {
	if err := ValidateNoControl("env key", key); err != nil {
		return err
	}
	if key == "" {
		return apperrors.InvalidInput("env key must not be empty")
	}
	if strings.Contains(key, "=") {
		return apperrors.InvalidInput("env key must not contain '='")
	}
	return nil
}

// ValidateNoControl rejects NUL, newlines and any other control character.
func ValidateNoControl(context, s string) error {
	if strings.ContainsRune(s, 0) {
		return apperrors.InvalidInput("%s must not contain NUL", context)
	}
	if strings.ContainsAny(s, "\r\n") {
		return apperrors.InvalidInput("%s must not contain newlines", context)
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return apperrors.InvalidInput("%s must not contain control characters", context)
	}
	return nil
}

func validatePathSafe(context, s string) error {
	if s == "" {
		return apperrors.InvalidInput("%s must not be empty", context)
	}
	if strings.ContainsAny(s, `/\`) {
		return apperrors.InvalidInput("%s must not contain path separators", context)
	}
	if strings.Contains(s, "..") {
		return apperrors.InvalidInput("%s must not contain '..'", context)
	}
	return nil
}
