// Package semver checks dapp SDK API versions against the wallet's supported range.
package semver

import (
	"errors"
	"fmt"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:version"

// ErrUnsupportedVersion is returned when a version falls outside the accepted constraint.
var ErrUnsupportedVersion = errors.New("unsupported sdk api version")

// NormalizeVersion trims whitespace and a leading "v" so "v0.20.1" and "0.20.1" compare equal.
func NormalizeVersion(version string) string {
	v := strings.TrimSpace(version)
	return strings.TrimPrefix(v, "v")
}

// IsValidVersion reports whether version parses as SemVer.
func IsValidVersion(version string) bool {
	_, err := masterminds.NewVersion(NormalizeVersion(version))
	return err == nil
}

// CheckAPIVersion validates version against constraint (e.g. ">=0.14.0").
// An empty constraint accepts everything, including an empty version.
// An empty version with a non-empty constraint is rejected.
func CheckAPIVersion(version, constraint string) error {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return nil
	}

	c, err := masterminds.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%s - invalid constraint %q: %w", logPrefix, constraint, err)
	}

	normalized := NormalizeVersion(version)
	if normalized == "" {
		return fmt.Errorf("%s - missing version, want %s: %w", logPrefix, constraint, ErrUnsupportedVersion)
	}

	sv, err := masterminds.NewVersion(normalized)
	if err != nil {
		return fmt.Errorf("%s - invalid version %q: %w", logPrefix, version, ErrUnsupportedVersion)
	}

	if !c.Check(sv) {
		return fmt.Errorf("%s - version %s does not satisfy %s: %w", logPrefix, sv, constraint, ErrUnsupportedVersion)
	}
	return nil
}

// ValidateConstraint reports a parse error for a constraint string, nil for empty.
func ValidateConstraint(constraint string) error {
	if strings.TrimSpace(constraint) == "" {
		return nil
	}
	if _, err := masterminds.NewConstraint(constraint); err != nil {
		return fmt.Errorf("%s - invalid constraint %q: %w", logPrefix, constraint, err)
	}
	return nil
}
