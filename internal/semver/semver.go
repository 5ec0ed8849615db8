// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package semver provides semantic version parsing, comparison, and
// constraint matching for skill descriptor versions and workflow
// version selectors.
package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version represents a semantic version.
type Version struct {
	Major      int
	Minor      int
	Patch      int
	Prerelease string
	Build      string
}

// versionRegex matches full semantic versions. Skill descriptor versions
// require all three numeric components.
var versionRegex = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(?:-([a-zA-Z0-9.-]+))?(?:\+([a-zA-Z0-9.-]+))?$`)

// Parse parses a version string into a Version.
func Parse(s string) (*Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty version string")
	}

	matches := versionRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("invalid version format: %s", s)
	}

	major, _ := strconv.Atoi(matches[1])
	minor, _ := strconv.Atoi(matches[2])
	patch, _ := strconv.Atoi(matches[3])

	return &Version{
		Major:      major,
		Minor:      minor,
		Patch:      patch,
		Prerelease: matches[4],
		Build:      matches[5],
	}, nil
}

// Valid reports whether s is a well-formed major.minor.patch version.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// String returns the string representation of the version.
func (v *Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	if v.Build != "" {
		s += "+" + v.Build
	}
	return s
}

// Compare compares two versions.
// Returns -1 if v < other, 0 if v == other, 1 if v > other.
func (v *Version) Compare(other *Version) int {
	if v.Major != other.Major {
		return sign(v.Major - other.Major)
	}
	if v.Minor != other.Minor {
		return sign(v.Minor - other.Minor)
	}
	if v.Patch != other.Patch {
		return sign(v.Patch - other.Patch)
	}

	// Prerelease versions have lower precedence than release versions.
	if v.Prerelease == "" && other.Prerelease != "" {
		return 1
	}
	if v.Prerelease != "" && other.Prerelease == "" {
		return -1
	}
	if v.Prerelease != other.Prerelease {
		if v.Prerelease < other.Prerelease {
			return -1
		}
		return 1
	}
	return 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// Compare compares two version strings. Malformed versions sort lowest.
func Compare(a, b string) int {
	va, errA := Parse(a)
	vb, errB := Parse(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// Constraint represents a version constraint.
type Constraint struct {
	// Operator is the comparison operator (=, >=, >, <, <=, ^, ~)
	Operator string
	// Version is the version to compare against
	Version *Version
	// Raw is the original constraint string
	Raw string
}

// constraintRegex matches version constraints.
var constraintRegex = regexp.MustCompile(`^([=<>^~]?=?)\s*v?(.+)$`)

// ParseConstraint parses a version constraint string.
// Supported formats:
//   - "1.2.3" or "=1.2.3" - exact match
//   - "^1.2.3" - compatible with (same major version)
//   - "~1.2.3" - approximately (same major.minor)
//   - ">=1.2.3" - greater than or equal
//   - ">1.2.3" - greater than
//   - "<=1.2.3" - less than or equal
//   - "<1.2.3" - less than
//   - "latest" or "" - any version (registry resolves to maximum)
func ParseConstraint(s string) (*Constraint, error) {
	s = strings.TrimSpace(s)

	if s == "" || strings.ToLower(s) == "latest" {
		return &Constraint{
			Operator: ">=",
			Version:  &Version{},
			Raw:      s,
		}, nil
	}

	matches := constraintRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("invalid constraint format: %s", s)
	}

	operator := matches[1]
	if operator == "" {
		operator = "="
	}

	version, err := Parse(matches[2])
	if err != nil {
		return nil, fmt.Errorf("invalid version in constraint: %w", err)
	}

	return &Constraint{
		Operator: operator,
		Version:  version,
		Raw:      s,
	}, nil
}

// Match checks if a version satisfies the constraint.
func (c *Constraint) Match(v *Version) bool {
	cmp := v.Compare(c.Version)

	switch c.Operator {
	case "=", "==":
		return cmp == 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case "^":
		// Compatible with: same major version
		if v.Major != c.Version.Major {
			return false
		}
		return cmp >= 0
	case "~":
		// Approximately: same major.minor
		if v.Major != c.Version.Major || v.Minor != c.Version.Minor {
			return false
		}
		return cmp >= 0
	default:
		return cmp == 0
	}
}

// String returns the string representation of the constraint.
func (c *Constraint) String() string {
	if c.Raw != "" {
		return c.Raw
	}
	return c.Operator + c.Version.String()
}
