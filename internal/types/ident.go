// Package types provides common type definitions shared by the supervisor,
// census, gossip, and rendering packages. Keeping them here avoids circular
// dependencies between packages.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// PackageIdent identifies a package by origin, name, and optionally version
// and release (e.g. "core/redis" or "core/redis/3.0.7/20240102030405").
type PackageIdent struct {
	Origin  string
	Name    string
	Version string
	Release string
}

// ParseIdent parses an identifier of the form origin/name[/version[/release]].
func ParseIdent(s string) (PackageIdent, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 4 {
		return PackageIdent{}, fmt.Errorf("invalid package identifier %q: expected origin/name[/version[/release]]", s)
	}
	ident := PackageIdent{Origin: parts[0], Name: parts[1]}
	if len(parts) > 2 {
		ident.Version = parts[2]
	}
	if len(parts) > 3 {
		ident.Release = parts[3]
	}
	if err := ident.Validate(); err != nil {
		return PackageIdent{}, err
	}
	return ident, nil
}

// String renders the identifier, omitting unset trailing parts.
func (i PackageIdent) String() string {
	parts := []string{i.Origin, i.Name}
	if i.Version != "" {
		parts = append(parts, i.Version)
		if i.Release != "" {
			parts = append(parts, i.Release)
		}
	}
	return strings.Join(parts, "/")
}

// Validate checks that origin and name are present and well formed. Origin
// and name must start with a lowercase letter or digit and contain only
// lowercase letters, digits, underscores, and hyphens.
func (i PackageIdent) Validate() error {
	if err := validateName(i.Origin); err != nil {
		return fmt.Errorf("invalid origin %q: %w", i.Origin, err)
	}
	if err := validateName(i.Name); err != nil {
		return fmt.Errorf("invalid package name %q: %w", i.Name, err)
	}
	if i.Release != "" && i.Version == "" {
		return fmt.Errorf("identifier %q has a release but no version", i.String())
	}
	return nil
}

// FullyQualified reports whether all four parts are set.
func (i PackageIdent) FullyQualified() bool {
	return i.Origin != "" && i.Name != "" && i.Version != "" && i.Release != ""
}

// Satisfies reports whether this identifier satisfies the given spec: every
// part set on the spec must match this identifier exactly.
func (i PackageIdent) Satisfies(spec PackageIdent) bool {
	if spec.Origin != "" && spec.Origin != i.Origin {
		return false
	}
	if spec.Name != "" && spec.Name != i.Name {
		return false
	}
	if spec.Version != "" && spec.Version != i.Version {
		return false
	}
	if spec.Release != "" && spec.Release != i.Release {
		return false
	}
	return true
}

// Less orders identifiers by version then release so that the latest
// matching package sorts last. Version parts are compared numerically when
// both sides are numeric, falling back to string comparison.
func (i PackageIdent) Less(other PackageIdent) bool {
	if c := compareVersion(i.Version, other.Version); c != 0 {
		return c < 0
	}
	return i.Release < other.Release
}

func compareVersion(a, b string) int {
	if a == b {
		return 0
	}
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for n := 0; n < len(as) && n < len(bs); n++ {
		ai, aerr := strconv.Atoi(as[n])
		bi, berr := strconv.Atoi(bs[n])
		if aerr == nil && berr == nil {
			if ai != bi {
				if ai < bi {
					return -1
				}
				return 1
			}
			continue
		}
		if c := strings.Compare(as[n], bs[n]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("must not be empty")
	}
	for pos, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case (r == '_' || r == '-') && pos > 0:
		default:
			return fmt.Errorf("contains invalid character %q", r)
		}
	}
	return nil
}

// ServiceGroup names a group of service instances, rendered as
// "service.group" or "service.group@org".
type ServiceGroup struct {
	Service string
	Group   string
	Org     string
}

// DefaultGroup is used when a service group is not given explicitly.
const DefaultGroup = "default"

// ParseServiceGroup parses "service[.group][@org]". A missing group defaults
// to DefaultGroup.
func ParseServiceGroup(s string) (ServiceGroup, error) {
	var sg ServiceGroup
	rest := s
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		sg.Org = rest[at+1:]
		rest = rest[:at]
		if sg.Org == "" {
			return ServiceGroup{}, fmt.Errorf("invalid service group %q: empty organization", s)
		}
	}
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		sg.Service = rest[:dot]
		sg.Group = rest[dot+1:]
	} else {
		sg.Service = rest
		sg.Group = DefaultGroup
	}
	if err := validateName(sg.Service); err != nil {
		return ServiceGroup{}, fmt.Errorf("invalid service group %q: %w", s, err)
	}
	if err := validateName(sg.Group); err != nil {
		return ServiceGroup{}, fmt.Errorf("invalid service group %q: %w", s, err)
	}
	return sg, nil
}

// String renders the service group.
func (sg ServiceGroup) String() string {
	out := sg.Service + "." + sg.Group
	if sg.Org != "" {
		out += "@" + sg.Org
	}
	return out
}
