package core

import (
	"fmt"
	"path"
	"strings"
)

// A BuildTarget identifies a single unit of work: one package of one project,
// built from one branch for one distribution release and architecture.
// It is a value type and is used directly as a map key.
type BuildTarget struct {
	Owner   string
	Project string
	Package string
	Branch  string
	Distro  string
	Release string
	Arch    string
}

// A Lineage is a BuildTarget without its package name. Packages of the same
// project and branch contend for the same lineage, and only one of them may be
// building at any one time.
type Lineage struct {
	Owner   string
	Project string
	Branch  string
	Distro  string
	Release string
	Arch    string
}

// numTargetParts is the number of slash-separated parts in a BuildTarget's string form.
const numTargetParts = 7

// ParseBuildTarget parses a target in the form owner/project/package/branch/distro/release/arch.
func ParseBuildTarget(s string) (BuildTarget, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != numTargetParts {
		return BuildTarget{}, fmt.Errorf("invalid build target %q: expected owner/project/package/branch/distro/release/arch", s)
	}
	for i, part := range parts {
		if part == "" {
			return BuildTarget{}, fmt.Errorf("invalid build target %q: part %d is empty", s, i+1)
		} else if part == "." || part == ".." {
			return BuildTarget{}, fmt.Errorf("invalid build target %q: part %d is not a name", s, i+1)
		}
	}
	return BuildTarget{
		Owner:   parts[0],
		Project: parts[1],
		Package: parts[2],
		Branch:  parts[3],
		Distro:  parts[4],
		Release: parts[5],
		Arch:    parts[6],
	}, nil
}

// String implements the fmt.Stringer interface.
func (target BuildTarget) String() string {
	return strings.Join(target.parts(), "/")
}

func (target BuildTarget) parts() []string {
	return []string{target.Owner, target.Project, target.Package, target.Branch, target.Distro, target.Release, target.Arch}
}

// Lineage returns the queue lineage this target belongs to.
func (target BuildTarget) Lineage() Lineage {
	return Lineage{
		Owner:   target.Owner,
		Project: target.Project,
		Branch:  target.Branch,
		Distro:  target.Distro,
		Release: target.Release,
		Arch:    target.Arch,
	}
}

// LogPath returns the relative directory that logs for this target are stored under.
func (target BuildTarget) LogPath() string {
	return path.Join(target.parts()...)
}

// RepoPath returns the relative path of the package repository this target publishes into.
func (target BuildTarget) RepoPath() string {
	return path.Join(target.Owner, target.Project, target.Distro, target.Release)
}

// TarballPath returns the relative path of the source tarballs for this target's project.
func (target BuildTarget) TarballPath() string {
	return path.Join(target.Owner, target.Project)
}

// IsEmpty returns true if this is the zero target.
func (target BuildTarget) IsEmpty() bool {
	return target == BuildTarget{}
}

// UnmarshalFlag unmarshals a build target from a command line flag. Implementation of flags.Unmarshaler interface.
func (target *BuildTarget) UnmarshalFlag(value string) error {
	t, err := ParseBuildTarget(value)
	if err != nil {
		return err
	}
	*target = t
	return nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (target *BuildTarget) UnmarshalText(text []byte) error {
	return target.UnmarshalFlag(string(text))
}

// MarshalText implements the encoding.TextMarshaler interface.
func (target BuildTarget) MarshalText() ([]byte, error) {
	return []byte(target.String()), nil
}

// String implements the fmt.Stringer interface.
func (l Lineage) String() string {
	return strings.Join([]string{l.Owner, l.Project, l.Branch, l.Distro, l.Release, l.Arch}, "/")
}

// Target returns the build target for the given package within this lineage.
func (l Lineage) Target(pkg string) BuildTarget {
	return BuildTarget{
		Owner:   l.Owner,
		Project: l.Project,
		Package: pkg,
		Branch:  l.Branch,
		Distro:  l.Distro,
		Release: l.Release,
		Arch:    l.Arch,
	}
}
