package state

import (
	"strings"

	"github.com/pkg/errors"
)

// PathId is the absolute, case-sensitive, hierarchical identifier of an app or
// group, e.g. "/prod/db/postgres". The root group is "/". The canonical string
// form makes PathId usable as a map key.
type PathId string

const RootPath PathId = "/"

// ParsePathId parses an absolute path. Relative segments ("." and "..") and
// empty segments are rejected.
func ParsePathId(s string) (PathId, error) {
	trimmed := strings.Trim(s, "/")
	if trimmed == "" {
		return RootPath, nil
	}
	segments := strings.Split(trimmed, "/")
	for _, segment := range segments {
		if segment == "." || segment == ".." {
			return "", errors.Errorf("path %q contains a relative segment", s)
		}
		if segment == "" {
			return "", errors.Errorf("path %q contains an empty segment", s)
		}
	}
	return PathId("/" + strings.Join(segments, "/")), nil
}

// MustParsePathId is ParsePathId for statically known paths.
func MustParsePathId(s string) PathId {
	id, err := ParsePathId(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (p PathId) String() string {
	if p == "" {
		return string(RootPath)
	}
	return string(p)
}

func (p PathId) IsRoot() bool {
	return p == RootPath || p == ""
}

func (p PathId) segments() []string {
	if p.IsRoot() {
		return nil
	}
	return strings.Split(strings.Trim(string(p), "/"), "/")
}

// Base returns the last segment, or "" for the root.
func (p PathId) Base() string {
	segs := p.segments()
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func (p PathId) Parent() PathId {
	segs := p.segments()
	if len(segs) <= 1 {
		return RootPath
	}
	return PathId("/" + strings.Join(segs[:len(segs)-1], "/"))
}

func (p PathId) Join(segment string) PathId {
	if p.IsRoot() {
		return PathId("/" + segment)
	}
	return PathId(string(p) + "/" + segment)
}

// IsDescendantOf reports whether p lives below (or at) ancestor.
func (p PathId) IsDescendantOf(ancestor PathId) bool {
	if ancestor.IsRoot() {
		return true
	}
	if p == ancestor {
		return true
	}
	return strings.HasPrefix(string(p), string(ancestor)+"/")
}

// Canonicalize resolves p against base: paths already below base are returned
// unchanged, everything else is re-rooted below base.
func (p PathId) Canonicalize(base PathId) PathId {
	if p.IsDescendantOf(base) {
		return p
	}
	result := base
	for _, segment := range p.segments() {
		result = result.Join(segment)
	}
	return result
}
