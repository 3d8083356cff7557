package images

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
)

// Ref is a parsed, normalized container image reference.
type Ref struct {
	reference name.Reference
}

// ParseRef parses an image reference string.
//
// References without tag nor digest are rejected: a conformance run
// must pin what it tests against.
func ParseRef(s string) (Ref, error) {
	ref, err := name.ParseReference(s, name.StrictValidation)
	if err != nil {
		// StrictValidation also rejects implicit docker.io/library
		// shorthands. Retry leniently, but require an explicit tag.
		ref, err = name.ParseReference(s)
		if err != nil {
			return Ref{}, fmt.Errorf("malformed image reference %q: %w", s, err)
		}
	}

	if tag, ok := ref.(name.Tag); ok && tag.TagStr() == "latest" && !hasExplicitTag(s) {
		return Ref{}, fmt.Errorf("image reference %q has no tag nor digest", s)
	}

	return Ref{reference: ref}, nil
}

func hasExplicitTag(s string) bool {
	// distinguish "repo:latest" from bare "repo"; a ":" after the last
	// "/" is a tag separator, and "@" introduces a digest.
	lastSlash := -1
	for i, c := range s {
		if c == '/' {
			lastSlash = i
		}
	}
	for i := lastSlash + 1; i < len(s); i++ {
		if s[i] == ':' || s[i] == '@' {
			return true
		}
	}
	return false
}

// String returns the normalized reference.
func (r Ref) String() string {
	if r.reference == nil {
		return ""
	}
	return r.reference.Name()
}

// Registry returns the registry host of the reference.
func (r Ref) Registry() string {
	if r.reference == nil {
		return ""
	}
	return r.reference.Context().RegistryStr()
}

// Identifier returns the tag or digest of the reference.
func (r Ref) Identifier() string {
	if r.reference == nil {
		return ""
	}
	return r.reference.Identifier()
}
