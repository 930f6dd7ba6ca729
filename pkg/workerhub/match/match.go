// Package match tests dot-delimited subjects against glob patterns.
//
// Subjects use dot-notation, the same namespace as event sources:
//
//	app.code.build
//	app.deploy.staging.done
//
// Patterns support two wildcards, each occupying a whole segment:
//
//   - "*" matches exactly one segment
//   - "**" matches zero or more segments
//
// Examples:
//
//	app.code.**      matches app.code, app.code.build, app.code.a.b
//	app.*.build      matches app.code.build (not app.code.sub.build)
//	**.done          matches done, app.deploy.done
//
// An empty subject matches only the empty pattern. Matching is pure; a Pattern
// may be compiled once and shared between goroutines.
package match

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Separator divides subject segments.
	Separator = "."

	// WildcardSingle matches exactly one segment.
	WildcardSingle = "*"

	// WildcardMulti matches zero or more segments.
	WildcardMulti = "**"
)

// ErrInvalidPattern is returned by Compile for patterns with empty segments or
// segments that mix wildcards with other characters.
var ErrInvalidPattern = errors.New("invalid pattern")

// Pattern is a compiled glob pattern.
type Pattern struct {
	raw      string
	segments []string
	literal  bool
}

// Compile validates pattern and splits it into segments.
func Compile(pattern string) (Pattern, error) {
	if pattern == "" {
		return Pattern{literal: true}, nil
	}

	segments := strings.Split(pattern, Separator)
	literal := true
	for i, seg := range segments {
		switch {
		case seg == "":
			return Pattern{}, fmt.Errorf("%w: %q has an empty segment at %d", ErrInvalidPattern, pattern, i)
		case seg == WildcardSingle || seg == WildcardMulti:
			literal = false
		case strings.Contains(seg, WildcardSingle):
			return Pattern{}, fmt.Errorf("%w: %q segment %q mixes wildcard and text", ErrInvalidPattern, pattern, seg)
		}
	}

	return Pattern{raw: pattern, segments: segments, literal: literal}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(pattern string) Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the pattern source.
func (p Pattern) String() string {
	return p.raw
}

// IsLiteral reports whether the pattern contains no wildcards.
func (p Pattern) IsLiteral() bool {
	return p.literal
}

// Match reports whether subject matches the pattern.
func (p Pattern) Match(subject string) bool {
	if subject == "" || p.raw == "" {
		return subject == p.raw
	}
	if p.literal {
		return subject == p.raw
	}
	return matchSegments(p.segments, strings.Split(subject, Separator))
}

// Match compiles pattern and tests candidate against it. Invalid patterns
// match nothing.
func Match(pattern, candidate string) bool {
	p, err := Compile(pattern)
	if err != nil {
		return false
	}
	return p.Match(candidate)
}

// matchSegments is a backtracking segment glob: on a mismatch it returns to the
// most recent "**" and lets it absorb one more subject segment.
func matchSegments(pattern, subject []string) bool {
	pi, si := 0, 0
	star, mark := -1, 0

	for si < len(subject) {
		switch {
		case pi < len(pattern) && pattern[pi] == WildcardMulti:
			star, mark = pi, si
			pi++
		case pi < len(pattern) && (pattern[pi] == WildcardSingle || pattern[pi] == subject[si]):
			pi++
			si++
		case star >= 0:
			mark++
			pi, si = star+1, mark
		default:
			return false
		}
	}

	for pi < len(pattern) && pattern[pi] == WildcardMulti {
		pi++
	}
	return pi == len(pattern)
}
