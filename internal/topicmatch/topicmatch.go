// Package topicmatch compiles and evaluates MQTT wildcard topic patterns
// ("+" matches one level, "#" matches a trailing multi-level span), used by
// subscription, mapper, alert and prune paths alike (spec §3 "Topic-pattern").
package topicmatch

import (
	"fmt"
	"strings"
)

// Matcher is a compiled MQTT topic pattern.
type Matcher struct {
	pattern  string
	segments []string
}

// Compile validates and compiles pattern. "#" is only valid as the final
// segment (spec §3 invariant).
func Compile(pattern string) (*Matcher, error) {
	if pattern == "" {
		return nil, fmt.Errorf("topicmatch: empty pattern")
	}
	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		if seg == "#" && i != len(segments)-1 {
			return nil, fmt.Errorf("topicmatch: %q uses '#' before the final segment", pattern)
		}
		if seg == "" && len(segments) > 1 && !(i == 0 || i == len(segments)-1) {
			// Empty interior segments ("a//b") are syntactically odd but not
			// forbidden by the MQTT spec; leave them to match literally.
			continue
		}
	}
	return &Matcher{pattern: pattern, segments: segments}, nil
}

// MustCompile is Compile but panics on error; for compiled-in patterns only.
func MustCompile(pattern string) *Matcher {
	m, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

// String returns the original pattern text.
func (m *Matcher) String() string { return m.pattern }

// IsWildcard reports whether the pattern contains + or #.
func (m *Matcher) IsWildcard() bool {
	return strings.ContainsAny(m.pattern, "+#")
}

// Match reports whether topic satisfies the compiled pattern.
func (m *Matcher) Match(topic string) bool {
	topicSegs := strings.Split(topic, "/")
	return matchSegments(m.segments, topicSegs)
}

func matchSegments(pattern, topic []string) bool {
	for i, p := range pattern {
		if p == "#" {
			return true // trailing multi-level wildcard consumes the rest
		}
		if i >= len(topic) {
			return false
		}
		if p == "+" {
			continue
		}
		if p != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}

// Match is a convenience one-shot form of Compile(pattern).Match(topic) for
// call sites that don't hold onto the compiled matcher.
func Match(pattern, topic string) bool {
	m, err := Compile(pattern)
	if err != nil {
		return false
	}
	return m.Match(topic)
}

// IsSparkplugB reports whether topic lives under the Sparkplug-B namespace.
func IsSparkplugB(topic string) bool {
	return strings.HasPrefix(topic, "spBv1.0/")
}
