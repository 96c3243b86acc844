// Package query compiles the filters used to search and export the audit
// log: a glob over the entry message, a time window, and a result limit.
//
// Patterns are compiled once per request with gobwas/glob, so matching a
// long export costs one glob evaluation per entry.
package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Params defines filters for querying the audit log.
// All fields are optional; empty/zero values mean "no filter".
type Params struct {
	Match string    // Glob over the message (e.g. "*actor=\"admin\"*").
	Since time.Time // Inclusive lower bound on the entry timestamp.
	Until time.Time // Exclusive upper bound on the entry timestamp.
	Limit int       // Keep only the most recent Limit matches.
}

// Matcher is a compiled Params.
type Matcher struct {
	params Params
	glob   glob.Glob
}

// Compile validates p and pre-compiles its message pattern.
func Compile(p Params) (*Matcher, error) {
	if p.Limit < 0 {
		return nil, fmt.Errorf("limit must be non-negative, got %d", p.Limit)
	}
	if !p.Since.IsZero() && !p.Until.IsZero() && !p.Until.After(p.Since) {
		return nil, fmt.Errorf("until (%s) must be after since (%s)",
			p.Until.Format(time.RFC3339), p.Since.Format(time.RFC3339))
	}

	m := &Matcher{params: p}
	if p.Match != "" {
		g, err := glob.Compile(p.Match)
		if err != nil {
			return nil, fmt.Errorf("invalid match pattern %q: %w", p.Match, err)
		}
		m.glob = g
	}
	return m, nil
}

// Matches reports whether an entry with the given timestamp and message
// passes every non-empty filter (AND logic).
func (m *Matcher) Matches(ts time.Time, message string) bool {
	if !m.params.Since.IsZero() && ts.Before(m.params.Since) {
		return false
	}
	if !m.params.Until.IsZero() && !ts.Before(m.params.Until) {
		return false
	}
	if m.glob != nil && !m.glob.Match(message) {
		return false
	}
	return true
}

// Limit returns the compiled result limit (0 = unlimited).
func (m *Matcher) Limit() int {
	return m.params.Limit
}

// ParseSince converts a CLI/API "since" value into an absolute time.
// Accepts a Go duration relative to now ("1h", "30m") or an RFC3339
// timestamp. Empty input returns the zero time.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if strings.Contains(s, "T") {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid since timestamp %q: %w", s, err)
		}
		return ts.UTC(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since duration %q: %w", s, err)
	}
	if d < 0 {
		return time.Time{}, fmt.Errorf("since duration %q must be positive", s)
	}
	return now.UTC().Add(-d), nil
}
