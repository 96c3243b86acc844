// Package actor carries the identity of whoever triggered an audited action
// and tracks per-actor activity.
//
// The identity is bound into the audit record itself: the message handed to
// the audit log is rendered from the Context, so the actor, session and
// action are all covered by the entry hash.
//
// The registry persists to ~/.bookaudit/actors.yaml and tracks per-actor
// stats: appends, failed appends and first/last seen timestamps.
package actor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// MaxIDLength bounds actor and session identifiers.
const MaxIDLength = 128

// Context identifies the caller behind an audited action, as supplied by
// the authentication layer.
type Context struct {
	ID      string `json:"actor"`
	Session string `json:"session,omitempty"`
	Remote  string `json:"remote,omitempty"`
}

// Validate checks that the context names an actor and that its identifiers
// are printable and bounded.
func (c Context) Validate() error {
	if c.ID == "" {
		return errors.New("actor id is required")
	}
	if err := checkIdent("actor id", c.ID); err != nil {
		return err
	}
	if c.Session != "" {
		if err := checkIdent("session", c.Session); err != nil {
			return err
		}
	}
	return nil
}

// Message renders the audit message for action performed by c:
//
//	actor="alice" session="s-1" action="book 42 deleted"
//
// Every field is Go-quoted, so no value can forge another field.
func (c Context) Message(action string) string {
	var b strings.Builder
	b.WriteString("actor=")
	b.WriteString(strconv.Quote(c.ID))
	b.WriteString(" session=")
	b.WriteString(strconv.Quote(c.Session))
	b.WriteString(" action=")
	b.WriteString(strconv.Quote(action))
	return b.String()
}

// ParseMessage is the inverse of Message. It reports false for messages not
// produced by Message (raw messages appended without an actor).
func ParseMessage(msg string) (ctx Context, action string, ok bool) {
	rest := msg
	fields := make([]string, 0, 3)
	for _, name := range []string{"actor=", " session=", " action="} {
		if !strings.HasPrefix(rest, name) {
			return Context{}, "", false
		}
		rest = rest[len(name):]
		quoted, err := strconv.QuotedPrefix(rest)
		if err != nil {
			return Context{}, "", false
		}
		v, err := strconv.Unquote(quoted)
		if err != nil {
			return Context{}, "", false
		}
		fields = append(fields, v)
		rest = rest[len(quoted):]
	}
	if rest != "" {
		return Context{}, "", false
	}
	return Context{ID: fields[0], Session: fields[1]}, fields[2], true
}

func checkIdent(what, s string) error {
	if len(s) > MaxIDLength {
		return fmt.Errorf("%s exceeds %d bytes", what, MaxIDLength)
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("%s contains non-printable character %q", what, r)
		}
	}
	return nil
}
