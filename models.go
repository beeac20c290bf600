package main

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Principal is the resolved identity of the current visitor.
type Principal struct {
	Username string `json:"username"`
}

// SessionTokens always replace together; nothing updates a single field.
type SessionTokens struct {
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// ValidTokens reports whether tokens carry an access token that has not
// expired at now.
func ValidTokens(tokens SessionTokens, now time.Time) bool {
	if tokens.AccessToken == "" || tokens.Expiry.IsZero() {
		return false
	}
	return now.Before(tokens.Expiry)
}

// Session is an immutable snapshot of the current principal and its tokens.
type Session struct {
	Principal Principal
	Tokens    SessionTokens
}

// Attribute is a single (name, value) pair describing a principal.
type Attribute struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// AttributeSet keeps "not loaded yet" distinct from "loaded and empty".
type AttributeSet struct {
	items  []Attribute
	loaded bool
}

func NotLoadedAttributes() AttributeSet {
	return AttributeSet{}
}

func LoadedAttributes(items []Attribute) AttributeSet {
	cp := make([]Attribute, len(items))
	copy(cp, items)
	return AttributeSet{items: cp, loaded: true}
}

func (s AttributeSet) Loaded() bool { return s.loaded }

func (s AttributeSet) Len() int { return len(s.items) }

// All returns a copy in fetch order.
func (s AttributeSet) All() []Attribute {
	cp := make([]Attribute, len(s.items))
	copy(cp, s.items)
	return cp
}

// Get returns the first value stored under name.
func (s AttributeSet) Get(name string) (string, bool) {
	for _, a := range s.items {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Lookup returns the values for names in the order asked, or false when any
// of them is missing.
func (s AttributeSet) Lookup(names ...string) ([]string, bool) {
	out := make([]string, 0, len(names))
	for _, n := range names {
		v, ok := s.Get(n)
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// Initials follows the avatar rule: one word gives its first two letters,
// two or three words give each first letter, longer names give first+last.
func Initials(name string) string {
	words := strings.Fields(name)
	switch {
	case len(words) == 0:
		return ""
	case len(words) == 1:
		w := words[0]
		if utf8.RuneCountInString(w) > 2 {
			w = string([]rune(w)[:2])
		}
		return strings.ToUpper(w)
	case len(words) <= 3:
		var b strings.Builder
		for _, w := range words {
			b.WriteString(firstRune(w))
		}
		return strings.ToUpper(b.String())
	default:
		return strings.ToUpper(firstRune(words[0]) + firstRune(words[len(words)-1]))
	}
}

func firstRune(s string) string {
	r, _ := utf8.DecodeRuneInString(s)
	return string(r)
}

// ResolutionState is the outcome of asking for a usable identity.
type ResolutionState int

const (
	ResolutionPending ResolutionState = iota
	ResolutionResolved
	ResolutionAbsent
)

func (s ResolutionState) String() string {
	switch s {
	case ResolutionResolved:
		return "resolved"
	case ResolutionAbsent:
		return "absent"
	default:
		return "pending"
	}
}

// Resolution carries the session and its attributes only when Resolved.
type Resolution struct {
	State      ResolutionState
	Session    Session
	Attributes AttributeSet
}

func Resolved(sess Session, attrs AttributeSet) Resolution {
	return Resolution{State: ResolutionResolved, Session: sess, Attributes: attrs}
}

func Absent() Resolution {
	return Resolution{State: ResolutionAbsent}
}

// RedirectWillFire describes the one scheduled navigation a gate may own.
type RedirectWillFire struct {
	TargetURL string
	FireAt    time.Duration
}
