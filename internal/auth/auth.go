// Package auth validates the shared token a peer presents during the
// session handshake.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token. An empty token denies all.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// TokenSet accepts any of several tokens, e.g. while rotating a secret.
type TokenSet []string

// ParseTokenSet splits a comma separated token list, dropping blanks.
func ParseTokenSet(raw string) TokenSet {
	var out TokenSet
	for _, tok := range strings.Split(raw, ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func (s TokenSet) Validate(token string) error {
	ok := 0
	for _, want := range s {
		ok |= subtle.ConstantTimeCompare([]byte(want), []byte(token))
	}
	if ok != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AllowAll accepts every token. Development mode only.
type AllowAll struct{}

func (AllowAll) Validate(string) error { return nil }

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// ForTokens returns AllowAll when no tokens are configured and development
// is permitted, otherwise a TokenSet (which denies all when empty).
func ForTokens(raw string, allowDevelopment bool) Validator {
	set := ParseTokenSet(raw)
	if len(set) == 0 && allowDevelopment {
		return AllowAll{}
	}
	return set
}
