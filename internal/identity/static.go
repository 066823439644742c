package identity

import (
	"context"

	"github.com/meshdial/meshdial/internal/fault"
)

// Static is an in-memory provider: plaintext token -> identity, plus a
// membership table. Used by tests and throwaway setups.
type Static struct {
	Tokens   map[string]string   // token -> identity
	Networks map[string][]string // identity -> networks
}

// NewStatic creates an empty static provider.
func NewStatic() *Static {
	return &Static{
		Tokens:   map[string]string{},
		Networks: map[string][]string{},
	}
}

// Add registers a token for an identity with network memberships.
func (s *Static) Add(token, ident string, networks ...string) *Static {
	s.Tokens[token] = ident
	s.Networks[ident] = append(s.Networks[ident], networks...)
	return s
}

func (s *Static) VerifyIdentity(_ context.Context, credential string) (string, error) {
	if ident, ok := s.Tokens[credential]; ok {
		return ident, nil
	}
	return "", fault.Authf("unknown credential")
}

func (s *Static) IsActiveMember(_ context.Context, networkID, ident string) (bool, error) {
	for _, n := range s.Networks[ident] {
		if n == networkID {
			return true, nil
		}
	}
	return false, nil
}
