// Package identity wraps the external identity and membership collaborators.
// The coordination core only ever asks two questions: who does this
// credential belong to, and is that identity an active member of a network.
package identity

import "context"

// Verifier resolves a bearer credential to a verified identity.
// Failure wraps fault.ErrAuth.
type Verifier interface {
	VerifyIdentity(ctx context.Context, credential string) (string, error)
}

// Membership answers whether an identity is an active member of a network.
type Membership interface {
	IsActiveMember(ctx context.Context, networkID, identity string) (bool, error)
}

// Provider bundles both collaborator contracts.
type Provider interface {
	Verifier
	Membership
}
