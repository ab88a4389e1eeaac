// ABOUTME: Per-context identity - a UUID plus the broker handlers it answers
// ABOUTME: Adapts the broker into a credential source for sessions

package identity

import (
	"context"

	"github.com/google/uuid"
)

// Identity is one context's name and credential access.
type Identity struct {
	ContextID   string
	Credentials *CredentialFile
}

// New creates an identity with a fresh context ID.
func New(creds *CredentialFile) *Identity {
	return &Identity{
		ContextID:   uuid.New().String(),
		Credentials: creds,
	}
}

// Bind registers this identity's request handlers on a broker.
func (i *Identity) Bind(b *Broker) {
	b.Handle(KindGetContextID, func(ctx context.Context, _ Request) (string, error) {
		return i.ContextID, nil
	})
	b.Handle(KindGetCredential, func(ctx context.Context, _ Request) (string, error) {
		return i.Credentials.Credential(ctx)
	})
}

// BrokerCredentials asks for the API key over a broker instead of
// reading the file directly. Sessions running in contexts without file
// access use this source.
type BrokerCredentials struct {
	Broker *Broker
}

func (b *BrokerCredentials) Credential(ctx context.Context) (string, error) {
	return b.Broker.Request(ctx, KindGetCredential, "")
}
