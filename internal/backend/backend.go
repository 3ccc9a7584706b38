// Package backend defines the capability boundary between the observer core
// and a mail provider implementation.
//
// The core never interprets provider wire content; it only consumes the typed
// contract below. A provider registers itself as a Backend, hands out Sessions,
// and reports failures through the error kinds in errors.go.
package backend

import (
	"context"
	"encoding/json"
)

// Identity names one observed account.
type Identity struct {
	Email   string
	Backend string
}

// Account is the provider-facing view of a configured account: identity plus
// the provider-specific settings table from the config file (host, port,
// mailbox, ...). The core passes Settings through opaquely.
type Account struct {
	Identity
	Settings json.RawMessage
}

// Credentials is the material supplied by the interactive credential
// collaborator. SecondFactor is empty when the provider needs none.
type Credentials struct {
	Password     string
	SecondFactor string
}

// Message is one detected new message. ID must be stable across polls for the
// same underlying message so the core can dedup notifications.
type Message struct {
	ID      string
	Sender  string
	Subject string
}

// Session is one authenticated connection to a provider.
//
// Poll returns the messages that are new since the previous poll. Export
// serializes enough state to rebuild the session without interactive input;
// the core seals that state at rest and never inspects it.
type Session interface {
	Poll(ctx context.Context) ([]Message, error)
	Export() ([]byte, error)
	Close() error
}

// Backend creates sessions for one provider kind.
type Backend interface {
	Name() string
	Authenticate(ctx context.Context, acct Account, creds Credentials) (Session, error)
	Restore(ctx context.Context, acct Account, state []byte) (Session, error)
}
