package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/LeanderBB/you-have-mail-cli/internal/backend"
)

// Kind classifies an event pushed through the bus.
type Kind string

const (
	// KindNewMessages carries freshly detected mail.
	KindNewMessages Kind = "new_messages"
	// KindReauthRequired means the account's session expired and the daemon
	// is waiting for new credentials.
	KindReauthRequired Kind = "reauth_required"
	// KindAccountDegraded means the account keeps failing transiently and is
	// backing off; polling continues.
	KindAccountDegraded Kind = "account_degraded"
	// KindAccountDisabled means the account hit a fatal error and is excluded
	// until the configuration changes.
	KindAccountDisabled Kind = "account_disabled"
	// KindConfigError carries a rejected config reload.
	KindConfigError Kind = "config_error"
)

// Event is one notification fanned out to every sink. It is immutable by
// convention: sinks share the same value and must not modify it.
type Event struct {
	ID      string
	Kind    Kind
	At      time.Time
	Email   string
	Backend string

	// Messages is set for KindNewMessages only.
	Messages []backend.Message

	// Reason carries detail for degraded/disabled/config-error events.
	Reason string
}

// NewMessages builds a new-mail event for an account.
func NewMessages(acct backend.Identity, msgs []backend.Message) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     KindNewMessages,
		At:       time.Now(),
		Email:    acct.Email,
		Backend:  acct.Backend,
		Messages: msgs,
	}
}

// AccountEvent builds a status event for an account.
func AccountEvent(kind Kind, acct backend.Identity, reason string) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		At:      time.Now(),
		Email:   acct.Email,
		Backend: acct.Backend,
		Reason:  reason,
	}
}

// ConfigError builds a configuration-failure event.
func ConfigError(reason string) Event {
	return Event{
		ID:     uuid.NewString(),
		Kind:   KindConfigError,
		At:     time.Now(),
		Reason: reason,
	}
}
