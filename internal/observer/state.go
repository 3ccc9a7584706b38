package observer

// State is the per-account supervisor state. It is mutated only by the owning
// supervisor's goroutine.
type State int

const (
	// StateUnauthenticated is the start state: no live session yet.
	StateUnauthenticated State = iota
	// StateAuthenticating means a login or session restore is in flight.
	StateAuthenticating
	// StateIdle means the account has a live session and waits for a tick.
	StateIdle
	// StatePolling means a poll is in flight.
	StatePolling
	// StateBackoffWait means the last operation failed transiently and the
	// account is waiting out its backoff delay.
	StateBackoffWait
	// StateReauthRequired means the session expired. Terminal until the
	// credential collaborator supplies fresh credentials.
	StateReauthRequired
	// StateDisabled is terminal until the configuration is reloaded.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateBackoffWait:
		return "backoff_wait"
	case StateReauthRequired:
		return "reauth_required"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}
