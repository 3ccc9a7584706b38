package notify

import (
	"context"
	"fmt"
	"io"
	"os"
)

// StdoutSink writes events to stdout. Mostly useful when running in the
// foreground or under a process manager that captures output.
type StdoutSink struct {
	w io.Writer
}

func NewStdoutSink() *StdoutSink { return &StdoutSink{w: os.Stdout} }

func (s *StdoutSink) Name() string { return "stdout" }

func (s *StdoutSink) Deliver(_ context.Context, ev Event) error {
	switch ev.Kind {
	case KindNewMessages:
		fmt.Fprintf(s.w, "Account %s (%s) received %d new email(s)\n", ev.Email, ev.Backend, len(ev.Messages))
		for _, m := range ev.Messages {
			fmt.Fprintf(s.w, "    Sender=%s Subject=%s\n", m.Sender, m.Subject)
		}
	case KindReauthRequired:
		fmt.Fprintf(s.w, "Account %s logged out or session expired\n", ev.Email)
	case KindAccountDegraded:
		fmt.Fprintf(s.w, "Account %s is degraded: %s\n", ev.Email, ev.Reason)
	case KindAccountDisabled:
		fmt.Fprintf(s.w, "Account %s has been disabled: %s\n", ev.Email, ev.Reason)
	case KindConfigError:
		fmt.Fprintf(s.w, "Configuration error: %s\n", ev.Reason)
	default:
		fmt.Fprintf(s.w, "%s: %s\n", ev.Kind, ev.Reason)
	}
	return nil
}
