package imap

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/LeanderBB/you-have-mail-cli/internal/backend"
)

func account(email string, settings string) backend.Account {
	a := backend.Account{Identity: backend.Identity{Email: email, Backend: Name}}
	if settings != "" {
		a.Settings = []byte(settings)
	}
	return a
}

func TestParseSettings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		acct    backend.Account
		host    string
		port    int
		mailbox string
		wantErr bool
	}{
		{
			name:    "explicit",
			acct:    account("u@example.com", `{"host":"mail.example.com","port":1993,"tls":true,"mailbox":"Work"}`),
			host:    "mail.example.com",
			port:    1993,
			mailbox: "Work",
		},
		{
			name:    "defaults from domain, tls port",
			acct:    account("u@example.com", `{"tls":true}`),
			host:    "imap.example.com",
			port:    993,
			mailbox: "INBOX",
		},
		{
			name:    "defaults from domain, starttls port",
			acct:    account("u@example.com", ""),
			host:    "imap.example.com",
			port:    143,
			mailbox: "INBOX",
		},
		{
			name:    "no host derivable",
			acct:    account("not-an-address", ""),
			wantErr: true,
		},
		{
			name:    "malformed settings",
			acct:    account("u@example.com", `{"host":42}`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			st, err := parseSettings(tt.acct)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !backend.IsFatal(err) {
					t.Fatalf("settings error should be fatal, got %v", backend.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSettings: %v", err)
			}
			if st.Host != tt.host || st.Port != tt.port || st.Mailbox != tt.mailbox {
				t.Fatalf("settings = %+v", st)
			}
		})
	}
}

func TestRestoreRejectsBadState(t *testing.T) {
	t.Parallel()
	b := New()
	acct := account("u@example.com", `{"host":"mail.example.com"}`)

	for _, state := range [][]byte{
		[]byte("not json"),
		[]byte(`{}`),
		[]byte(`{"username":"u"}`),
	} {
		_, err := b.Restore(context.Background(), acct, state)
		if err == nil {
			t.Fatalf("Restore(%q) succeeded", state)
		}
		if !backend.IsAuthExpired(err) {
			t.Fatalf("Restore(%q) kind = %v, want auth expired", state, backend.KindOf(err))
		}
	}
}

func TestRestoreKeepsStateWithoutDialing(t *testing.T) {
	t.Parallel()
	b := New()
	acct := account("u@example.com", `{"host":"mail.example.com","tls":true}`)

	sess, err := b.Restore(context.Background(), acct, []byte(`{"username":"u@example.com","password":"pw"}`))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	out, err := sess.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if string(out) != `{"username":"u@example.com","password":"pw"}` {
		t.Fatalf("Export = %s", out)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSessionStateRoundtrip(t *testing.T) {
	t.Parallel()
	s := &session{state: sessionState{Username: "u@example.com", Password: "secret"}}
	raw, err := s.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	var got sessionState
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != s.state {
		t.Fatalf("roundtrip = %+v", got)
	}
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()
	if !backend.IsTransient(backend.Transient("imap: dial", errors.New("refused"))) {
		t.Fatal("dial errors must be transient")
	}
	if !backend.IsAuthExpired(backend.AuthExpired("imap: login", errors.New("no"))) {
		t.Fatal("login errors must be auth-expired")
	}
}
