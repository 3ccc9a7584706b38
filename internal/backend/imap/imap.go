// Package imap implements backend.Backend on top of go-imap v2.
//
// Each poll dials a fresh connection, logs in, and searches the watched
// mailbox for unseen messages. Keeping connections short-lived avoids having
// to babysit IMAP idle timeouts across long poll intervals.
package imap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/LeanderBB/you-have-mail-cli/internal/backend"
)

const Name = "imap"

// Settings is the provider settings table for an IMAP account.
type Settings struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	TLS     bool   `json:"tls"`
	Mailbox string `json:"mailbox"`
}

// sessionState is what Export serializes. It is sealed at rest by the secret
// store; the core never sees it in cleartext outside a live session.
type sessionState struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return Name }

func (b *Backend) Authenticate(ctx context.Context, acct backend.Account, creds backend.Credentials) (backend.Session, error) {
	st, err := parseSettings(acct)
	if err != nil {
		return nil, err
	}
	s := &session{
		acct:     acct.Identity,
		settings: st,
		state:    sessionState{Username: acct.Email, Password: creds.Password},
	}
	// Verify the credentials up front so a bad password surfaces during
	// Authenticating, not on the first poll.
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (b *Backend) Restore(ctx context.Context, acct backend.Account, state []byte) (backend.Session, error) {
	st, err := parseSettings(acct)
	if err != nil {
		return nil, err
	}
	var ss sessionState
	if err := json.Unmarshal(state, &ss); err != nil {
		return nil, backend.AuthExpired("imap: restore", fmt.Errorf("invalid session state: %w", err))
	}
	if ss.Username == "" || ss.Password == "" {
		return nil, backend.AuthExpired("imap: restore", errors.New("empty session state"))
	}
	return &session{acct: acct.Identity, settings: st, state: ss}, nil
}

func parseSettings(acct backend.Account) (Settings, error) {
	var st Settings
	if len(acct.Settings) > 0 {
		if err := json.Unmarshal(acct.Settings, &st); err != nil {
			return st, backend.Fatal("imap: settings", err)
		}
	}
	if strings.TrimSpace(st.Host) == "" {
		// Fall back to the account domain, the common self-hosted layout.
		if i := strings.LastIndexByte(acct.Email, '@'); i >= 0 && i+1 < len(acct.Email) {
			st.Host = "imap." + acct.Email[i+1:]
		}
	}
	if strings.TrimSpace(st.Host) == "" {
		return st, backend.Fatal("imap: settings", errors.New("host is required"))
	}
	if st.Port == 0 {
		if st.TLS {
			st.Port = 993
		} else {
			st.Port = 143
		}
	}
	if strings.TrimSpace(st.Mailbox) == "" {
		st.Mailbox = "INBOX"
	}
	return st, nil
}

type session struct {
	acct     backend.Identity
	settings Settings
	state    sessionState
}

func (s *session) Export() ([]byte, error) { return json.Marshal(s.state) }

func (s *session) Close() error { return nil }

// check dials and logs in without touching any mailbox.
func (s *session) check(ctx context.Context) error {
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	logout(c)
	return nil
}

func (s *session) Poll(ctx context.Context) ([]backend.Message, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer logout(c)

	sel, err := c.Select(s.settings.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, backend.Transient("imap: select", err)
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	search, err := c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, backend.Transient("imap: search", err)
	}
	uids := search.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	fetch := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope: true,
		UID:      true,
	})
	msgs, err := fetch.Collect()
	if err != nil {
		return nil, backend.Transient("imap: fetch", err)
	}

	out := make([]backend.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil || m.UID == 0 {
			continue
		}
		msg := backend.Message{
			// UIDVALIDITY scopes UIDs to one mailbox generation, which makes
			// the ID stable across polls but fresh after a mailbox rebuild.
			ID: fmt.Sprintf("%s/%d:%d", s.settings.Mailbox, sel.UIDValidity, m.UID),
		}
		if env := m.Envelope; env != nil {
			msg.Subject = env.Subject
			if len(env.From) > 0 {
				msg.Sender = formatAddress(env.From[0])
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *session) connect(ctx context.Context) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.Transient("imap: dial", err)
	}
	addr := fmt.Sprintf("%s:%d", s.settings.Host, s.settings.Port)

	var (
		c   *imapclient.Client
		err error
	)
	if s.settings.TLS {
		c, err = imapclient.DialTLS(addr, nil)
	} else {
		c, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, backend.Transient("imap: dial", err)
	}

	if err := c.Login(s.state.Username, s.state.Password).Wait(); err != nil {
		logout(c)
		return nil, backend.AuthExpired("imap: login", err)
	}
	return c, nil
}

func logout(c *imapclient.Client) {
	_ = c.Logout().Wait()
	_ = c.Close()
}

func formatAddress(a imap.Address) string {
	if a.Name != "" {
		return a.Name
	}
	return a.Addr()
}
