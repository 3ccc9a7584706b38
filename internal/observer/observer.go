// Package observer runs the per-account polling lifecycle: a shared clock
// ticks every configured account, each account is driven by its own
// supervisor goroutine, and results fan out through the notification bus.
package observer

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LeanderBB/you-have-mail-cli/internal/backend"
	"github.com/LeanderBB/you-have-mail-cli/internal/notify"
	"github.com/LeanderBB/you-have-mail-cli/internal/secrets"
	"github.com/LeanderBB/you-have-mail-cli/internal/storage"
	"github.com/LeanderBB/you-have-mail-cli/pkg/logx"
)

const (
	defaultPollInterval = 5 * time.Minute
	defaultPollTimeout  = 60 * time.Second
	defaultDegradedAt   = 3
)

// Config holds the observer-wide knobs. Zero values fall back to defaults.
type Config struct {
	// PollInterval drives the shared clock.
	PollInterval time.Duration
	// PollSchedule, when set, replaces the interval clock with a cron
	// schedule (standard five-field spec).
	PollSchedule string
	// PollTimeout is the watchdog ceiling for a single backend operation.
	PollTimeout time.Duration
	// BackoffBase overrides the first retry window. Defaults to PollInterval
	// capped at one minute.
	BackoffBase time.Duration
	// BackoffCap bounds the retry window. Defaults to 32x the base.
	BackoffCap time.Duration
	// DegradedAfter is the consecutive-failure count that triggers a
	// degraded-account warning.
	DegradedAfter int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = c.PollInterval
		if c.BackoffBase > time.Minute {
			c.BackoffBase = time.Minute
		}
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = defaultDegradedAt
	}
	return c
}

// Observer owns the account supervisors and the shared poll clock.
type Observer struct {
	bus      *notify.Bus
	secrets  *secrets.Store
	store    storage.Store
	creds    CredentialRequester
	backends map[string]backend.Backend
	log      logx.Logger

	mu       sync.Mutex
	cfg      Config
	schedule cron.Schedule
	handles  map[string]*supervisor
	accounts map[string]backend.Account
	running  bool
	stopped  chan struct{}
	clockC   chan struct{}
	wg       sync.WaitGroup
}

// New builds an observer. backends maps backend names to implementations;
// accounts referencing an unknown backend are rejected at Reload time.
func New(cfg Config, bus *notify.Bus, sec *secrets.Store, store storage.Store, backends map[string]backend.Backend, creds CredentialRequester, log logx.Logger) (*Observer, error) {
	cfg = cfg.withDefaults()
	o := &Observer{
		bus:      bus,
		secrets:  sec,
		store:    store,
		creds:    creds,
		backends: backends,
		log:      log.With(logx.String("component", "observer")),
		cfg:      cfg,
		handles:  make(map[string]*supervisor),
		accounts: make(map[string]backend.Account),
		stopped:  make(chan struct{}),
		clockC:   make(chan struct{}, 1),
	}
	if cfg.PollSchedule != "" {
		sched, err := cron.ParseStandard(cfg.PollSchedule)
		if err != nil {
			return nil, fmt.Errorf("parse poll schedule %q: %w", cfg.PollSchedule, err)
		}
		o.schedule = sched
	}
	return o, nil
}

// Start launches the clock and the supervisors for the given accounts, then
// fires an immediate first tick. Calling Start twice is an error.
func (o *Observer) Start(accounts []backend.Account) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("observer already running")
	}
	o.running = true
	o.mu.Unlock()

	if err := o.Reload(context.Background(), o.cfg, accounts); err != nil {
		return err
	}
	o.wg.Add(1)
	go o.clock()
	o.tickAll()
	o.log.Info("observer started", logx.Int("accounts", len(accounts)))
	return nil
}

// Stop shuts the clock down and waits for every supervisor to finish its
// in-flight operation. Polls are never cancelled mid-flight; the per-account
// watchdog bounds the wait.
func (o *Observer) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	close(o.stopped)
	sups := make([]*supervisor, 0, len(o.handles))
	for _, s := range o.handles {
		sups = append(sups, s)
	}
	o.handles = make(map[string]*supervisor)
	o.accounts = make(map[string]backend.Account)
	o.mu.Unlock()

	for _, s := range sups {
		close(s.stop)
	}
	done := make(chan struct{})
	go func() {
		for _, s := range sups {
			<-s.done
		}
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.log.Info("observer stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("observer stop: %w", ctx.Err())
	}
}

// clock emits ticks on the configured cadence. The interval (or schedule) is
// re-read each round so a reload takes effect on the next tick.
func (o *Observer) clock() {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		sched := o.schedule
		interval := o.cfg.PollInterval
		o.mu.Unlock()

		var wait time.Duration
		if sched != nil {
			wait = time.Until(sched.Next(time.Now()))
		} else {
			wait = interval
		}
		if wait < time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-o.stopped:
			timer.Stop()
			return
		case <-timer.C:
			o.tickAll()
		}
	}
}

// tickAll offers a tick to every supervisor. A supervisor that is still busy
// keeps at most one pending tick; extra ticks are dropped, never queued.
func (o *Observer) tickAll() {
	o.mu.Lock()
	sups := make([]*supervisor, 0, len(o.handles))
	for _, s := range o.handles {
		sups = append(sups, s)
	}
	o.mu.Unlock()
	for _, s := range sups {
		select {
		case s.ticks <- struct{}{}:
		default:
		}
	}
}

// Reload applies a new configuration: the clock picks up a changed interval
// or schedule on its next round, retry knobs are propagated to every account,
// removed accounts are stopped and purged, changed accounts are restarted and
// new ones spawned. Stopping waits for in-flight operations. Reload fails on
// a stopped observer; spawning supervisors nobody stops would leak them.
func (o *Observer) Reload(ctx context.Context, cfg Config, accounts []backend.Account) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return fmt.Errorf("observer not running")
	}
	o.mu.Unlock()

	cfg = cfg.withDefaults()
	var sched cron.Schedule
	if cfg.PollSchedule != "" {
		var err error
		sched, err = cron.ParseStandard(cfg.PollSchedule)
		if err != nil {
			return fmt.Errorf("parse poll schedule %q: %w", cfg.PollSchedule, err)
		}
	}

	next := make(map[string]backend.Account, len(accounts))
	for _, acct := range accounts {
		if _, ok := o.backends[acct.Backend]; !ok {
			return fmt.Errorf("account %s: unknown backend %q", acct.Email, acct.Backend)
		}
		if _, dup := next[acct.Email]; dup {
			return fmt.Errorf("account %s: configured twice", acct.Email)
		}
		next[acct.Email] = acct
	}

	o.mu.Lock()
	o.cfg = cfg
	o.schedule = sched

	var removed, replaced []*supervisor
	var purge []string
	for email, sup := range o.handles {
		cur, keep := next[email]
		switch {
		case !keep:
			removed = append(removed, sup)
			purge = append(purge, email)
			delete(o.handles, email)
			delete(o.accounts, email)
		case accountChanged(o.accounts[email], cur):
			replaced = append(replaced, sup)
			if o.accounts[email].Backend != cur.Backend {
				purge = append(purge, email)
			}
			delete(o.handles, email)
		}
	}
	o.mu.Unlock()

	for _, sup := range append(removed, replaced...) {
		close(sup.stop)
		select {
		case <-sup.done:
		case <-ctx.Done():
			return fmt.Errorf("reload: %w", ctx.Err())
		}
	}
	for _, email := range purge {
		if err := o.secrets.Purge(ctx, email); err != nil {
			o.log.Warn("purge stored session failed", logx.String("account", email), logx.Err(err))
		}
		if err := o.store.PurgeAccount(ctx, email); err != nil {
			o.log.Warn("purge account state failed", logx.String("account", email), logx.Err(err))
		}
	}

	deps := supervisorDeps{
		bus:         o.bus,
		secrets:     o.secrets,
		store:       o.store,
		creds:       o.creds,
		log:         o.log,
		pollTimeout: cfg.PollTimeout,
		backoff:     NewBackoff(cfg.BackoffBase, cfg.BackoffCap),
		degradedAt:  cfg.DegradedAfter,
	}
	o.mu.Lock()
	if !o.running {
		// Stop won after the removal pass; nothing may be spawned now.
		o.mu.Unlock()
		return fmt.Errorf("observer not running")
	}
	for _, sup := range o.handles {
		sup.applyPolicy(deps.pollTimeout, deps.backoff, deps.degradedAt)
	}
	var started []*supervisor
	for email, acct := range next {
		if _, ok := o.handles[email]; ok {
			continue
		}
		sup := newSupervisor(acct, o.backends[acct.Backend], deps)
		o.handles[email] = sup
		o.accounts[email] = acct
		started = append(started, sup)
	}
	o.mu.Unlock()
	for _, sup := range started {
		go sup.run()
		select {
		case sup.ticks <- struct{}{}:
		default:
		}
	}
	if len(removed)+len(replaced)+len(started) > 0 {
		o.log.Info("accounts reloaded",
			logx.Int("added", len(started)), logx.Int("removed", len(removed)), logx.Int("restarted", len(replaced)))
	}
	return nil
}

func accountChanged(old, cur backend.Account) bool {
	return old.Backend != cur.Backend || !bytes.Equal(old.Settings, cur.Settings)
}

// SupplyCredentials delivers interactive credentials to the named account.
func (o *Observer) SupplyCredentials(email string, creds backend.Credentials) error {
	o.mu.Lock()
	sup, ok := o.handles[email]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such account: %s", email)
	}
	select {
	case sup.credCh <- creds:
		return nil
	default:
		return fmt.Errorf("account %s: credential delivery already pending", email)
	}
}

// Status reports the current state of every account.
func (o *Observer) Status() map[string]State {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]State, len(o.handles))
	for email, sup := range o.handles {
		out[email] = sup.State()
	}
	return out
}
