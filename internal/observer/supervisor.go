package observer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/LeanderBB/you-have-mail-cli/internal/backend"
	"github.com/LeanderBB/you-have-mail-cli/internal/notify"
	"github.com/LeanderBB/you-have-mail-cli/internal/secrets"
	"github.com/LeanderBB/you-have-mail-cli/internal/storage"
	"github.com/LeanderBB/you-have-mail-cli/pkg/logx"
)

// CredentialRequester is told when an account needs interactive credentials.
// Implementations must not block; fulfillment arrives later through
// Observer.SupplyCredentials.
type CredentialRequester interface {
	RequestCredentials(acct backend.Identity)
}

// retryOp records which operation a backoff wait should repeat.
type retryOp int

const (
	retryNone retryOp = iota
	retryPoll
	retryAuth
)

// supervisor drives a single account through its lifecycle. All state is
// owned by the run goroutine; State() takes the mutex so the observer can
// snapshot it from outside.
type supervisor struct {
	acct    backend.Account
	backend backend.Backend
	bus     *notify.Bus
	secrets *secrets.Store
	store   storage.Store
	creds   CredentialRequester
	log     logx.Logger

	rng *rand.Rand

	ticks  chan struct{}
	credCh chan backend.Credentials
	stop   chan struct{}
	done   chan struct{}

	// mu guards state and the retry policy, which a config reload may swap
	// while the run goroutine is live.
	mu          sync.Mutex
	state       State
	pollTimeout time.Duration
	backoff     Backoff
	degradedAt  int

	session   backend.Session
	failures  int
	attempt   int
	pending   retryOp
	retry     *time.Timer
	authCreds backend.Credentials
	asked     bool

	// inflight holds the result channel of a backend call that outran the
	// watchdog. No new backend operation may start until it drains: the
	// account would have two calls in flight.
	inflight chan opResult
}

func newSupervisor(acct backend.Account, be backend.Backend, deps supervisorDeps) *supervisor {
	return &supervisor{
		acct:        acct,
		backend:     be,
		bus:         deps.bus,
		secrets:     deps.secrets,
		store:       deps.store,
		creds:       deps.creds,
		log:         deps.log.With(logx.String("account", acct.Email), logx.String("backend", acct.Backend)),
		pollTimeout: deps.pollTimeout,
		backoff:     deps.backoff,
		degradedAt:  deps.degradedAt,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		ticks:       make(chan struct{}, 1),
		credCh:      make(chan backend.Credentials, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		state:       StateUnauthenticated,
	}
}

type supervisorDeps struct {
	bus         *notify.Bus
	secrets     *secrets.Store
	store       storage.Store
	creds       CredentialRequester
	log         logx.Logger
	pollTimeout time.Duration
	backoff     Backoff
	degradedAt  int
}

// State returns the current lifecycle state.
func (s *supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// applyPolicy swaps the retry knobs on a live supervisor.
func (s *supervisor) applyPolicy(timeout time.Duration, b Backoff, degradedAt int) {
	s.mu.Lock()
	s.pollTimeout = timeout
	s.backoff = b
	s.degradedAt = degradedAt
	s.mu.Unlock()
}

func (s *supervisor) policy() (time.Duration, Backoff, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollTimeout, s.backoff, s.degradedAt
}

func (s *supervisor) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debug("account state changed", logx.String("from", prev.String()), logx.String("to", st.String()))
	}
}

// run is the account loop. It processes ticks, credential deliveries and
// backoff expirations one at a time until stopped.
func (s *supervisor) run() {
	defer close(s.done)
	defer s.shutdown()
	for {
		select {
		case <-s.stop:
			return
		case <-s.ticks:
			s.tick()
		case creds := <-s.credCh:
			s.credentialsArrived(creds)
		case <-s.retryChan():
			s.retryExpired()
		}
	}
}

func (s *supervisor) shutdown() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.session != nil {
		if err := s.session.Close(); err != nil {
			s.log.Debug("session close failed", logx.Err(err))
		}
		s.session = nil
	}
}

func (s *supervisor) retryChan() <-chan time.Time {
	if s.retry == nil {
		return nil
	}
	return s.retry.C
}

// tick is the shared-clock entry point. Ticks that arrive while the account
// has nothing useful to do are dropped, never queued.
func (s *supervisor) tick() {
	switch s.State() {
	case StateUnauthenticated:
		s.bootstrap()
	case StateIdle:
		s.poll()
	default:
		// BackoffWait keeps its own timer; ReauthRequired and Disabled wait
		// for external input. Drop the tick.
	}
}

// bootstrap attempts to restore a session from the sealed state blob. When no
// blob exists the credential collaborator is asked once.
func (s *supervisor) bootstrap() {
	state, err := s.secrets.LoadSession(context.Background(), s.acct.Email)
	switch {
	case err == nil:
		s.restore(state)
	case errors.Is(err, secrets.ErrNotFound):
		s.requestCredentials("no stored session")
	case errors.Is(err, secrets.ErrWrongKey), errors.Is(err, secrets.ErrCorrupt):
		s.log.Error("stored session unusable", logx.Err(err))
		s.disable(fmt.Sprintf("stored session unusable: %v", err))
	default:
		// Storage hiccup. retryPoll with no live session re-runs bootstrap.
		s.log.Warn("session load failed", logx.Err(err))
		s.enterBackoff(retryPoll)
	}
}

// opResult is the outcome of one guarded backend call. Auth and restore set
// sess; poll sets msgs.
type opResult struct {
	sess backend.Session
	msgs []backend.Message
	err  error
}

// runGuarded runs one backend call under the watchdog deadline. On expiry the
// call keeps running into s.inflight and the result is a transient error, so
// a hung backend counts as a failure instead of stalling the loop.
func (s *supervisor) runGuarded(op string, fn func(context.Context) opResult) opResult {
	timeout, _, _ := s.policy()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ch := make(chan opResult, 1)
	go func() { ch <- fn(ctx) }()
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		s.inflight = ch
		return opResult{err: backend.Transient(op, ctx.Err())}
	}
}

// backendDrained reports whether an abandoned call has finished. A session it
// eventually produced is closed; nothing else of its result is of use.
func (s *supervisor) backendDrained() bool {
	if s.inflight == nil {
		return true
	}
	select {
	case res := <-s.inflight:
		s.inflight = nil
		if res.sess != nil {
			_ = res.sess.Close()
		}
		return true
	default:
		return false
	}
}

func (s *supervisor) restore(state []byte) {
	if !s.backendDrained() {
		s.enterBackoff(retryAuth)
		return
	}
	s.setState(StateAuthenticating)
	res := s.runGuarded("restore", func(ctx context.Context) opResult {
		sess, err := s.backend.Restore(ctx, s.acct, state)
		return opResult{sess: sess, err: err}
	})
	if res.err != nil {
		s.operationFailed("restore", res.err, retryAuth)
		return
	}
	s.session = res.sess
	s.failures = 0
	s.attempt = 0
	s.setState(StateIdle)
	s.log.Info("session restored")
	s.poll()
}

// credentialsArrived handles Observer.SupplyCredentials deliveries.
func (s *supervisor) credentialsArrived(creds backend.Credentials) {
	switch s.State() {
	case StateUnauthenticated, StateReauthRequired:
		s.authCreds = creds
		s.authenticate()
	case StateBackoffWait:
		// Fresh credentials replace a pending auth retry immediately.
		s.clearRetry()
		s.authCreds = creds
		s.authenticate()
	default:
		s.log.Warn("ignoring credentials in current state", logx.String("state", s.State().String()))
	}
}

func (s *supervisor) authenticate() {
	if !s.backendDrained() {
		s.enterBackoff(retryAuth)
		return
	}
	s.setState(StateAuthenticating)
	s.asked = false
	// Any live session is superseded by the new credentials.
	s.dropSession()

	creds := s.authCreds
	res := s.runGuarded("authenticate", func(ctx context.Context) opResult {
		sess, err := s.backend.Authenticate(ctx, s.acct, creds)
		return opResult{sess: sess, err: err}
	})
	if res.err != nil {
		s.operationFailed("authenticate", res.err, retryAuth)
		return
	}

	s.session = res.sess
	s.authCreds = backend.Credentials{}
	s.failures = 0
	s.attempt = 0
	s.persistSession()
	s.setState(StateIdle)
	s.log.Info("authenticated")
	s.poll()
}

// persistSession seals and stores the exported session so the next start can
// skip interactive login. Persistence failures are logged, not fatal: the
// live session keeps working for this run.
func (s *supervisor) persistSession() {
	state, err := s.session.Export()
	if err != nil {
		s.log.Warn("session export failed", logx.Err(err))
		return
	}
	if err := s.secrets.SaveSession(context.Background(), s.acct.Email, state); err != nil {
		s.log.Warn("session persist failed", logx.Err(err))
	}
}

// poll runs one poll cycle under the watchdog deadline. A backend that does
// not respond within the ceiling counts as a transient failure so a hung
// connection cannot stall the account forever.
func (s *supervisor) poll() {
	if !s.backendDrained() {
		s.log.Debug("previous backend call still running; delaying poll")
		s.enterBackoff(retryPoll)
		return
	}
	s.setState(StatePolling)
	sess := s.session
	res := s.runGuarded("poll", func(ctx context.Context) opResult {
		msgs, err := sess.Poll(ctx)
		return opResult{msgs: msgs, err: err}
	})
	if res.err != nil {
		s.operationFailed("poll", res.err, retryPoll)
		return
	}

	s.failures = 0
	s.attempt = 0
	s.setState(StateIdle)
	s.report(res.msgs)
}

// report filters already-seen messages, records the rest and publishes a
// single NewMessages event for the batch.
func (s *supervisor) report(msgs []backend.Message) {
	if len(msgs) == 0 {
		return
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	unseen, err := s.store.FilterUnseen(ctx, s.acct.Email, ids)
	if err != nil {
		// Better to repeat a notification than to drop one.
		s.log.Warn("seen-message filter failed, reporting all", logx.Err(err))
		unseen = ids
	}
	if len(unseen) == 0 {
		return
	}
	keep := make(map[string]struct{}, len(unseen))
	for _, id := range unseen {
		keep[id] = struct{}{}
	}
	fresh := msgs[:0:0]
	for _, m := range msgs {
		if _, ok := keep[m.ID]; ok {
			fresh = append(fresh, m)
		}
	}
	if err := s.store.MarkSeen(ctx, s.acct.Email, unseen); err != nil {
		s.log.Warn("seen-message record failed", logx.Err(err))
	}
	s.log.Info("new messages", logx.Int("count", len(fresh)))
	s.bus.Publish(notify.NewMessages(s.acct.Identity, fresh))
}

// operationFailed classifies an error and drives the matching transition.
func (s *supervisor) operationFailed(op string, err error, retry retryOp) {
	switch backend.KindOf(err) {
	case backend.KindAuthExpired:
		s.log.Warn("session no longer valid", logx.String("op", op), logx.Err(err))
		s.dropSession()
		s.failures = 0
		s.attempt = 0
		s.requestCredentials(err.Error())
	case backend.KindFatal:
		s.log.Error("unrecoverable account error", logx.String("op", op), logx.Err(err))
		s.disable(err.Error())
	default:
		s.failures++
		s.log.Warn("transient failure", logx.String("op", op), logx.Int("consecutive", s.failures), logx.Err(err))
		_, _, degradedAt := s.policy()
		if s.failures == degradedAt {
			s.bus.Publish(notify.AccountEvent(notify.KindAccountDegraded, s.acct.Identity,
				fmt.Sprintf("%d consecutive failures, last: %v", s.failures, err)))
		}
		s.enterBackoff(retry)
	}
}

func (s *supervisor) enterBackoff(op retryOp) {
	_, b, _ := s.policy()
	delay := b.Delay(s.rng, s.attempt)
	s.attempt++
	s.pending = op
	s.clearRetry()
	s.retry = time.NewTimer(delay)
	s.setState(StateBackoffWait)
	s.log.Debug("backing off", logx.Duration("delay", delay), logx.Int("attempt", s.attempt))
}

func (s *supervisor) retryExpired() {
	s.clearRetry()
	if s.State() != StateBackoffWait {
		return
	}
	op := s.pending
	s.pending = retryNone
	switch op {
	case retryPoll:
		if s.session == nil {
			s.setState(StateUnauthenticated)
			s.bootstrap()
			return
		}
		s.poll()
	case retryAuth:
		if s.authCreds != (backend.Credentials{}) {
			s.authenticate()
			return
		}
		// The retried operation was a restore; run bootstrap again.
		s.setState(StateUnauthenticated)
		s.bootstrap()
	default:
		s.setState(StateIdle)
	}
}

func (s *supervisor) clearRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *supervisor) dropSession() {
	if s.session != nil {
		if err := s.session.Close(); err != nil {
			s.log.Debug("session close failed", logx.Err(err))
		}
		s.session = nil
	}
}

// requestCredentials moves to ReauthRequired, reports it once and asks the
// credential collaborator. The ask is not repeated on subsequent ticks.
func (s *supervisor) requestCredentials(reason string) {
	s.setState(StateReauthRequired)
	if s.asked {
		return
	}
	s.asked = true
	s.bus.Publish(notify.AccountEvent(notify.KindReauthRequired, s.acct.Identity, reason))
	if s.creds != nil {
		s.creds.RequestCredentials(s.acct.Identity)
	}
}

func (s *supervisor) disable(reason string) {
	s.dropSession()
	s.clearRetry()
	s.setState(StateDisabled)
	s.bus.Publish(notify.AccountEvent(notify.KindAccountDisabled, s.acct.Identity, reason))
}
