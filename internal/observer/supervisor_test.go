package observer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LeanderBB/you-have-mail-cli/internal/backend"
	"github.com/LeanderBB/you-have-mail-cli/internal/notify"
	"github.com/LeanderBB/you-have-mail-cli/internal/secrets"
	"github.com/LeanderBB/you-have-mail-cli/internal/storage"
	"github.com/LeanderBB/you-have-mail-cli/pkg/logx"
)

// ---- fakes ----

type stubKey struct{ key secrets.MasterKey }

func (stubKey) Name() string                         { return "test" }
func (k stubKey) Unlock() (secrets.MasterKey, error) { return k.key, nil }

type fakeBackend struct {
	mu           sync.Mutex
	authCalls    int
	restoreCalls int
	authErr      error
	restoreErr   error
	session      *fakeSession
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Authenticate(_ context.Context, _ backend.Account, _ backend.Credentials) (backend.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.session, nil
}

func (f *fakeBackend) Restore(_ context.Context, _ backend.Account, _ []byte) (backend.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreCalls++
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	return f.session, nil
}

func (f *fakeBackend) calls() (auth, restore int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls, f.restoreCalls
}

type pollResult struct {
	msgs []backend.Message
	err  error
}

type fakeSession struct {
	mu          sync.Mutex
	script      []pollResult
	polls       int
	delay       time.Duration
	inFlight    int32
	maxInFlight int32
	closes      int32
}

func (s *fakeSession) Poll(_ context.Context) ([]backend.Message, error) {
	cur := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		max := atomic.LoadInt32(&s.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&s.maxInFlight, max, cur) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.polls
	s.polls++
	if idx >= len(s.script) {
		if len(s.script) == 0 {
			return nil, nil
		}
		idx = len(s.script) - 1
	}
	return s.script[idx].msgs, s.script[idx].err
}

func (s *fakeSession) Export() ([]byte, error) { return []byte(`{"state":"ok"}`), nil }

func (s *fakeSession) Close() error {
	atomic.AddInt32(&s.closes, 1)
	return nil
}

func (s *fakeSession) closeCount() int32 { return atomic.LoadInt32(&s.closes) }

func (s *fakeSession) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Deliver(_ context.Context, ev notify.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) byKind(k notify.Kind) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, ev := range c.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

type recordingRequester struct {
	mu    sync.Mutex
	asked []string
}

func (r *recordingRequester) RequestCredentials(acct backend.Identity) {
	r.mu.Lock()
	r.asked = append(r.asked, acct.Email)
	r.mu.Unlock()
}

func (r *recordingRequester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.asked)
}

// ---- harness ----

type testEnv struct {
	sup   *supervisor
	sec   *secrets.Store
	store storage.Store
	sink  *captureSink
	req   *recordingRequester
}

func newTestEnv(t *testing.T, be backend.Backend, opts ...func(*supervisorDeps)) *testEnv {
	t.Helper()

	key, err := secrets.NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	store := storage.NewMemory()
	sec, err := secrets.Open(stubKey{key}, store)
	if err != nil {
		t.Fatalf("secrets.Open: %v", err)
	}

	sink := &captureSink{}
	bus := notify.NewBus(logx.Nop())
	bus.Register(sink)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})

	req := &recordingRequester{}
	acct := backend.Account{Identity: backend.Identity{Email: "user@example.com", Backend: "fake"}}
	deps := supervisorDeps{
		bus:         bus,
		secrets:     sec,
		store:       store,
		creds:       req,
		log:         logx.Nop(),
		pollTimeout: 2 * time.Second,
		backoff:     NewBackoff(time.Millisecond, 4*time.Millisecond),
		degradedAt:  3,
	}
	for _, o := range opts {
		o(&deps)
	}
	sup := newSupervisor(acct, be, deps)
	go sup.run()

	var stopOnce sync.Once
	t.Cleanup(func() {
		stopOnce.Do(func() { close(sup.stop) })
		<-sup.done
	})

	return &testEnv{sup: sup, sec: sec, store: store, sink: sink, req: req}
}

func (e *testEnv) tick() {
	select {
	case e.sup.ticks <- struct{}{}:
	default:
	}
}

func (e *testEnv) supply(creds backend.Credentials) {
	e.sup.credCh <- creds
}

func waitState(t *testing.T, sup *supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", sup.State(), want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---- tests ----

func TestFirstTickRequestsCredentialsOnce(t *testing.T) {
	t.Parallel()
	be := &fakeBackend{session: &fakeSession{}}
	env := newTestEnv(t, be)

	env.tick()
	waitState(t, env.sup, StateReauthRequired)
	waitFor(t, "credential request", func() bool { return env.req.count() == 1 })

	// Further ticks must not repeat the ask or the event.
	env.tick()
	env.tick()
	time.Sleep(20 * time.Millisecond)
	if got := env.req.count(); got != 1 {
		t.Fatalf("credential requests = %d, want 1", got)
	}
	if got := len(env.sink.byKind(notify.KindReauthRequired)); got != 1 {
		t.Fatalf("reauth events = %d, want 1", got)
	}
}

func TestAuthenticatePollsAndPersistsSession(t *testing.T) {
	t.Parallel()
	be := &fakeBackend{session: &fakeSession{script: []pollResult{
		{msgs: []backend.Message{
			{ID: "inbox/1:1", Sender: "alice@example.com", Subject: "hello"},
			{ID: "inbox/1:2", Sender: "bob@example.com", Subject: "hi"},
		}},
	}}}
	env := newTestEnv(t, be)

	env.tick()
	waitState(t, env.sup, StateReauthRequired)
	env.supply(backend.Credentials{Password: "hunter2"})
	waitState(t, env.sup, StateIdle)

	waitFor(t, "new-message event", func() bool {
		return len(env.sink.byKind(notify.KindNewMessages)) == 1
	})
	evs := env.sink.byKind(notify.KindNewMessages)
	if len(evs[0].Messages) != 2 {
		t.Fatalf("messages in event = %d, want 2", len(evs[0].Messages))
	}

	state, err := env.sec.LoadSession(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("LoadSession after auth: %v", err)
	}
	if string(state) != `{"state":"ok"}` {
		t.Fatalf("persisted state = %q", state)
	}
}

func TestSeenMessagesNotRepeated(t *testing.T) {
	t.Parallel()
	msg := backend.Message{ID: "inbox/1:7", Sender: "alice@example.com", Subject: "again"}
	sess := &fakeSession{script: []pollResult{{msgs: []backend.Message{msg}}}}
	be := &fakeBackend{session: sess}
	env := newTestEnv(t, be)

	env.tick()
	waitState(t, env.sup, StateReauthRequired)
	env.supply(backend.Credentials{Password: "pw"})
	waitState(t, env.sup, StateIdle)
	waitFor(t, "first event", func() bool { return len(env.sink.byKind(notify.KindNewMessages)) == 1 })

	// Same unseen message reported again by the backend.
	env.tick()
	waitFor(t, "second poll", func() bool { return sess.pollCount() >= 2 })
	waitState(t, env.sup, StateIdle)
	time.Sleep(20 * time.Millisecond)

	if got := len(env.sink.byKind(notify.KindNewMessages)); got != 1 {
		t.Fatalf("new-message events = %d, want 1 (dedup)", got)
	}
}

func TestRestoreFromStoredSession(t *testing.T) {
	t.Parallel()
	be := &fakeBackend{session: &fakeSession{}}
	env := newTestEnv(t, be)

	if err := env.sec.SaveSession(context.Background(), "user@example.com", []byte(`{"state":"ok"}`)); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	env.tick()
	waitState(t, env.sup, StateIdle)
	auth, restore := be.calls()
	if auth != 0 || restore != 1 {
		t.Fatalf("auth=%d restore=%d, want 0/1", auth, restore)
	}
	if env.req.count() != 0 {
		t.Fatalf("unexpected credential request")
	}
}

func TestNoOverlappingPolls(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{delay: 30 * time.Millisecond}
	be := &fakeBackend{session: sess}
	env := newTestEnv(t, be)

	env.tick()
	waitState(t, env.sup, StateReauthRequired)
	env.supply(backend.Credentials{Password: "pw"})
	waitState(t, env.sup, StateIdle)

	for i := 0; i < 20; i++ {
		env.tick()
		time.Sleep(3 * time.Millisecond)
	}
	waitState(t, env.sup, StateIdle)

	if max := atomic.LoadInt32(&sess.maxInFlight); max != 1 {
		t.Fatalf("max in-flight polls = %d, want 1", max)
	}
	// With a 30ms poll and 3ms ticks, queuing every tick would poll ~20 times.
	if n := sess.pollCount(); n > 12 {
		t.Fatalf("polls = %d, ticks were queued instead of dropped", n)
	}
}

func TestTransientFailuresBackOffAndDegrade(t *testing.T) {
	t.Parallel()
	boom := backend.Transient("poll", errors.New("connection reset"))
	sess := &fakeSession{script: []pollResult{
		{err: boom}, {err: boom}, {err: boom}, {err: boom},
		{msgs: nil},
	}}
	be := &fakeBackend{session: sess}
	env := newTestEnv(t, be)

	env.tick()
	waitState(t, env.sup, StateReauthRequired)
	env.supply(backend.Credentials{Password: "pw"})

	// Retries run on the supervisor's own timer with a tiny backoff.
	waitFor(t, "recovery after retries", func() bool {
		return sess.pollCount() >= 5 && env.sup.State() == StateIdle
	})

	if got := len(env.sink.byKind(notify.KindAccountDegraded)); got != 1 {
		t.Fatalf("degraded events = %d, want exactly 1", got)
	}
}

func TestAuthExpiredDuringPoll(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{script: []pollResult{
		{err: backend.AuthExpired("poll", errors.New("invalid credentials"))},
		{msgs: nil},
	}}
	be := &fakeBackend{session: sess}
	env := newTestEnv(t, be)

	env.tick()
	waitState(t, env.sup, StateReauthRequired)
	env.supply(backend.Credentials{Password: "old"})
	waitState(t, env.sup, StateReauthRequired)

	waitFor(t, "second credential request", func() bool { return env.req.count() == 2 })
	if got := len(env.sink.byKind(notify.KindReauthRequired)); got != 2 {
		t.Fatalf("reauth events = %d, want 2", got)
	}

	env.supply(backend.Credentials{Password: "new"})
	waitState(t, env.sup, StateIdle)
}

func TestFatalErrorDisablesAccount(t *testing.T) {
	t.Parallel()
	be := &fakeBackend{
		session: &fakeSession{},
		authErr: backend.Fatal("authenticate", errors.New("unsupported server")),
	}
	env := newTestEnv(t, be)

	env.tick()
	waitState(t, env.sup, StateReauthRequired)
	env.supply(backend.Credentials{Password: "pw"})
	waitState(t, env.sup, StateDisabled)

	if got := len(env.sink.byKind(notify.KindAccountDisabled)); got != 1 {
		t.Fatalf("disabled events = %d, want 1", got)
	}

	// Disabled is terminal for ticks.
	auth, _ := be.calls()
	env.tick()
	time.Sleep(20 * time.Millisecond)
	if a, _ := be.calls(); a != auth {
		t.Fatalf("tick in Disabled triggered backend call")
	}
}

func TestFailingSinkDoesNotAffectLifecycle(t *testing.T) {
	t.Parallel()
	be := &fakeBackend{session: &fakeSession{script: []pollResult{
		{msgs: []backend.Message{{ID: "inbox/1:1", Sender: "a@b.c", Subject: "s"}}},
	}}}

	key, err := secrets.NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	store := storage.NewMemory()
	sec, err := secrets.Open(stubKey{key}, store)
	if err != nil {
		t.Fatalf("secrets.Open: %v", err)
	}
	bus := notify.NewBus(logx.Nop())
	bus.Register(failSink{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})

	acct := backend.Account{Identity: backend.Identity{Email: "user@example.com", Backend: "fake"}}
	sup := newSupervisor(acct, be, supervisorDeps{
		bus: bus, secrets: sec, store: store, creds: nil, log: logx.Nop(),
		pollTimeout: time.Second, backoff: NewBackoff(time.Millisecond, 4*time.Millisecond), degradedAt: 3,
	})
	go sup.run()
	var stopOnce sync.Once
	t.Cleanup(func() {
		stopOnce.Do(func() { close(sup.stop) })
		<-sup.done
	})

	sup.ticks <- struct{}{}
	waitState(t, sup, StateReauthRequired)
	sup.credCh <- backend.Credentials{Password: "pw"}
	waitState(t, sup, StateIdle)
}

type failSink struct{}

func (failSink) Name() string                                { return "fail" }
func (failSink) Deliver(context.Context, notify.Event) error { return errors.New("sink down") }

func TestWatchdogExpiryNeverOverlapsPolls(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{delay: 250 * time.Millisecond}
	be := &fakeBackend{session: sess}
	env := newTestEnv(t, be, func(d *supervisorDeps) {
		d.pollTimeout = 20 * time.Millisecond
	})

	env.tick()
	waitState(t, env.sup, StateReauthRequired)
	env.supply(backend.Credentials{Password: "pw"})

	// Every poll outruns the watchdog. Retries and ticks must wait for the
	// abandoned call to drain instead of stacking a second one on top of it.
	waitFor(t, "second poll attempt", func() bool { return sess.pollCount() >= 2 })
	for i := 0; i < 20; i++ {
		env.tick()
		time.Sleep(2 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&sess.maxInFlight); got != 1 {
		t.Fatalf("max in-flight polls = %d, want 1", got)
	}
}

func TestReauthClosesSupersededSession(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{script: []pollResult{
		{},
		{err: backend.Transient("poll", errors.New("net down"))},
	}}
	be := &fakeBackend{session: sess}
	env := newTestEnv(t, be, func(d *supervisorDeps) {
		// Park the supervisor in BackoffWait until credentials arrive.
		d.backoff = NewBackoff(time.Hour, time.Hour)
	})

	env.tick()
	waitState(t, env.sup, StateReauthRequired)
	env.supply(backend.Credentials{Password: "pw"})
	waitState(t, env.sup, StateIdle)

	env.tick()
	waitState(t, env.sup, StateBackoffWait)

	env.supply(backend.Credentials{Password: "pw2"})
	waitFor(t, "superseded session closed", func() bool { return sess.closeCount() >= 1 })
	if auth, _ := be.calls(); auth != 2 {
		t.Fatalf("auth calls = %d, want 2", auth)
	}
}
