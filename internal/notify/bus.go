// Package notify fans observer events out to independent delivery sinks.
//
// Each sink gets its own worker goroutine and bounded queue: a slow or broken
// sink can only ever lose its own deliveries, never block the bus, another
// sink, or the supervisor that published the event. Events are delivered to
// each sink in publish order.
package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/LeanderBB/you-have-mail-cli/pkg/logx"
)

// Sink is one delivery channel. Deliver must honor ctx and may be called from
// exactly one goroutine at a time.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

const (
	defaultQueueSize       = 128
	defaultDeliveryTimeout = 30 * time.Second
)

type Bus struct {
	log             logx.Logger
	queueSize       int
	deliveryTimeout time.Duration

	mu        sync.Mutex
	accepting bool
	workers   []*sinkWorker
	wg        sync.WaitGroup
}

type Option func(*Bus)

// WithQueueSize bounds each sink's queue.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithDeliveryTimeout bounds one Deliver call.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.deliveryTimeout = d
		}
	}
}

func NewBus(log logx.Logger, opts ...Option) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bus{
		log:             log,
		queueSize:       defaultQueueSize,
		deliveryTimeout: defaultDeliveryTimeout,
		accepting:       true,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type sinkWorker struct {
	sink  Sink
	queue chan Event

	// dropped counts events lost to a full queue; logged on the next
	// successful enqueue to avoid per-event spam.
	dropped uint64
}

// Register adds a sink and starts its worker. Must be called before Stop.
func (b *Bus) Register(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.accepting {
		return
	}
	w := &sinkWorker{sink: s, queue: make(chan Event, b.queueSize)}
	b.workers = append(b.workers, w)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(w)
	}()
}

// Publish enqueues the event for every sink. It never blocks: when a sink's
// queue is full the event is dropped for that sink only.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.accepting {
		return
	}
	for _, w := range b.workers {
		select {
		case w.queue <- ev:
			if w.dropped > 0 {
				b.log.Warn("notifier events dropped (queue full)",
					logx.String("sink", w.sink.Name()),
					logx.Uint64("count", w.dropped))
				w.dropped = 0
			}
		default:
			w.dropped++
		}
	}
}

// Stop closes intake, drains every sink queue, and waits for the workers
// until ctx expires.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.accepting {
		b.mu.Unlock()
		return nil
	}
	b.accepting = false
	for _, w := range b.workers {
		close(w.queue)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (b *Bus) run(w *sinkWorker) {
	for ev := range w.queue {
		b.deliver(w.sink, ev)
	}
}

func (b *Bus) deliver(s Sink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("sink panicked",
				logx.String("sink", s.Name()),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), b.deliveryTimeout)
	defer cancel()

	start := time.Now()
	if err := s.Deliver(ctx, ev); err != nil {
		b.log.Warn("sink delivery failed",
			logx.String("sink", s.Name()),
			logx.String("kind", string(ev.Kind)),
			logx.String("account", ev.Email),
			logx.Duration("took", time.Since(start)),
			logx.Err(err))
		return
	}
	b.log.Debug("sink delivery ok",
		logx.String("sink", s.Name()),
		logx.String("kind", string(ev.Kind)),
		logx.String("account", ev.Email))
}

// Render produces the human-readable title/body shared by text-oriented
// sinks (stdout, ntfy, telegram).
func Render(ev Event) (title, body string) {
	switch ev.Kind {
	case KindNewMessages:
		title = fmt.Sprintf("%s has %d new message(s)", ev.Email, len(ev.Messages))
		for _, m := range ev.Messages {
			body += fmt.Sprintf("%s: %s\n", m.Sender, m.Subject)
		}
	case KindReauthRequired:
		title = fmt.Sprintf("%s logged out or session expired", ev.Email)
	case KindAccountDegraded:
		title = fmt.Sprintf("%s is degraded", ev.Email)
		body = ev.Reason
	case KindAccountDisabled:
		title = fmt.Sprintf("%s has been disabled", ev.Email)
		body = ev.Reason
	case KindConfigError:
		title = "Configuration error"
		body = ev.Reason
	default:
		title = string(ev.Kind)
		body = ev.Reason
	}
	return title, body
}

// IsErrorKind reports whether the event should be flagged as an error by
// sinks that support tagging.
func IsErrorKind(k Kind) bool {
	switch k {
	case KindAccountDegraded, KindAccountDisabled, KindConfigError:
		return true
	default:
		return false
	}
}
