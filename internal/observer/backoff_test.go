package observer

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffWindowDoublesUntilCap(t *testing.T) {
	t.Parallel()
	b := NewBackoff(time.Second, 32*time.Second)

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		w := b.Window(attempt)
		if w < prev {
			t.Fatalf("window shrank at attempt %d: %v < %v", attempt, w, prev)
		}
		if w > 32*time.Second {
			t.Fatalf("window exceeded cap at attempt %d: %v", attempt, w)
		}
		prev = w
	}
	if got := b.Window(20); got != 32*time.Second {
		t.Fatalf("late window = %v, want cap", got)
	}
}

func TestBackoffDelayWithinWindow(t *testing.T) {
	t.Parallel()
	b := NewBackoff(10*time.Millisecond, 80*time.Millisecond)
	rng := rand.New(rand.NewSource(1))

	for attempt := 0; attempt < 8; attempt++ {
		w := b.Window(attempt)
		for i := 0; i < 50; i++ {
			d := b.Delay(rng, attempt)
			if d < 0 || d > w {
				t.Fatalf("delay %v outside [0, %v] at attempt %d", d, w, attempt)
			}
		}
	}
}

func TestBackoffDelayJitters(t *testing.T) {
	t.Parallel()
	b := NewBackoff(time.Second, 32*time.Second)
	rng := rand.New(rand.NewSource(42))

	seen := map[time.Duration]struct{}{}
	for i := 0; i < 32; i++ {
		seen[b.Delay(rng, 3)] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatalf("expected jittered delays, got %d distinct values", len(seen))
	}
}

func TestBackoffDefaults(t *testing.T) {
	t.Parallel()
	b := NewBackoff(2*time.Second, 0)
	if b.Cap != 2*time.Second*defaultCapFactor {
		t.Fatalf("default cap = %v", b.Cap)
	}
	b = NewBackoff(0, 0)
	if b.Base <= 0 || b.Cap < b.Base {
		t.Fatalf("zero-value policy not normalized: %+v", b)
	}
}
