package hub

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/aScriptingOreo/soulmap-sub001/internal/signal"
)

// fakeSubscriber records delivered signals and can be made to fail.
type fakeSubscriber struct {
	mu       sync.Mutex
	received []signal.Signal
	fail     bool
}

func (f *fakeSubscriber) Send(ctx context.Context, sig signal.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("write failed")
	}
	f.received = append(f.received, sig)
	return nil
}

func (f *fakeSubscriber) signals() []signal.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]signal.Signal, len(f.received))
	copy(out, f.received)
	return out
}

func (f *fakeSubscriber) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	return cfg
}

// TestRegisterSendsConnected verifies a new subscriber is greeted with a
// Connected signal, and only that subscriber receives it.
func TestRegisterSendsConnected(t *testing.T) {
	h := New(quietConfig())

	first := &fakeSubscriber{}
	h.Register(first)

	second := &fakeSubscriber{}
	h.Register(second)

	got := second.signals()
	if len(got) != 1 || got[0].Kind != signal.KindConnected {
		t.Fatalf("second subscriber received %v, want one Connected", got)
	}
	if len(first.signals()) != 1 {
		t.Errorf("first subscriber received %d signals, want its greeting only", len(first.signals()))
	}
}

// TestPublishFanOut verifies every registered subscriber receives each
// published signal exactly once.
func TestPublishFanOut(t *testing.T) {
	h := New(quietConfig())

	subs := make([]*fakeSubscriber, 3)
	for i := range subs {
		subs[i] = &fakeSubscriber{}
		h.Register(subs[i])
	}

	h.Publish(signal.Change(signal.OriginListen))
	h.Publish(signal.Ping(signal.OriginPoll))

	for i, sub := range subs {
		got := sub.signals()
		// Greeting plus two published signals.
		if len(got) != 3 {
			t.Fatalf("subscriber %d received %d signals, want 3", i, len(got))
		}
		if got[1].Kind != signal.KindChange || got[2].Kind != signal.KindPing {
			t.Errorf("subscriber %d received %v", i, got)
		}
	}
}

// TestPublishEvictsFailedWriter verifies a subscriber whose write fails is
// unregistered within the same Publish call.
func TestPublishEvictsFailedWriter(t *testing.T) {
	h := New(quietConfig())

	healthy := &fakeSubscriber{}
	broken := &fakeSubscriber{}
	h.Register(healthy)
	h.Register(broken)
	broken.setFail(true)

	h.Publish(signal.Change(signal.OriginManual))

	if h.Count() != 1 {
		t.Fatalf("Count() = %d after failed write, want 1", h.Count())
	}

	// The broken subscriber must not receive later publishes.
	h.Publish(signal.Change(signal.OriginManual))
	if got := broken.signals(); len(got) != 1 {
		t.Errorf("evicted subscriber received %d signals, want its greeting only", len(got))
	}
	if got := healthy.signals(); len(got) != 3 {
		t.Errorf("healthy subscriber received %d signals, want 3", len(got))
	}
}

// TestUnregisterIdempotent verifies unregistering twice is harmless.
func TestUnregisterIdempotent(t *testing.T) {
	h := New(quietConfig())

	sub := &fakeSubscriber{}
	reg := h.Register(sub)

	h.Unregister(reg)
	h.Unregister(reg)

	if h.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.Count())
	}
}

// TestRegisterBeyondSoftCap verifies registrations above the soft cap are
// accepted, never rejected.
func TestRegisterBeyondSoftCap(t *testing.T) {
	cfg := quietConfig()
	cfg.SoftCap = 2
	h := New(cfg)

	for i := 0; i < 5; i++ {
		h.Register(&fakeSubscriber{})
	}

	if h.Count() != 5 {
		t.Errorf("Count() = %d, want 5", h.Count())
	}
}

// TestConcurrentPublishAndRegister exercises the registry under
// concurrent publish, register and unregister.
func TestConcurrentPublishAndRegister(t *testing.T) {
	h := New(quietConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg := h.Register(&fakeSubscriber{})
			h.Unregister(reg)
		}()
		go func() {
			defer wg.Done()
			h.Publish(signal.Change(signal.OriginPoll))
		}()
	}
	wg.Wait()

	if h.Count() != 0 {
		t.Errorf("Count() = %d after churn, want 0", h.Count())
	}
}
