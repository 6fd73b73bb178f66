package bridge

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/aScriptingOreo/soulmap-sub001/internal/signal"
)

// fakePublisher records published signals.
type fakePublisher struct {
	mu      sync.Mutex
	signals []signal.Signal
}

func (f *fakePublisher) Publish(sig signal.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
}

func (f *fakePublisher) published() []signal.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]signal.Signal, len(f.signals))
	copy(out, f.signals)
	return out
}

func (f *fakePublisher) countKind(kind signal.Kind) int {
	n := 0
	for _, sig := range f.published() {
		if sig.Kind == kind {
			n++
		}
	}
	return n
}

// fakeFingerprinter serves fingerprints from a scripted sequence,
// repeating the final entry. An entry of "FAIL" yields an error.
type fakeFingerprinter struct {
	mu     sync.Mutex
	values []string
	reads  int
}

func (f *fakeFingerprinter) Fingerprint(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.reads
	if i >= len(f.values) {
		i = len(f.values) - 1
	}
	f.reads++
	if f.values[i] == "FAIL" {
		return "", fmt.Errorf("query failed")
	}
	return f.values[i], nil
}

// fakeListener feeds scripted native events.
type fakeListener struct {
	listenErr error
	events    chan struct{}
	closeOnce sync.Once
}

func newFakeListener(listenErr error) *fakeListener {
	return &fakeListener{listenErr: listenErr, events: make(chan struct{}, 8)}
}

func (f *fakeListener) Listen(channel string) error { return f.listenErr }
func (f *fakeListener) Events() <-chan struct{}     { return f.events }
func (f *fakeListener) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestListenModeTranslatesEvents verifies each native event becomes
// exactly one Change signal.
func TestListenModeTranslatesEvents(t *testing.T) {
	pub := &fakePublisher{}
	fp := &fakeFingerprinter{values: []string{"a1"}}
	listener := newFakeListener(nil)

	b := New(pub, fp, listener, quietConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx, "locations_changed"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if b.Mode() != ModeListen {
		t.Fatalf("Mode = %s, want listen", b.Mode())
	}

	listener.events <- struct{}{}
	listener.events <- struct{}{}

	waitFor(t, time.Second, func() bool { return pub.countKind(signal.KindChange) == 2 })
	cancel()
	b.Stop()

	for _, sig := range pub.published() {
		if sig.Origin != signal.OriginListen {
			t.Errorf("signal origin = %q, want listen", sig.Origin)
		}
	}
}

// TestFallbackOnListenError verifies a subscription error activates poll
// mode instead of failing.
func TestFallbackOnListenError(t *testing.T) {
	pub := &fakePublisher{}
	fp := &fakeFingerprinter{values: []string{"a1"}}
	listener := newFakeListener(fmt.Errorf("pool exhausted"))

	cfg := quietConfig()
	cfg.PollInterval = time.Hour // keep the loop quiet during the test
	b := New(pub, fp, listener, cfg)

	ctx, cancel := context.WithCancel(context.Background())

	if err := b.Start(ctx, "locations_changed"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if b.Mode() != ModePoll {
		t.Errorf("Mode = %s, want poll", b.Mode())
	}

	cancel()
	b.Stop()
}

// TestPollDebounce walks the canonical fingerprint sequence
// a1, a1, b2, b2: exactly one Change fires, on the tick whose mismatch is
// reconfirmed.
func TestPollDebounce(t *testing.T) {
	pub := &fakePublisher{}
	fp := &fakeFingerprinter{values: []string{"a1", "a1", "b2", "b2"}}

	cfg := quietConfig()
	cfg.PingProbability = 0 // no ping noise
	b := New(pub, fp, nil, cfg)

	ctx := context.Background()
	b.pollOnce(ctx) // seeds baseline a1
	b.pollOnce(ctx) // a1 steady
	b.pollOnce(ctx) // b2 observed and reconfirmed

	if got := pub.countKind(signal.KindChange); got != 1 {
		t.Fatalf("published %d Change signals, want exactly 1", got)
	}
	if pub.published()[0].Origin != signal.OriginPoll {
		t.Errorf("origin = %q, want poll", pub.published()[0].Origin)
	}

	// Steady state stays quiet.
	b.pollOnce(ctx)
	if got := pub.countKind(signal.KindChange); got != 1 {
		t.Errorf("steady state published more changes: %d", got)
	}
}

// TestPollUnconfirmedDivergence verifies a divergence seen once but not
// reconfirmed publishes nothing.
func TestPollUnconfirmedDivergence(t *testing.T) {
	pub := &fakePublisher{}
	fp := &fakeFingerprinter{values: []string{"a1", "b2", "c3", "a1"}}

	cfg := quietConfig()
	cfg.PingProbability = 0
	b := New(pub, fp, nil, cfg)

	ctx := context.Background()
	b.pollOnce(ctx) // seeds a1
	b.pollOnce(ctx) // b2 then c3: unstable, no change

	if got := pub.countKind(signal.KindChange); got != 0 {
		t.Errorf("published %d Change signals, want 0", got)
	}
}

// TestPollFailureResetsBaseline verifies three consecutive poll failures
// reset the baseline so detection restarts from unknown.
func TestPollFailureResetsBaseline(t *testing.T) {
	pub := &fakePublisher{}
	fp := &fakeFingerprinter{values: []string{"a1", "FAIL", "FAIL", "FAIL", "b2", "b2"}}

	cfg := quietConfig()
	cfg.PingProbability = 0
	b := New(pub, fp, nil, cfg)

	ctx := context.Background()
	b.pollOnce(ctx) // seeds a1
	b.pollOnce(ctx) // failure 1
	b.pollOnce(ctx) // failure 2
	b.pollOnce(ctx) // failure 3 -> baseline reset

	if got := b.confirmer.Baseline(); got != "" {
		t.Fatalf("baseline = %q after reset, want unknown", got)
	}

	// b2 now seeds the fresh baseline instead of firing a change.
	b.pollOnce(ctx)
	if got := pub.countKind(signal.KindChange); got != 0 {
		t.Errorf("published %d Change signals after reset, want 0", got)
	}
}

// TestPollPingProbability verifies idle ticks ping when the coin always
// lands and stay silent when it never does.
func TestPollPingProbability(t *testing.T) {
	pub := &fakePublisher{}
	fp := &fakeFingerprinter{values: []string{"a1"}}

	cfg := quietConfig()
	b := New(pub, fp, nil, cfg)
	b.randomFloat = func() float64 { return 0 } // always below threshold

	ctx := context.Background()
	b.pollOnce(ctx) // seed
	b.pollOnce(ctx) // idle -> ping
	b.pollOnce(ctx) // idle -> ping

	if got := pub.countKind(signal.KindPing); got != 2 {
		t.Errorf("published %d pings with guaranteed coin, want 2", got)
	}

	b.randomFloat = func() float64 { return 1 } // never below threshold
	b.pollOnce(ctx)
	if got := pub.countKind(signal.KindPing); got != 2 {
		t.Errorf("ping fired despite losing coin flip")
	}
}

// TestNotifyPublishesImmediately verifies the manual trigger bypasses the
// channel and poll cycle.
func TestNotifyPublishesImmediately(t *testing.T) {
	pub := &fakePublisher{}
	fp := &fakeFingerprinter{values: []string{"a1"}}
	b := New(pub, fp, nil, quietConfig())

	b.Notify()

	got := pub.published()
	if len(got) != 1 || got[0].Kind != signal.KindChange {
		t.Fatalf("published %v, want one Change", got)
	}
	if got[0].Origin != signal.OriginManual {
		t.Errorf("origin = %q, want manual", got[0].Origin)
	}
}
