// Package bridge translates low-level database change events into broadcast
// signals.
//
// The bridge prefers the database's native pub/sub channel (Postgres
// LISTEN/NOTIFY): every native event becomes one Change signal. When the
// channel cannot be established the bridge degrades to a fixed-interval
// poll loop over a cheap fingerprint query, applying a double-read
// confirmation before emitting Change so that a writer observed
// mid-transaction cannot cause a refresh storm. External writers can force
// an immediate broadcast with Notify regardless of mode.
package bridge

import (
	"context"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/aScriptingOreo/soulmap-sub001/internal/change"
	"github.com/aScriptingOreo/soulmap-sub001/internal/signal"
)

// Mode identifies how the bridge is currently detecting changes.
type Mode string

const (
	// ModeListen means the native notification channel is active.
	ModeListen Mode = "listen"

	// ModePoll means the bridge fell back to fingerprint polling.
	ModePoll Mode = "poll"
)

// Publisher receives the signals the bridge produces. The broadcast hub
// satisfies this.
type Publisher interface {
	Publish(sig signal.Signal)
}

// Fingerprinter reads a cheap fingerprint of the dataset state, such as
// the id and timestamp of the most recently modified record. It must be
// O(1) with respect to dataset size.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// ChannelListener is the native pub/sub subscription. Implemented by
// PQListener over lib/pq; faked in tests.
type ChannelListener interface {
	// Listen subscribes to the named channel. An error here activates
	// the poll fallback.
	Listen(channel string) error

	// Events delivers one value per native notification. The channel
	// closing indicates the subscription died.
	Events() <-chan struct{}

	// Close tears down the subscription.
	Close() error
}

// Config holds bridge configuration.
type Config struct {
	// PollInterval is the fallback polling frequency (default: 30s).
	PollInterval time.Duration

	// PingProbability is the chance per idle poll tick of emitting a
	// liveness Ping (default: 0.3).
	PingProbability float64

	// FailureResetThreshold is the number of consecutive poll-read
	// failures after which the fingerprint baseline is reset to unknown
	// (default: 3).
	FailureResetThreshold int

	// Logger for bridge activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:          30 * time.Second,
		PingProbability:       0.3,
		FailureResetThreshold: 3,
		Logger:                log.New(os.Stderr, "[bridge] ", log.LstdFlags),
	}
}

// Bridge owns change detection for one process. Construct with New, start
// with Start, and stop by cancelling the context passed to Start.
type Bridge struct {
	publisher   Publisher
	listener    ChannelListener
	confirmer   *change.Confirmer
	config      *Config
	randomFloat func() float64

	mu       sync.Mutex
	mode     Mode
	failures int

	wg sync.WaitGroup
}

// New creates a Bridge. The listener may be nil, in which case the bridge
// goes straight to poll mode on Start.
func New(publisher Publisher, fp Fingerprinter, listener ChannelListener, config *Config) *Bridge {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[bridge] ", log.LstdFlags)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 30 * time.Second
	}
	if config.FailureResetThreshold <= 0 {
		config.FailureResetThreshold = 3
	}

	return &Bridge{
		publisher:   publisher,
		listener:    listener,
		confirmer:   change.NewConfirmer(fp.Fingerprint),
		config:      config,
		randomFloat: rand.Float64,
		mode:        ModePoll,
	}
}

// Start attempts the native channel subscription and falls back to polling
// on any subscription error. It returns once the chosen mode is running;
// cancel ctx to stop. Subscription errors are not fatal.
func (b *Bridge) Start(ctx context.Context, channelName string) error {
	if b.listener != nil {
		if err := b.listener.Listen(channelName); err != nil {
			b.config.Logger.Printf("Native channel unavailable, falling back to polling: %v", err)
		} else {
			b.setMode(ModeListen)
			b.config.Logger.Printf("Listening on channel %q", channelName)
			b.wg.Add(1)
			go b.listenLoop(ctx)
			return nil
		}
	}

	b.startPolling(ctx)
	return nil
}

// Stop waits for the bridge's goroutines to exit. Call after cancelling
// the Start context.
func (b *Bridge) Stop() {
	if b.listener != nil {
		if err := b.listener.Close(); err != nil {
			b.config.Logger.Printf("Error closing listener: %v", err)
		}
	}
	b.wg.Wait()
}

// Notify forces an immediate Change broadcast without waiting for the
// channel or the poll cycle. External write paths call this after commit.
func (b *Bridge) Notify() {
	b.publisher.Publish(signal.Change(signal.OriginManual))
}

// Mode returns the current detection mode.
func (b *Bridge) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

func (b *Bridge) setMode(m Mode) {
	b.mu.Lock()
	b.mode = m
	b.mu.Unlock()
}

func (b *Bridge) startPolling(ctx context.Context) {
	b.setMode(ModePoll)
	b.config.Logger.Printf("Polling fingerprint every %s", b.config.PollInterval)
	b.wg.Add(1)
	go b.pollLoop(ctx)
}

// listenLoop translates native events 1:1 into Change signals. If the
// subscription dies the bridge switches to the poll fallback.
func (b *Bridge) listenLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-b.listener.Events():
			if !ok {
				b.config.Logger.Println("Native channel closed, falling back to polling")
				b.startPolling(ctx)
				return
			}
			b.publisher.Publish(signal.Change(signal.OriginListen))
		}
	}
}

// pollLoop checks the fingerprint on a fixed interval and emits Change
// only on confirmed divergence. Idle ticks emit a Ping at low probability
// as a liveness heartbeat.
func (b *Bridge) pollLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			b.pollOnce(ctx)
		}
	}
}

// pollOnce runs a single poll tick.
func (b *Bridge) pollOnce(ctx context.Context) {
	confirmed, err := b.confirmer.Check(ctx)
	if err != nil {
		b.mu.Lock()
		b.failures++
		failures := b.failures
		b.mu.Unlock()

		b.config.Logger.Printf("Fingerprint poll failed (%d consecutive): %v", failures, err)

		if failures >= b.config.FailureResetThreshold {
			b.config.Logger.Println("Resetting fingerprint baseline after repeated failures")
			b.confirmer.Reset()
			b.mu.Lock()
			b.failures = 0
			b.mu.Unlock()
		}
		return
	}

	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()

	if confirmed {
		b.config.Logger.Println("Confirmed fingerprint change, broadcasting")
		b.publisher.Publish(signal.Change(signal.OriginPoll))
		return
	}

	if b.randomFloat() < b.config.PingProbability {
		b.publisher.Publish(signal.Ping(signal.OriginPoll))
	}
}
