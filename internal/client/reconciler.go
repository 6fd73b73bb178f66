package client

import (
	"context"
	"errors"
	"log"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aScriptingOreo/soulmap-sub001/internal/change"
	"github.com/aScriptingOreo/soulmap-sub001/internal/client/store"
	"github.com/aScriptingOreo/soulmap-sub001/internal/location"
	"github.com/aScriptingOreo/soulmap-sub001/internal/signal"
)

// State is the reconciler's connection lifecycle state.
type State string

const (
	// StateDisconnected is the initial state, before Start.
	StateDisconnected State = "disconnected"

	// StateConnecting means a push connection attempt is in flight.
	StateConnecting State = "connecting"

	// StateConnected means the push stream is live.
	StateConnected State = "connected"

	// StateReconnecting means the last attempt failed and the
	// reconciler is waiting out a backoff delay.
	StateReconnecting State = "reconnecting"

	// StateDegraded means the push channel was abandoned after too many
	// consecutive failures; the reconciler relies solely on a periodic
	// pull timer for the rest of the session.
	StateDegraded State = "degraded"
)

// Source supplies the pull endpoints. *API implements it.
type Source interface {
	FetchLocations(ctx context.Context) ([]location.Record, error)
	FetchHash(ctx context.Context) (string, error)
}

// UpdateFunc is called after each completed refresh with the filtered
// records and the diff against the previous snapshot.
type UpdateFunc func(records []location.Record, diff location.Diff)

// ProgressFunc receives coarse progress while a full fetch runs.
type ProgressFunc func(stage string, records int)

// Config holds reconciler configuration.
type Config struct {
	// MaxReconnectAttempts is how many consecutive failed connection
	// attempts are tolerated before the reconciler gives up on the push
	// channel for the session (default: 10).
	MaxReconnectAttempts int

	// InitialBackoff is the delay after the first failed attempt
	// (default: 1s).
	InitialBackoff time.Duration

	// BackoffMultiplier grows the delay per consecutive failure
	// (default: 1.5).
	BackoffMultiplier float64

	// BackoffCap bounds the delay (default: 60s).
	BackoffCap time.Duration

	// PollInterval drives the degraded-mode pull timer (default: 30s).
	PollInterval time.Duration

	// MinRefreshInterval is the coalescing window: a Change signal
	// arriving sooner than this after a completed refresh is dropped
	// (default: 10s).
	MinRefreshInterval time.Duration

	// PingIdleThreshold is how long the reconciler must have been idle
	// before a Ping triggers a fingerprint comparison (default: 5m).
	PingIdleThreshold time.Duration

	// CacheKey is the store key for the cached dataset
	// (default: "locations").
	CacheKey string

	// Offline makes LoadLocations serve the cache without any network
	// call.
	Offline bool

	// OnUpdate is invoked after each refresh. Optional.
	OnUpdate UpdateFunc

	// OnProgress receives full-fetch progress. Optional.
	OnProgress ProgressFunc

	// Logger for reconciler activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxReconnectAttempts: 10,
		InitialBackoff:       time.Second,
		BackoffMultiplier:    1.5,
		BackoffCap:           60 * time.Second,
		PollInterval:         30 * time.Second,
		MinRefreshInterval:   10 * time.Second,
		PingIdleThreshold:    5 * time.Minute,
		CacheKey:             DefaultCacheKey,
		Logger:               log.New(os.Stderr, "[reconciler] ", log.LstdFlags),
	}
}

// Reconciler maintains an eventually-consistent local copy of the dataset
// using push-first delivery with pull-based fallback.
//
// Construct with New, prime with LoadLocations, then Start to begin
// consuming the push channel. Close is idempotent and cancels all pending
// timers and connections.
type Reconciler struct {
	source    Source
	dialer    Dialer
	store     store.Store
	config    *Config
	confirmer *change.Confirmer

	mu          sync.Mutex
	state       State
	lastRefresh time.Time
	lastHashes  map[string]string
	refreshing  bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Reconciler.
func New(source Source, dialer Dialer, st store.Store, config *Config) *Reconciler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[reconciler] ", log.LstdFlags)
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = 10
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.BackoffMultiplier <= 1 {
		config.BackoffMultiplier = 1.5
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = 60 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 30 * time.Second
	}
	if config.MinRefreshInterval <= 0 {
		config.MinRefreshInterval = 10 * time.Second
	}
	if config.PingIdleThreshold <= 0 {
		config.PingIdleThreshold = 5 * time.Minute
	}
	if config.CacheKey == "" {
		config.CacheKey = DefaultCacheKey
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		source:    source,
		dialer:    dialer,
		store:     st,
		config:    config,
		confirmer: change.NewConfirmer(source.FetchHash),
		state:     StateDisconnected,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current connection state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	previous := r.state
	r.state = s
	r.mu.Unlock()

	if previous != s {
		r.config.Logger.Printf("State: %s -> %s", previous, s)
	}
}

// Start begins the push connection lifecycle in the background. In
// offline mode Start is a no-op.
func (r *Reconciler) Start() {
	if r.config.Offline {
		return
	}
	r.wg.Add(1)
	go r.run()
}

// Close tears down the reconciler: the push connection is closed and all
// reconnect timers and poll intervals are cancelled. Close is idempotent.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
	})
	r.wg.Wait()
}

// LoadLocations returns the reconciled dataset for UI consumers.
//
// Offline with a cache entry, the cache is returned with no network call;
// offline without one, ErrNoCache. Online, a fingerprint match against
// the cached hash short-circuits to the cache; otherwise a full fetch
// runs, reporting progress to the configured sink. A full-fetch failure
// with an existing cache returns the cache; without one the error
// propagates.
func (r *Reconciler) LoadLocations(ctx context.Context) ([]location.Record, error) {
	entry := r.loadCacheEntry(ctx)

	if r.config.Offline {
		if entry != nil {
			r.adopt(entry)
			return entry.Records, nil
		}
		return nil, ErrNoCache
	}

	if entry != nil {
		hash, err := r.source.FetchHash(ctx)
		switch {
		case err != nil:
			r.config.Logger.Printf("Fingerprint check failed, falling through to full fetch: %v", err)
		case strings.HasPrefix(hash, "error-"):
			// Server-side hash failure: unknown state, never a match.
			r.config.Logger.Printf("Server reported hash failure %q", hash)
		case hash == entry.ContentHash:
			r.config.Logger.Printf("Cache is current (%s), skipping fetch", hash)
			r.adopt(entry)
			return entry.Records, nil
		}
	}

	records, err := r.fullFetch(ctx)
	if err != nil {
		if entry != nil {
			r.config.Logger.Printf("Full fetch failed, serving cached data: %v", err)
			r.adopt(entry)
			return entry.Records, nil
		}
		return nil, err
	}

	return records, nil
}

// loadCacheEntry reads the cache, treating store failures as a miss.
func (r *Reconciler) loadCacheEntry(ctx context.Context) *CacheEntry {
	entry, err := loadCache(ctx, r.store, r.config.CacheKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.config.Logger.Printf("Cache read failed, treating as miss: %v", err)
		}
		return nil
	}
	return entry
}

// adopt makes a cache entry the reconciler's known-good state.
func (r *Reconciler) adopt(entry *CacheEntry) {
	r.confirmer.SetBaseline(entry.ContentHash)

	// Rebuild per-record hashes so the first refresh can report a diff.
	// Best effort: the diff is observability only.
	if snap, err := location.BuildSnapshot(entry.Records); err == nil {
		r.mu.Lock()
		r.lastHashes = snap.PerRecordHash
		r.mu.Unlock()
	}
}

// fullFetch pulls, hashes, normalizes, filters and persists the dataset.
func (r *Reconciler) fullFetch(ctx context.Context) ([]location.Record, error) {
	r.progress("started", 0)

	records, err := r.source.FetchLocations(ctx)
	if err != nil {
		return nil, err
	}
	r.progress("fetched", len(records))

	// Hash the raw payload so the digest matches the server's.
	snap, err := location.BuildSnapshot(records)
	if err != nil {
		return nil, err
	}

	normalized, dropped := location.NormalizeAll(records)
	if dropped > 0 {
		r.config.Logger.Printf("Dropped %d invalid records", dropped)
	}
	visible := location.FilterVisible(normalized)
	r.progress("normalized", len(visible))

	entry := &CacheEntry{ContentHash: snap.ContentHash, Records: visible}
	if err := saveCache(ctx, r.store, r.config.CacheKey, entry); err != nil {
		// Keep functioning statelessly rather than failing hard.
		r.config.Logger.Printf("Cache write failed: %v", err)
	}
	r.progress("persisted", len(visible))

	r.confirmer.SetBaseline(snap.ContentHash)
	r.mu.Lock()
	r.lastRefresh = time.Now()
	r.lastHashes = snap.PerRecordHash
	r.mu.Unlock()

	return visible, nil
}

func (r *Reconciler) progress(stage string, records int) {
	if r.config.OnProgress != nil {
		r.config.OnProgress(stage, records)
	}
}

// run drives the connection state machine until Close or Degraded.
func (r *Reconciler) run() {
	defer r.wg.Done()

	attempt := 0
	for {
		if r.ctx.Err() != nil {
			r.setState(StateDisconnected)
			return
		}

		r.setState(StateConnecting)
		conn, err := r.dialer.Dial(r.ctx)
		if err != nil {
			attempt++
			if attempt > r.config.MaxReconnectAttempts {
				r.config.Logger.Printf("Giving up on push channel after %d attempts", attempt)
				r.setState(StateDegraded)
				r.runDegraded()
				return
			}

			delay := backoffDelay(r.config.InitialBackoff, r.config.BackoffMultiplier, r.config.BackoffCap, attempt)
			r.config.Logger.Printf("Connect attempt %d failed, retrying in %s: %v", attempt, delay, err)
			r.setState(StateReconnecting)
			if !r.sleep(delay) {
				r.setState(StateDisconnected)
				return
			}
			continue
		}

		attempt = 0
		r.setState(StateConnected)
		r.consume(conn)
		_ = conn.Close()

		if r.ctx.Err() != nil {
			r.setState(StateDisconnected)
			return
		}

		attempt++
		delay := backoffDelay(r.config.InitialBackoff, r.config.BackoffMultiplier, r.config.BackoffCap, attempt)
		r.config.Logger.Printf("Push connection lost, reconnecting in %s", delay)
		r.setState(StateReconnecting)
		if !r.sleep(delay) {
			r.setState(StateDisconnected)
			return
		}
	}
}

// consume reads signals until the connection dies.
func (r *Reconciler) consume(conn PushConn) {
	for {
		sig, err := conn.Receive(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				r.config.Logger.Printf("Push stream error: %v", err)
			}
			return
		}

		switch sig.Kind {
		case signal.KindConnected:
			r.config.Logger.Println("Push channel established")
		case signal.KindChange:
			r.onChange()
		case signal.KindPing:
			r.onPing()
		}
	}
}

// onChange starts a refresh unless one is in flight or the coalescing
// window has not elapsed.
func (r *Reconciler) onChange() {
	r.mu.Lock()
	if !r.lastRefresh.IsZero() && time.Since(r.lastRefresh) < r.config.MinRefreshInterval {
		r.mu.Unlock()
		r.config.Logger.Println("Change signal coalesced, refresh too recent")
		return
	}
	if r.refreshing {
		r.mu.Unlock()
		r.config.Logger.Println("Change signal dropped, refresh in flight")
		return
	}
	r.refreshing = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			r.refreshing = false
			r.mu.Unlock()
		}()
		r.refresh()
	}()
}

// refresh replaces the cache wholesale with a fresh fetch. A fetch
// failure keeps the existing cache; nothing is surfaced to consumers.
func (r *Reconciler) refresh() {
	r.mu.Lock()
	previous := r.lastHashes
	r.mu.Unlock()

	visible, err := r.fullFetch(r.ctx)
	if err != nil {
		if r.ctx.Err() == nil {
			r.config.Logger.Printf("Refresh failed, keeping cached data: %v", err)
		}
		return
	}

	r.mu.Lock()
	current := r.lastHashes
	r.mu.Unlock()

	diff := (&location.Snapshot{PerRecordHash: current}).DiffAgainst(previous)
	if !diff.Empty() {
		r.config.Logger.Printf("Dataset updated: %d added, %d removed, %d modified",
			len(diff.Added), len(diff.Removed), len(diff.Modified))
	}

	if r.config.OnUpdate != nil {
		r.config.OnUpdate(visible, diff)
	}
}

// onPing checks for a silently dead push path: if the reconciler has been
// idle past the threshold, the server fingerprint is compared to the
// cached hash with the same double-read confirmation as the server's poll
// loop.
func (r *Reconciler) onPing() {
	r.mu.Lock()
	idle := time.Since(r.lastRefresh)
	r.mu.Unlock()

	if idle <= r.config.PingIdleThreshold {
		return
	}

	confirmed, err := r.confirmer.Check(r.ctx)
	if err != nil {
		if errors.Is(err, change.ErrUnavailable) {
			r.config.Logger.Println("Fingerprint unavailable, state unknown")
		} else if r.ctx.Err() == nil {
			r.config.Logger.Printf("Idle fingerprint check failed: %v", err)
		}
		return
	}

	if confirmed {
		r.config.Logger.Println("Idle check confirmed drift, refreshing")
		r.onChange()
	}
}

// runDegraded polls the fingerprint on a fixed interval for the rest of
// the session. The push channel is not retried.
func (r *Reconciler) runDegraded() {
	r.config.Logger.Printf("Degraded mode: polling every %s", r.config.PollInterval)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.setState(StateDisconnected)
			return

		case <-ticker.C:
			confirmed, err := r.confirmer.Check(r.ctx)
			if err != nil {
				if r.ctx.Err() == nil {
					r.config.Logger.Printf("Degraded poll failed: %v", err)
				}
				continue
			}
			if confirmed {
				r.onChange()
			}
		}
	}
}

// sleep waits for d or until Close. Returns false if closed.
func (r *Reconciler) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-r.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoffDelay computes min(initial * multiplier^(attempt-1), cap).
func backoffDelay(initial time.Duration, multiplier float64, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(cap) {
		return cap
	}
	return time.Duration(delay)
}
