// Package hub fans out change signals to all connected push subscribers.
//
// The hub decouples the notification bridge from per-connection I/O: the
// bridge calls Publish once per signal, and the hub owns the registry of
// live subscribers, evicting any subscriber whose write fails as part of
// the same publish call. Registrations are removed on disconnect or write
// failure, never on a timer.
package hub

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aScriptingOreo/soulmap-sub001/internal/signal"
)

// Subscriber receives signals from the hub. A Send that returns an error
// causes the subscriber to be unregistered.
type Subscriber interface {
	Send(ctx context.Context, sig signal.Signal) error
}

// Registration is the handle for one active push subscriber. It is owned
// exclusively by the hub: created on Register, destroyed on Unregister or
// on a failed write.
type Registration struct {
	sub Subscriber
}

// Config holds hub configuration.
type Config struct {
	// SoftCap is the subscriber count above which registrations are
	// logged as over capacity. Registrations are never rejected.
	SoftCap int

	// SendTimeout bounds each per-subscriber write.
	SendTimeout time.Duration

	// Logger for hub activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SoftCap:     100,
		SendTimeout: 5 * time.Second,
		Logger:      log.New(os.Stderr, "[hub] ", log.LstdFlags),
	}
}

// Hub is the connection registry and fan-out point. Publish may be invoked
// concurrently by the listen callback, the poll timer, and manual triggers.
type Hub struct {
	config *Config

	mu   sync.RWMutex
	subs map[*Registration]Subscriber
}

// New creates a Hub.
func New(config *Config) *Hub {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[hub] ", log.LstdFlags)
	}
	if config.SoftCap <= 0 {
		config.SoftCap = 100
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 5 * time.Second
	}
	return &Hub{
		config: config,
		subs:   make(map[*Registration]Subscriber),
	}
}

// Register adds a subscriber to the active set and immediately sends it a
// Connected signal. The returned handle is passed to Unregister when the
// connection closes.
func (h *Hub) Register(sub Subscriber) *Registration {
	reg := &Registration{sub: sub}

	h.mu.Lock()
	h.subs[reg] = sub
	count := len(h.subs)
	h.mu.Unlock()

	if count > h.config.SoftCap {
		h.config.Logger.Printf("Warning: %d subscribers exceeds soft cap of %d", count, h.config.SoftCap)
	} else {
		h.config.Logger.Printf("Subscriber registered (total: %d)", count)
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.SendTimeout)
	defer cancel()
	if err := sub.Send(ctx, signal.Connected()); err != nil {
		h.config.Logger.Printf("Failed to greet subscriber: %v", err)
		h.Unregister(reg)
		return reg
	}

	return reg
}

// Unregister removes a subscriber. It is idempotent and safe to call from
// connection teardown paths and from Publish eviction concurrently.
func (h *Hub) Unregister(reg *Registration) {
	h.mu.Lock()
	_, exists := h.subs[reg]
	if exists {
		delete(h.subs, reg)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if exists {
		h.config.Logger.Printf("Subscriber unregistered (total: %d)", count)
	}
}

// Publish delivers the signal to every currently registered subscriber.
// Subscribers whose write fails are unregistered before Publish returns.
func (h *Hub) Publish(sig signal.Signal) {
	h.mu.RLock()
	targets := make(map[*Registration]Subscriber, len(h.subs))
	for reg, sub := range h.subs {
		targets[reg] = sub
	}
	h.mu.RUnlock()

	// Writes happen outside the registry lock so one slow subscriber
	// cannot block register/unregister.
	for reg, sub := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), h.config.SendTimeout)
		err := sub.Send(ctx, sig)
		cancel()

		if err != nil {
			h.config.Logger.Printf("Failed to send %s signal, dropping subscriber: %v", sig.Kind, err)
			h.Unregister(reg)
		}
	}
}

// Count returns the current number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
