// Package signal defines the change signals exchanged between the server
// notification pipeline and push subscribers.
//
// A signal never carries data — only the fact that something happened. The
// dataset itself always travels over the pull endpoints, so a lost or
// duplicated signal is harmless: consumers reconcile against the server's
// fingerprint rather than trusting signal delivery.
package signal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the variant of a Signal.
type Kind string

const (
	// KindConnected is sent once to a subscriber immediately after it
	// registers with the broadcast hub.
	KindConnected Kind = "connected"

	// KindChange indicates the dataset changed and subscribers should
	// consider refreshing.
	KindChange Kind = "change"

	// KindPing is a liveness heartbeat. It never implies a data change.
	KindPing Kind = "ping"
)

// Origin tags where a signal came from, for observability only.
const (
	// OriginListen marks signals translated from the database's native
	// notification channel.
	OriginListen = "listen"

	// OriginPoll marks signals produced by the fingerprint poll loop.
	OriginPoll = "poll"

	// OriginManual marks signals forced by an external writer via Notify.
	OriginManual = "manual"
)

// Signal is one ephemeral change notification. Signals are never persisted.
type Signal struct {
	Kind      Kind      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin,omitempty"`
}

// Connected returns a Connected signal stamped with the current time.
func Connected() Signal {
	return Signal{Kind: KindConnected, Timestamp: time.Now()}
}

// Change returns a Change signal with the given origin tag.
func Change(origin string) Signal {
	return Signal{Kind: KindChange, Timestamp: time.Now(), Origin: origin}
}

// Ping returns a Ping signal with the given origin tag.
func Ping(origin string) Signal {
	return Signal{Kind: KindPing, Timestamp: time.Now(), Origin: origin}
}

// Encode serializes the signal to its wire form, one JSON object per signal.
func (s Signal) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signal: %w", err)
	}
	return data, nil
}

// Decode parses a wire-form signal. Unknown kinds are rejected so that a
// confused peer cannot inject arbitrary variants.
func Decode(data []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, fmt.Errorf("failed to decode signal: %w", err)
	}
	switch s.Kind {
	case KindConnected, KindChange, KindPing:
		return s, nil
	default:
		return Signal{}, fmt.Errorf("unknown signal type %q", s.Kind)
	}
}
