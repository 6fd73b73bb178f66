// Package change implements the confirmed-change predicate shared by the
// server's fingerprint poll loop and the client's ping-driven liveness
// check.
//
// Both paths follow the same discipline: a fingerprint that diverges from
// the known baseline is never acted on by itself. The fingerprint is read a
// second time, and only when both reads agree with each other and differ
// from the baseline is the change confirmed and the baseline advanced. A
// single inconsistent observation — a writer caught mid-transaction, a
// flaky read — therefore cannot trigger a refresh.
package change

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnavailable is returned by Check when the fingerprint source reports
// a server-side failure (an "error-"-prefixed value). Such values are never
// equal to any prior value and never confirm or suppress a change.
//
// Callers should check with errors.Is:
//
//	if errors.Is(err, change.ErrUnavailable) {
//	    // count the failure, keep the baseline
//	}
var ErrUnavailable = errors.New("fingerprint unavailable")

// errorPrefix marks a fingerprint the server computed under failure.
const errorPrefix = "error-"

// ReadFunc reads the current fingerprint from the underlying source: an
// O(1) database query on the server, the hash endpoint on the client.
type ReadFunc func(ctx context.Context) (string, error)

// Confirmer holds the last confirmed fingerprint baseline and applies the
// double-read confirmation discipline. It is safe for concurrent use.
//
// The zero baseline means "unknown": the first stable read seeds the
// baseline without reporting a change, so a process restart never fires a
// spurious refresh.
type Confirmer struct {
	mu       sync.Mutex
	read     ReadFunc
	baseline string
}

// NewConfirmer creates a Confirmer over the given fingerprint source.
func NewConfirmer(read ReadFunc) *Confirmer {
	return &Confirmer{read: read}
}

// Check reads the fingerprint and reports whether a confirmed change
// occurred since the last baseline.
//
// On a mismatch the source is read a second time within the same call;
// the change is confirmed only if both reads agree. An unstable pair of
// reads leaves the baseline untouched and reports no change.
func (c *Confirmer) Check(ctx context.Context) (bool, error) {
	first, err := c.readOne(ctx)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	baseline := c.baseline
	c.mu.Unlock()

	if baseline == "" {
		c.SetBaseline(first)
		return false, nil
	}
	if first == baseline {
		return false, nil
	}

	second, err := c.readOne(ctx)
	if err != nil {
		return false, err
	}
	if second != first {
		// Caught a writer mid-flight; next tick gets a clean look.
		return false, nil
	}

	c.SetBaseline(second)
	return true, nil
}

// readOne performs a single read and applies the error-prefix rule.
func (c *Confirmer) readOne(ctx context.Context) (string, error) {
	value, err := c.read(ctx)
	if err != nil {
		return "", fmt.Errorf("fingerprint read failed: %w", err)
	}
	if strings.HasPrefix(value, errorPrefix) {
		return "", fmt.Errorf("%w: server reported %q", ErrUnavailable, value)
	}
	return value, nil
}

// Baseline returns the last confirmed fingerprint, or "" if unknown.
func (c *Confirmer) Baseline() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseline
}

// SetBaseline replaces the baseline, typically after a completed refresh
// whose content hash is now the known-good state.
func (c *Confirmer) SetBaseline(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseline = value
}

// Reset forgets the baseline so detection starts over from "unknown".
// The bridge calls this after repeated poll failures so one noisy read
// cannot permanently desynchronize detection.
func (c *Confirmer) Reset() {
	c.SetBaseline("")
}
