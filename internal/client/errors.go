package client

import "errors"

// Error taxonomy for the reconciler.
//
// These can be checked with errors.Is():
//
//	if errors.Is(err, client.ErrNoCache) {
//	    // offline with nothing cached — surface to the caller
//	}
var (
	// ErrTransport is returned when the push connection drops or is
	// refused. It is always recovered locally via reconnect/backoff or
	// the poll fallback, never surfaced as a fatal error.
	ErrTransport = errors.New("push transport failed")

	// ErrFetch is returned when a pull request fails or returns a
	// non-success status. During a refresh it is recovered by serving
	// the stale cache when one exists.
	ErrFetch = errors.New("dataset fetch failed")

	// ErrStore is returned when the persistent cache cannot be read or
	// written. It is logged and treated as a cache miss; the reconciler
	// keeps functioning statelessly.
	ErrStore = errors.New("cache storage failed")

	// ErrNoCache is returned when data is requested offline (or every
	// fetch path failed) and no cached dataset exists.
	ErrNoCache = errors.New("no cached dataset available")
)
