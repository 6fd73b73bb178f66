// Package client keeps a durable local copy of the location dataset
// consistent with the server.
//
// Delivery is push-first: the reconciler holds a long-lived push
// connection and refreshes on Change signals, degrading to pull-based
// polling when the push channel cannot be sustained. The dataset itself
// always travels over the pull endpoints, so the push channel only ever
// carries "something changed".
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aScriptingOreo/soulmap-sub001/internal/location"
)

// API is the HTTP client for the server's pull endpoints.
type API struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPI creates an API client for the server at baseURL. A nil
// httpClient gets a default with a 30s timeout.
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// PushURL returns the push stream endpoint.
func (a *API) PushURL() string {
	return a.baseURL + "/ws"
}

// FetchLocations pulls the complete raw dataset.
func (a *API) FetchLocations(ctx context.Context) ([]location.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/locations", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: server returned %s", ErrFetch, resp.Status)
	}

	var records []location.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: invalid payload: %v", ErrFetch, err)
	}

	return records, nil
}

// FetchHash pulls the server's dataset fingerprint. The returned value
// may carry the "error-" prefix, which callers must treat as never equal
// to any other value.
func (a *API) FetchHash(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/locations/hash", nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: server returned %s", ErrFetch, resp.Status)
	}

	var payload struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: invalid payload: %v", ErrFetch, err)
	}
	if payload.Hash == "" {
		return "", fmt.Errorf("%w: empty hash", ErrFetch)
	}

	return payload.Hash, nil
}
