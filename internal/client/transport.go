package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/aScriptingOreo/soulmap-sub001/internal/signal"
)

// PushConn is one established push stream. Receive blocks until the next
// signal arrives, the stream dies, or ctx is cancelled.
type PushConn interface {
	Receive(ctx context.Context) (signal.Signal, error)
	Close() error
}

// Dialer establishes push connections. Faked in tests.
type Dialer interface {
	Dial(ctx context.Context) (PushConn, error)
}

// wsDialer dials the server's WebSocket push endpoint.
type wsDialer struct {
	url        string
	httpClient *http.Client
}

// NewPushDialer creates a Dialer for the push endpoint at url.
func NewPushDialer(url string, httpClient *http.Client) Dialer {
	return &wsDialer{url: url, httpClient: httpClient}
}

// Dial implements Dialer.
func (d *wsDialer) Dial(ctx context.Context) (PushConn, error) {
	conn, _, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{
		HTTPClient: d.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a WebSocket connection to PushConn.
type wsConn struct {
	conn *websocket.Conn
}

// Receive implements PushConn.Receive.
func (w *wsConn) Receive(ctx context.Context) (signal.Signal, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	sig, err := signal.Decode(data)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return sig, nil
}

// Close implements PushConn.Close.
func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
