package bridge

import (
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

// PQListener adapts lib/pq's LISTEN/NOTIFY support to the ChannelListener
// interface the bridge consumes.
type PQListener struct {
	listener *pq.Listener
	events   chan struct{}
	done     chan struct{}
	logger   *log.Logger
}

// NewPQListener creates a listener over the given Postgres DSN. The
// underlying connection is not established until Listen is called, so
// construction never fails; connectivity problems surface as a Listen
// error and activate the bridge's poll fallback.
func NewPQListener(dsn string, logger *log.Logger) *PQListener {
	p := &PQListener{
		events: make(chan struct{}, 16),
		done:   make(chan struct{}),
		logger: logger,
	}

	p.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil && p.logger != nil {
			p.logger.Printf("Listener event %d: %v", ev, err)
		}
	})

	return p
}

// Listen subscribes to the named notification channel and starts the
// event pump.
func (p *PQListener) Listen(channel string) error {
	if err := p.listener.Listen(channel); err != nil {
		return fmt.Errorf("failed to listen on channel %q: %w", channel, err)
	}

	go p.pump()
	return nil
}

// Events returns the channel carrying one value per native notification.
func (p *PQListener) Events() <-chan struct{} {
	return p.events
}

// Close tears down the subscription and closes the events channel.
func (p *PQListener) Close() error {
	close(p.done)
	if err := p.listener.Close(); err != nil {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}

// pump converts pq notifications into events. lib/pq delivers a nil
// notification after an automatic reconnect; notifications may have been
// dropped while disconnected, so a reconnect is forwarded as a potential
// change too.
func (p *PQListener) pump() {
	defer close(p.events)

	for {
		select {
		case <-p.done:
			return

		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			if n == nil && p.logger != nil {
				p.logger.Println("Listener reconnected, treating as potential change")
			}

			select {
			case p.events <- struct{}{}:
			case <-p.done:
				return
			}
		}
	}
}
