// Package relay maintains the websocket connections one endpoint holds to
// its configured relays. Each endpoint owns its own Pool; the pool
// reconnects with backoff, deduplicates events seen on more than one relay,
// and fans published events out to every live connection.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// ErrNoRelays is returned by Publish when no relay accepted the event.
var ErrNoRelays = errors.New("no relay accepted the event")

// Reconnect backoff bounds.
const (
	backoffMin = time.Second
	backoffMax = 30 * time.Second
)

// Pool connects to a fixed set of relays on behalf of one endpoint.
type Pool struct {
	urls []string
	log  *zap.Logger

	mu    sync.RWMutex
	conns map[string]*nostr.Relay

	seenMu sync.Mutex
	seen   map[string]struct{}
	order  []string
}

// How many event ids the dedup window remembers before evicting the oldest.
const seenCap = 4096

// NewPool creates a Pool for the given relay URLs. Connections are opened
// by Subscribe.
func NewPool(urls []string, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		urls:  urls,
		log:   log.Named("relay"),
		conns: make(map[string]*nostr.Relay),
		seen:  make(map[string]struct{}),
	}
}

// URLs returns the configured relay addresses.
func (p *Pool) URLs() []string {
	return p.urls
}

// Subscribe opens one connection per relay and delivers matching events to
// handler until ctx is cancelled. Dropped connections are re-established
// with exponential backoff; an event present on several relays is delivered
// once. Subscribe returns immediately; delivery happens on the pool's
// goroutines, one per relay, so a slow handler on one relay does not stall
// the others.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters, handler func(*nostr.Event)) {
	for _, url := range p.urls {
		go p.run(ctx, url, filters, handler)
	}
}

func (p *Pool) run(ctx context.Context, url string, filters nostr.Filters, handler func(*nostr.Event)) {
	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		r, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			p.log.Warn("relay connect failed",
				zap.String("relay", url),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		sub, err := r.Subscribe(ctx, filters)
		if err != nil {
			p.log.Warn("relay subscribe failed", zap.String("relay", url), zap.Error(err))
			r.Close()
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		p.setConn(url, r)
		p.log.Info("relay connected", zap.String("relay", url))
		backoff = backoffMin

		p.drain(ctx, sub, handler)

		p.dropConn(url)
		sub.Unsub()
		r.Close()
		if ctx.Err() != nil {
			return
		}
		p.log.Warn("relay connection lost", zap.String("relay", url))
		if !sleep(ctx, backoff) {
			return
		}
	}
}

func (p *Pool) drain(ctx context.Context, sub *nostr.Subscription, handler func(*nostr.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events:
			if !ok || evt == nil {
				return
			}
			if p.MarkSeen(evt.ID) {
				continue
			}
			handler(evt)
		}
	}
}

// Publish sends an event to every live connection, dialing any relay that
// currently has none. It succeeds when at least one relay accepts.
func (p *Pool) Publish(ctx context.Context, evt nostr.Event) error {
	var published int
	for _, url := range p.urls {
		r := p.conn(url)
		if r == nil {
			var err error
			r, err = nostr.RelayConnect(ctx, url)
			if err != nil {
				p.log.Debug("publish dial failed", zap.String("relay", url), zap.Error(err))
				continue
			}
			p.setConn(url, r)
		}
		if err := r.Publish(ctx, evt); err != nil {
			p.log.Debug("publish rejected",
				zap.String("relay", url),
				zap.String("event", evt.ID),
				zap.Error(err))
			continue
		}
		published++
	}
	if published == 0 {
		return ErrNoRelays
	}
	return nil
}

// Close tears down every live connection. Subscribe loops exit via their
// context; Close just releases sockets promptly.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, r := range p.conns {
		r.Close()
		delete(p.conns, url)
	}
}

// MarkSeen records an event id in the dedup window, reporting whether it
// was already present.
func (p *Pool) MarkSeen(id string) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if _, ok := p.seen[id]; ok {
		return true
	}
	p.seen[id] = struct{}{}
	p.order = append(p.order, id)
	if len(p.order) > seenCap {
		delete(p.seen, p.order[0])
		p.order = p.order[1:]
	}
	return false
}

func (p *Pool) conn(url string) *nostr.Relay {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[url]
}

func (p *Pool) setConn(url string, r *nostr.Relay) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.conns[url]; ok && old != r {
		old.Close()
	}
	p.conns[url] = r
}

func (p *Pool) dropConn(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, url)
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// sleep waits for d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
