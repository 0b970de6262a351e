package orderclient

import (
	"sync"
	"time"
)

// replayWindow is how long a previously issued nonce is remembered and
// rejected if reused.
const replayWindow = 5 * time.Minute

// NonceSource hands out strictly increasing request nonces and keeps an
// in-memory record of every nonce issued in the last 5 minutes, so a bug
// that resubmits a stale nonce is caught client-side before it reaches the
// venue rather than silently double-submitting an order.
type NonceSource struct {
	mu    sync.Mutex
	clock func() time.Time
	next  int64
	seen  map[int64]time.Time
}

// NewNonceSource builds a NonceSource seeded from the clock's current Unix
// nanosecond value, so nonces stay increasing across process restarts as
// long as the clock itself does.
func NewNonceSource(clock func() time.Time) *NonceSource {
	if clock == nil {
		clock = time.Now
	}
	return &NonceSource{
		clock: clock,
		next:  clock().UnixNano(),
		seen:  make(map[int64]time.Time),
	}
}

// Next issues and records the next nonce.
func (n *NonceSource) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock()
	n.prune(now)
	nonce := n.next
	n.next++
	n.seen[nonce] = now
	return nonce
}

// Reject reports whether nonce has already been issued within the replay
// window — callers pass a caller-supplied nonce (rather than one from
// Next) through this before reuse, e.g. when a caller retries with a
// nonce it cached from a failed attempt.
func (n *NonceSource) Reject(nonce int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock()
	n.prune(now)
	issuedAt, ok := n.seen[nonce]
	return ok && now.Sub(issuedAt) <= replayWindow
}

// prune drops nonces older than the replay window. Must be called with
// n.mu held.
func (n *NonceSource) prune(now time.Time) {
	for nonce, issuedAt := range n.seen {
		if now.Sub(issuedAt) > replayWindow {
			delete(n.seen, nonce)
		}
	}
}
