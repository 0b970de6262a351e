package orderclient

import (
	"testing"
	"time"
)

func TestNonceSourceStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	n := NewNonceSource(time.Now)

	a := n.Next()
	b := n.Next()
	if b <= a {
		t.Errorf("nonces must strictly increase: %d then %d", a, b)
	}
}

func TestNonceSourceRejectsRecentlyIssued(t *testing.T) {
	t.Parallel()
	now := time.Now()
	clock := func() time.Time { return now }
	n := NewNonceSource(clock)

	nonce := n.Next()
	if !n.Reject(nonce) {
		t.Error("a just-issued nonce should be rejected as a replay")
	}
}

func TestNonceSourceForgetsAfterReplayWindow(t *testing.T) {
	t.Parallel()
	now := time.Now()
	clock := func() time.Time { return now }
	n := NewNonceSource(clock)

	nonce := n.Next()
	now = now.Add(replayWindow + time.Second)

	if n.Reject(nonce) {
		t.Error("a nonce older than the replay window should no longer be rejected")
	}
}
