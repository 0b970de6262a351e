package feed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dumphedge/pkg/types"
)

// PairBook mirrors the order books for one round's two complementary
// tokens (UP and DOWN). It is concurrency-safe and provides the derived
// top-of-book values MarketFeed needs to build a PriceSnapshot.
//
// Adapted from the teacher module's market/book.go Book type, which kept a
// YES/NO pair but only ever exposed the YES side's BestBidAsk to callers;
// here both sides are genuinely symmetric and exposed.
type PairBook struct {
	mu          sync.RWMutex
	upTokenID   string
	downTokenID string
	up          types.TokenBook
	down        types.TokenBook
	updated     time.Time
}

// NewPairBook creates an empty PairBook.
func NewPairBook() *PairBook {
	return &PairBook{}
}

// SetTokens resets both books for a new (up, down) token pair.
func (b *PairBook) SetTokens(upID, downID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upTokenID = upID
	b.downTokenID = downID
	b.up = types.TokenBook{AssetID: upID}
	b.down = types.TokenBook{AssetID: downID}
}

// sideFor reports which tracked side (if any) an asset ID belongs to. Must
// be called with b.mu held.
func (b *PairBook) sideFor(assetID string) (*types.TokenBook, bool) {
	switch assetID {
	case b.upTokenID:
		return &b.up, true
	case b.downTokenID:
		return &b.down, true
	default:
		return nil, false
	}
}

// ApplyBook replaces the full top-N book for whichever tracked side the
// message's asset ID belongs to. Returns false if the asset isn't tracked.
func (b *PairBook) ApplyBook(assetID string, bids, asks []types.OrderBookLevel, hash string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	book, ok := b.sideFor(assetID)
	if !ok {
		return false
	}
	book.Bids = bids
	book.Asks = asks
	book.Hash = hash
	book.LastUpdateMs = now.UnixMilli()
	b.updated = now
	return true
}

// ApplyPriceChange replaces only level 0 of the bid and/or ask side for the
// tracked asset the delta names; existing size at that level is preserved
// since the wire delta carries price only. Returns false if the asset
// isn't tracked.
func (b *PairBook) ApplyPriceChange(assetID string, bestBid, bestAsk *string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	book, ok := b.sideFor(assetID)
	if !ok {
		return false
	}

	if bestBid != nil {
		if price, err := decimal.NewFromString(*bestBid); err == nil {
			replaceLevel0(&book.Bids, price)
		}
	}
	if bestAsk != nil {
		if price, err := decimal.NewFromString(*bestAsk); err == nil {
			replaceLevel0(&book.Asks, price)
		}
	}
	book.LastUpdateMs = now.UnixMilli()
	b.updated = now
	return true
}

func replaceLevel0(levels *[]types.OrderBookLevel, price decimal.Decimal) {
	if len(*levels) > 0 {
		(*levels)[0].Price = price
		return
	}
	*levels = []types.OrderBookLevel{{Price: price}}
}

// Snapshot returns a point-in-time copy of both token books.
func (b *PairBook) Snapshot(now time.Time) types.OrderBookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return types.OrderBookSnapshot{Up: b.up, Down: b.down, Ts: now}
}

// DerivedSnapshot builds a PriceSnapshot from current top-of-book state,
// per the "derived snapshot rule": a zero price means unknown/missing, and
// seconds_remaining is always 0 since the RoundManager is authoritative
// for round timing.
func (b *PairBook) DerivedSnapshot(roundID string, now time.Time) types.PriceSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := types.PriceSnapshot{
		TimestampMs: now.UnixMilli(),
		RoundID:     roundID,
		UpTokenID:   b.upTokenID,
		DownTokenID: b.downTokenID,
	}
	if ask, ok := b.up.BestAsk(); ok {
		snap.UpBestAsk = ask.Price
	}
	if bid, ok := b.up.BestBid(); ok {
		snap.UpBestBid = bid.Price
	}
	if ask, ok := b.down.BestAsk(); ok {
		snap.DownBestAsk = ask.Price
	}
	if bid, ok := b.down.BestBid(); ok {
		snap.DownBestBid = bid.Price
	}
	return snap
}

// IsStale reports whether neither book has been updated within maxAge.
func (b *PairBook) IsStale(maxAge time.Duration, now time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return now.Sub(b.updated) > maxAge
}
