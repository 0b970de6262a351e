// dryrun.go implements an in-process OrderClient that fills against the
// live best ask instantly, with no venue round-trip. Used for --dry runs
// and tests.
//
// Grounded on the paper-trading simulator in the reference pack
// (GoPolymarket-polymarket-trader's internal/paper/simulator.go): same
// balance/inventory bookkeeping and immediate-fill-at-top-of-book idiom,
// adapted to decimal.Decimal, to this contract's buy-only surface, and to
// google/uuid order IDs instead of a sequence counter.
package orderclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dumphedge/pkg/types"
)

// BookSource supplies the current best ask for a side, so the dry-run
// client can fill against live market data rather than an invented price.
type BookSource interface {
	BestAsk(side types.Side) (decimal.Decimal, bool)
}

// DryRunClient simulates fills instantly at the current best ask.
type DryRunClient struct {
	book   BookSource
	logger *slog.Logger

	mu     sync.Mutex
	orders map[string]types.Order
}

// NewDryRunClient builds a dry-run OrderClient that fills against book.
func NewDryRunClient(book BookSource, logger *slog.Logger) *DryRunClient {
	return &DryRunClient{
		book:   book,
		logger: logger.With("component", "orderclient", "mode", "dry_run"),
		orders: make(map[string]types.Order),
	}
}

// BuyShares fills immediately at the current best ask if it is at or below
// limitPrice; otherwise the order is rejected (no resting book to sit on).
func (c *DryRunClient) BuyShares(ctx context.Context, side types.Side, tokenID string, shares, limitPrice decimal.Decimal) (types.OrderResult, error) {
	ask, ok := c.book.BestAsk(side)
	if !ok {
		return types.OrderResult{}, fmt.Errorf("dryrun: no book data for %s", side)
	}

	id := "sim-" + uuid.NewString()
	now := time.Now().UnixMilli()

	if ask.GreaterThan(limitPrice) {
		order := types.OrderResult{
			OrderID: id, Side: side, Shares: shares, AvgPrice: limitPrice,
			Status: types.OrderRejected, TimestampMs: now,
			Error: fmt.Sprintf("best ask %s exceeds limit %s", ask, limitPrice),
		}
		c.record(id, side, shares, limitPrice, types.OrderRejected, now)
		c.logger.Warn("dry-run buy rejected", "side", side, "ask", ask, "limit", limitPrice)
		return order, nil
	}

	cost := shares.Mul(ask)
	c.record(id, side, shares, ask, types.OrderFilled, now)
	c.logger.Info("dry-run buy filled", "order_id", id, "side", side, "shares", shares, "price", ask, "cost", cost)

	return types.OrderResult{
		OrderID: id, Side: side, Shares: shares, AvgPrice: ask,
		TotalCost: cost, Status: types.OrderFilled, TimestampMs: now,
	}, nil
}

// BuyByUSD fills usdAmount worth of shares at the current best ask.
func (c *DryRunClient) BuyByUSD(ctx context.Context, side types.Side, tokenID string, usdAmount decimal.Decimal) (types.OrderResult, error) {
	ask, ok := c.book.BestAsk(side)
	if !ok {
		return types.OrderResult{}, fmt.Errorf("dryrun: no book data for %s", side)
	}
	if !ask.IsPositive() {
		return types.OrderResult{}, fmt.Errorf("dryrun: non-positive ask for %s", side)
	}

	shares := usdAmount.Div(ask)
	id := "sim-" + uuid.NewString()
	now := time.Now().UnixMilli()

	c.record(id, side, shares, ask, types.OrderFilled, now)
	c.logger.Info("dry-run buy-by-usd filled", "order_id", id, "side", side, "usd", usdAmount, "price", ask, "shares", shares)

	return types.OrderResult{
		OrderID: id, Side: side, Shares: shares, AvgPrice: ask,
		TotalCost: usdAmount, Status: types.OrderFilled, TimestampMs: now,
	}, nil
}

// Cancel changes nothing, since dry-run orders settle synchronously and are
// never left resting. It reports true for an order this client recorded and
// false for an unknown order ID.
func (c *DryRunClient) Cancel(ctx context.Context, orderID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.orders[orderID]
	return ok, nil
}

// GetOrder returns the recorded simulated order.
func (c *DryRunClient) GetOrder(ctx context.Context, orderID string) (types.Order, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[orderID]
	return o, ok, nil
}

// CanTrade is always false: the simulator never submits orders to the venue.
func (c *DryRunClient) CanTrade() bool { return false }

func (c *DryRunClient) record(id string, side types.Side, shares, price decimal.Decimal, status types.OrderStatus, tsMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[id] = types.Order{
		OrderID: id, Side: side, Shares: shares, Price: price,
		Status: status, TimestampMs: tsMs,
	}
}
