// Package orderclient defines the OrderClient contract the engine trades
// through, plus two implementations: an in-process dry-run simulator and a
// signed-HTTP client against the venue's live CLOB-style order endpoint.
package orderclient

import (
	"context"

	"github.com/shopspring/decimal"

	"dumphedge/pkg/types"
)

// OrderClient is the venue boundary the engine depends on. Both the
// dry-run simulator and the live HTTP implementation satisfy it.
type OrderClient interface {
	// BuyShares submits a limit-style buy: fill at or below limitPrice for
	// the given number of shares.
	BuyShares(ctx context.Context, side types.Side, tokenID string, shares, limitPrice decimal.Decimal) (types.OrderResult, error)
	// BuyByUSD submits a notional-style buy of usdAmount worth of shares.
	BuyByUSD(ctx context.Context, side types.Side, tokenID string, usdAmount decimal.Decimal) (types.OrderResult, error)
	// Cancel cancels a resting order. Returns false if it could not be
	// found or was already terminal.
	Cancel(ctx context.Context, orderID string) (bool, error)
	// GetOrder looks up an order's current state.
	GetOrder(ctx context.Context, orderID string) (types.Order, bool, error)
	// CanTrade reports whether this client is presently able to submit
	// orders to the venue. False for a live client with no derived L2
	// credentials; a dry-run client is always false.
	CanTrade() bool
}
