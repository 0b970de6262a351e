// Package types defines the shared data model used across all packages.
//
// This is the common vocabulary for the bot — round/market metadata, order
// book snapshots, wire-protocol payloads, and the cycle/leg bookkeeping
// produced by the state machine. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side identifies one of the two complementary outcome tokens of a round.
type Side string

const (
	Up   Side = "UP"
	Down Side = "DOWN"
)

// Opposite returns the complementary side. Leg2 always trades Opposite(leg1.Side).
func (s Side) Opposite() Side {
	if s == Up {
		return Down
	}
	return Up
}

// OrderType enumerates the supported order lifecycles on the venue.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0
	SigProxy      SignatureType = 1
	SigGnosisSafe SignatureType = 2
)

// TickSize represents the price granularity for a round's tokens.
type TickSize string

const (
	Tick01    TickSize = "0.1"
	Tick001   TickSize = "0.01"
	Tick0001  TickSize = "0.001"
	Tick00001 TickSize = "0.0001"
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts at this tick.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// RoundStatus is the lifecycle stage of a Round.
type RoundStatus string

const (
	RoundPending  RoundStatus = "pending"
	RoundActive   RoundStatus = "active"
	RoundResolved RoundStatus = "resolved"
)

// CycleStatus is the tagged state of a TradeCycle. The last three are terminal.
type CycleStatus string

const (
	CycleIdle         CycleStatus = "IDLE"
	CycleWatching     CycleStatus = "WATCHING"
	CycleLeg1Pending  CycleStatus = "LEG1_PENDING"
	CycleLeg1Filled   CycleStatus = "LEG1_FILLED"
	CycleLeg2Pending  CycleStatus = "LEG2_PENDING"
	CycleCompleted    CycleStatus = "COMPLETED"
	CycleRoundExpired CycleStatus = "ROUND_EXPIRED"
	CycleError        CycleStatus = "ERROR"
)

// IsTerminal reports whether the cycle can only leave this state via reset().
func (s CycleStatus) IsTerminal() bool {
	return s == CycleCompleted || s == CycleRoundExpired || s == CycleError
}

// OrderStatus is the settlement state of an OrderResult.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderPartial  OrderStatus = "partial"
	OrderPending  OrderStatus = "pending"
	OrderRejected OrderStatus = "rejected"
)

// ————————————————————————————————————————————————————————————————————————
// Round / market metadata
// ————————————————————————————————————————————————————————————————————————

// Round is the internal representation of one tradeable round: a pair of
// complementary UP/DOWN tokens that settle to a combined payout of 1.0 at
// EndTimeMs.
type Round struct {
	RoundID     string
	HumanLabel  string
	StartTimeMs int64
	EndTimeMs   int64
	UpTokenID   string
	DownTokenID string
	Status      RoundStatus
}

// IsActive reports whether the round is currently tradeable at time nowMs.
func (r Round) IsActive(nowMs int64) bool {
	return r.Status != RoundResolved && r.StartTimeMs <= nowMs && nowMs < r.EndTimeMs
}

// SecondsRemaining returns the non-negative time budget left in the round.
func (r Round) SecondsRemaining(nowMs int64) int64 {
	remaining := (r.EndTimeMs - nowMs) / 1000
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// OrderBookLevel is a single bid or ask level in the order book.
type OrderBookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookDepth caps the number of levels retained per side.
const BookDepth = 10

// TokenBook is the local mirror of one token's order book: bids descending
// by price, asks ascending, each capped at BookDepth levels.
type TokenBook struct {
	AssetID      string
	Bids         []OrderBookLevel
	Asks         []OrderBookLevel
	Hash         string
	LastUpdateMs int64
}

// BestBid returns the top bid level, or the zero level if the side is empty.
func (b TokenBook) BestBid() (OrderBookLevel, bool) {
	if len(b.Bids) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, or the zero level if the side is empty.
func (b TokenBook) BestAsk() (OrderBookLevel, bool) {
	if len(b.Asks) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Asks[0], true
}

// OrderBookSnapshot pairs the two token books tracked by a MarketFeed at a
// point in time.
type OrderBookSnapshot struct {
	Up   TokenBook
	Down TokenBook
	Ts   time.Time
}

// ————————————————————————————————————————————————————————————————————————
// PriceSnapshot — the unit of data MarketFeed emits
// ————————————————————————————————————————————————————————————————————————

// PriceSnapshot is an immutable record produced per market update. A zero
// price on any of the four fields encodes "unknown/missing", never a
// negative sentinel.
type PriceSnapshot struct {
	TimestampMs      int64
	RoundID          string
	SecondsRemaining int64
	UpTokenID        string
	DownTokenID      string
	UpBestAsk        decimal.Decimal
	UpBestBid        decimal.Decimal
	DownBestAsk      decimal.Decimal
	DownBestBid      decimal.Decimal
}

// AskFor returns the best ask for the given side.
func (p PriceSnapshot) AskFor(side Side) decimal.Decimal {
	if side == Up {
		return p.UpBestAsk
	}
	return p.DownBestAsk
}

// BidFor returns the best bid for the given side.
func (p PriceSnapshot) BidFor(side Side) decimal.Decimal {
	if side == Up {
		return p.UpBestBid
	}
	return p.DownBestBid
}

// ————————————————————————————————————————————————————————————————————————
// Dump detection
// ————————————————————————————————————————————————————————————————————————

// DumpSignal is emitted by the DumpDetector the first time a side's ask
// drops by at least the configured threshold within the detection window.
type DumpSignal struct {
	Side           Side
	DropPct        decimal.Decimal
	Price          decimal.Decimal // post-drop ask
	PreviousPrice  decimal.Decimal
	TimestampMs    int64
	RoundID        string
}

// ————————————————————————————————————————————————————————————————————————
// Legs and cycles
// ————————————————————————————————————————————————————————————————————————

// LegInfo records one filled leg of a TradeCycle. Immutable after fill.
type LegInfo struct {
	OrderID    string
	Side       Side
	Shares     decimal.Decimal
	EntryPrice decimal.Decimal
	TotalCost  decimal.Decimal
	FilledAtMs int64
}

// NewLegInfo builds a LegInfo with TotalCost derived from Shares*EntryPrice.
func NewLegInfo(orderID string, side Side, shares, entryPrice decimal.Decimal, filledAtMs int64) LegInfo {
	return LegInfo{
		OrderID:    orderID,
		Side:       side,
		Shares:     shares,
		EntryPrice: entryPrice,
		TotalCost:  shares.Mul(entryPrice),
		FilledAtMs: filledAtMs,
	}
}

// TradeCycle is one entry attempt within a round, owned exclusively by the
// StateMachine.
type TradeCycle struct {
	ID               string
	RoundID          string
	Status           CycleStatus
	Leg1             *LegInfo
	Leg2             *LegInfo
	Profit           *decimal.Decimal
	GuaranteedProfit *decimal.Decimal
	Error            string
	CreatedAtMs      int64
	UpdatedAtMs      int64

	// PendingOrderID/PendingSide track a leg order that has been submitted
	// but not yet filled (LEG1_PENDING/LEG2_PENDING holding on a resting GTC
	// order). Cleared once the leg fills. At most one order is ever pending
	// at a time, so a single pair of fields is enough.
	PendingOrderID string
	PendingSide    Side
}

// TransitionRecord is one row of a StateMachine's bounded history log.
type TransitionRecord struct {
	From      CycleStatus
	To        CycleStatus
	Event     string
	Ts        int64
	Data      string
}

// ————————————————————————————————————————————————————————————————————————
// OrderClient contract
// ————————————————————————————————————————————————————————————————————————

// OrderResult is returned by every OrderClient submission call.
type OrderResult struct {
	OrderID     string
	Side        Side
	Shares      decimal.Decimal
	AvgPrice    decimal.Decimal
	TotalCost   decimal.Decimal
	Status      OrderStatus
	TimestampMs int64
	Error       string
}

// Order is a point-in-time view of a previously submitted order.
type Order struct {
	OrderID     string
	Side        Side
	Shares      decimal.Decimal
	Price       decimal.Decimal
	Status      OrderStatus
	TimestampMs int64
}

// ————————————————————————————————————————————————————————————————————————
// Live OrderClient wire format (signed HTTP submission)
// ————————————————————————————————————————————————————————————————————————

// SignedOrder is the on-chain order format the CLOB-style venue expects.
// MakerAmount/TakerAmount are big.Int values scaled to 6-decimal USDC units.
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"`
	TokenID       string        `json:"tokenId"`
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderSubmission is the POST body for a single live order placement.
type OrderSubmission struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
}

// LiveOrderResponse is the venue's response shape for an order submission,
// per §6 "OrderClient HTTP".
type LiveOrderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FilledSize    string `json:"filledSize"`
	AvgFillPrice  string `json:"avgFillPrice"`
	TotalCost     string `json:"totalCost"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Streaming wire protocol (venue → MarketFeed)
// ————————————————————————————————————————————————————————————————————————

// WSPriceLevel is a single price/size pair as carried on the wire (strings,
// to preserve decimal precision across the JSON boundary).
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WSBookMsg is a full order book snapshot for one asset.
type WSBookMsg struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Hash      string         `json:"hash"`
}

// WSPriceChangeItem is one asset's best-bid/best-ask delta within a batched
// price_changes[] array.
type WSPriceChangeItem struct {
	AssetID string  `json:"asset_id"`
	BestBid *string `json:"best_bid,omitempty"`
	BestAsk *string `json:"best_ask,omitempty"`
}

// WSPriceChangeMsg is an incremental top-of-book update. It arrives either
// as a single-asset delta (AssetID/BestBid/BestAsk populated) or as a batch
// (PriceChanges populated).
type WSPriceChangeMsg struct {
	EventType    string              `json:"event_type"`
	AssetID      string              `json:"asset_id,omitempty"`
	Price        string              `json:"price,omitempty"`
	BestBid      *string             `json:"best_bid,omitempty"`
	BestAsk      *string             `json:"best_ask,omitempty"`
	PriceChanges []WSPriceChangeItem `json:"price_changes,omitempty"`
}

// Items returns the message normalized into a slice of per-asset deltas,
// whether it arrived as a single delta or a batch.
func (m WSPriceChangeMsg) Items() []WSPriceChangeItem {
	if len(m.PriceChanges) > 0 {
		return m.PriceChanges
	}
	if m.AssetID == "" {
		return nil
	}
	return []WSPriceChangeItem{{AssetID: m.AssetID, BestBid: m.BestBid, BestAsk: m.BestAsk}}
}

// WSLastTradePriceMsg is an informational last-trade tick.
type WSLastTradePriceMsg struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
}

// WSErrorMsg is a feed-level error surfaced by the venue; never fatal on
// its own.
type WSErrorMsg struct {
	EventType string `json:"event_type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// WSSubscribedMsg acks a subscribe/unsubscribe request.
type WSSubscribedMsg struct {
	EventType string `json:"event_type"`
	Market    string `json:"market"`
}

// WSControlMsg covers the bare {type:"pong"|"heartbeat"} control frames.
type WSControlMsg struct {
	Type string `json:"type"`
}

// WSSubscribeMsg is the outbound subscribe frame: {type:"MARKET", assets_ids:[...]}.
type WSSubscribeMsg struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

// ————————————————————————————————————————————————————————————————————————
// REST discovery (venue market-search API)
// ————————————————————————————————————————————————————————————————————————

// GammaToken is one outcome token as returned by the market-search endpoint
// when token IDs are exposed via a tokens[] array rather than positionally.
type GammaToken struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
}

// FlexStringArray unmarshals either a genuine JSON array of strings or a
// JSON string containing an encoded array (some venue endpoints return
// clob_token_ids as `"[\"a\",\"b\"]"` rather than `["a","b"]`).
type FlexStringArray []string

func (a *FlexStringArray) UnmarshalJSON(data []byte) error {
	var direct []string
	if err := json.Unmarshal(data, &direct); err == nil {
		*a = direct
		return nil
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	if encoded == "" {
		*a = nil
		return nil
	}
	var inner []string
	if err := json.Unmarshal([]byte(encoded), &inner); err != nil {
		return err
	}
	*a = inner
	return nil
}

// GammaMarket is one market as returned by the market-search REST endpoint.
type GammaMarket struct {
	ConditionID  string          `json:"condition_id"`
	Slug         string          `json:"slug"`
	Question     string          `json:"question"`
	EndDate      string          `json:"end_date"`
	ClobTokenIDs FlexStringArray `json:"clob_token_ids"`
	Tokens       []GammaToken    `json:"tokens"`
}

// GammaEvent wraps a set of markets under the `events[].markets[]` response
// shape; the alternative top-level `markets[]` shape is represented by
// reading GammaSearchResponse.Markets directly.
type GammaEvent struct {
	Markets []GammaMarket `json:"markets"`
}

// GammaSearchResponse is the top-level market-search response, which may
// nest markets under events[] or expose them directly under markets[].
type GammaSearchResponse struct {
	Events  []GammaEvent  `json:"events"`
	Markets []GammaMarket `json:"markets"`
}

// AllMarkets flattens both response shapes into one slice.
func (r GammaSearchResponse) AllMarkets() []GammaMarket {
	all := make([]GammaMarket, 0, len(r.Markets))
	all = append(all, r.Markets...)
	for _, ev := range r.Events {
		all = append(all, ev.Markets...)
	}
	return all
}
