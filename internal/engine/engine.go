// Package engine is the composition root: it wires MarketFeed, RoundManager,
// DumpDetector, HedgeStrategy, StateMachine, OrderClient, and the metrics
// collector together and drives the single-round, single-cycle event loop
// (§4.6).
//
// Adapted from the teacher module's internal/engine/engine.go: the overall
// New()->Start()->Stop() lifecycle shape, the context-cancellation-plus-
// WaitGroup shutdown idiom, and the "safety net" cancel-on-shutdown pattern
// all carry over directly. The teacher's multi-market marketSlot map,
// dashboard event bus, risk manager, and dual market/user WebSocket feeds
// are replaced outright: this engine trades one round's one TradeCycle at
// a time, not a portfolio of concurrently quoted markets.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dumphedge/internal/config"
	"dumphedge/internal/dump"
	"dumphedge/internal/feed"
	"dumphedge/internal/hedge"
	"dumphedge/internal/metrics"
	"dumphedge/internal/orderclient"
	"dumphedge/internal/round"
	"dumphedge/internal/statemachine"
	"dumphedge/internal/store"
	"dumphedge/pkg/types"
)

const (
	tickInterval    = time.Second
	wsReconnectBase = time.Second
	wsMaxReconnects = 15
)

var cycleStatuses = []string{
	string(types.CycleIdle), string(types.CycleWatching), string(types.CycleLeg1Pending),
	string(types.CycleLeg1Filled), string(types.CycleLeg2Pending), string(types.CycleCompleted),
	string(types.CycleRoundExpired), string(types.CycleError),
}

// marketFeed is the subset of *feed.MarketFeed the engine depends on.
// Declaring it as an interface (rather than depending on the concrete type
// directly) lets tests drive the event loop with an in-memory fake instead
// of a real WebSocket connection.
type marketFeed interface {
	Snapshots() <-chan types.PriceSnapshot
	Errors() <-chan types.WSErrorMsg
	FeedFailed() <-chan error
	SetTokens(upID, downID string) error
	SetRoundID(roundID string)
	LatestSnapshot() (types.PriceSnapshot, bool)
	RecentSnapshots(windowMs int64) []types.PriceSnapshot
	Run(ctx context.Context) error
	Disconnect() error
}

// Engine is the trading engine (§4.6): TradingEngine in the spec's naming.
type Engine struct {
	cfg      config.Config
	feed     marketFeed
	round    *round.Manager
	detector *dump.Detector
	hedge    hedge.Strategy
	sm       *statemachine.StateMachine
	orders   orderclient.OrderClient
	sink     store.CycleSink
	logger   *slog.Logger
	autoMode bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// currentRoundID is the round activateRound most recently wired the feed
	// to. pendingCycleRoundID is set instead of starting a cycle immediately
	// when the state machine's post-reset cooldown is still running; onTick
	// starts the deferred cycle once the cooldown clears, provided no later
	// round has superseded it.
	currentRoundID      string
	pendingCycleRoundID string
}

// New wires every component. If cfg.DryRun, orders are routed through the
// in-process simulator; otherwise a live signed-HTTP client is built and,
// absent pre-configured L2 credentials, one-time API key derivation runs
// via L1 (EIP-712) auth before the engine can submit anything.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	logger = logger.With("component", "engine")

	mf := feed.New(cfg.API.WSURL, wsReconnectBase, wsMaxReconnects, time.Now, logger)

	var orders orderclient.OrderClient
	if cfg.DryRun {
		orders = orderclient.NewDryRunClient(feedBookSource{mf}, logger)
	} else {
		auth, err := orderclient.NewAuth(cfg)
		if err != nil {
			return nil, fmt.Errorf("build wallet auth: %w", err)
		}
		client := orderclient.NewClient(cfg, auth, logger)
		if !client.CanTrade() {
			logger.Info("no L2 credentials configured, deriving API key via L1 auth")
			if _, err := client.DeriveAPIKey(context.Background()); err != nil {
				return nil, fmt.Errorf("derive api key: %w", err)
			}
		}
		orders = client
	}

	var sink store.CycleSink = store.NoopSink{}
	if cfg.Store.Enabled {
		st, err := store.Open(cfg.Store.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open cycle store: %w", err)
		}
		sink = st
	}

	windowMinutes := float64(cfg.Dump.WindowMs) / 60000.0

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:      cfg,
		feed:     mf,
		round:    round.New(cfg.API.GammaBaseURL, cfg.Round, time.Now, logger),
		detector: dump.New(cfg.Dump.MovePct, windowMinutes, cfg.Dump.DetectionWindowMs),
		hedge:    hedge.New(cfg.Hedge.SumTarget, cfg.Hedge.FeeRate),
		sm:       statemachine.New(cfg.StateMachine, time.Now, logger),
		orders:   orders,
		sink:     sink,
		logger:   logger,
		autoMode: cfg.AutoMode,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// feedBookSource adapts MarketFeed to orderclient.BookSource so the dry-run
// client can fill against whatever the feed last observed.
type feedBookSource struct{ f marketFeed }

func (b feedBookSource) BestAsk(side types.Side) (decimal.Decimal, bool) {
	snap, ok := b.f.LatestSnapshot()
	if !ok {
		return decimal.Zero, false
	}
	ask := snap.AskFor(side)
	if !ask.IsPositive() {
		return decimal.Zero, false
	}
	return ask, true
}

// Start launches the discovery poller (if enabled) so EnsureActiveMarket can
// wait on it, ensures an active market, launches the feed, and starts the
// single event loop. It returns once those background tasks are launched; it
// does not block.
func (e *Engine) Start() error {
	if e.cfg.Round.AutoDiscover {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.round.EnableAutoDiscover(e.ctx)
		}()
	}

	if err := e.round.EnsureActiveMarket(e.ctx); err != nil {
		e.logger.Warn("no active market at startup, will keep retrying via discovery", "error", err)
	} else if rnd, ok := e.round.Current(); ok {
		e.activateRound(rnd)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("feed run exited", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop()
	}()

	return nil
}

// Stop performs graceful shutdown per §5: stop timers (via context
// cancellation), disconnect the feed, wait up to 5s for in-flight work,
// close the store.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	e.cancel()

	if err := e.feed.Disconnect(); err != nil {
		e.logger.Warn("feed disconnect error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.logger.Warn("shutdown grace period elapsed with goroutines still running")
	}

	if closer, ok := e.sink.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			e.logger.Error("failed to close store", "error", err)
		}
	}

	e.logger.Info("shutdown complete")
}

// loop is the single cooperative event loop (§5): one goroutine owns
// StateMachine mutation and reacts to feed, round, and timer events.
func (e *Engine) loop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case snap, ok := <-e.feed.Snapshots():
			if !ok {
				return
			}
			e.onSnapshot(snap)

		case errMsg, ok := <-e.feed.Errors():
			if ok {
				e.logger.Warn("feed reported error event", "code", errMsg.Code, "message", errMsg.Message)
			}

		case err, ok := <-e.feed.FeedFailed():
			if ok {
				e.logger.Error("feed failed, reconnect cap exceeded", "error", err)
			}

		case rnd, ok := <-e.round.Started():
			if ok {
				e.onRoundStarted(rnd)
			}

		case <-e.round.Ending():
			// informational only; no state transition required here.

		case rnd, ok := <-e.round.Expired():
			if ok {
				e.onRoundExpired(rnd)
			}

		case rnd, ok := <-e.round.Switched():
			if ok {
				e.onMarketSwitched(rnd)
			}

		case <-ticker.C:
			e.onTick()
		}
	}
}

// activateRound wires the feed to a round's tokens and starts a fresh
// TradeCycle in WATCHING, unless the state machine is still serving out its
// post-reset cooldown — in which case the cycle start is deferred to onTick.
func (e *Engine) activateRound(rnd types.Round) {
	if err := e.feed.SetTokens(rnd.UpTokenID, rnd.DownTokenID); err != nil {
		e.logger.Error("failed to set feed tokens", "round_id", rnd.RoundID, "error", err)
	}
	e.feed.SetRoundID(rnd.RoundID)
	e.detector.Reset()
	e.currentRoundID = rnd.RoundID

	if remaining := e.sm.CooldownRemaining(); remaining > 0 {
		e.logger.Info("deferring cycle start for cooldown", "round_id", rnd.RoundID, "remaining", remaining)
		e.pendingCycleRoundID = rnd.RoundID
		return
	}
	e.beginCycle(rnd.RoundID)
}

func (e *Engine) beginCycle(roundID string) {
	cycleID := uuid.NewString()
	e.sm.StartNewCycle(cycleID, roundID)
	metrics.IncCycleStarted()
	metrics.SetActiveCycleState(string(types.CycleWatching), cycleStatuses)
	e.logger.Info("cycle started", "round_id", roundID, "cycle_id", cycleID)
}

func (e *Engine) onRoundStarted(rnd types.Round) {
	e.activateRound(rnd)
}

func (e *Engine) onMarketSwitched(rnd types.Round) {
	e.logger.Info("market switched", "round_id", rnd.RoundID)
	e.activateRound(rnd)
}

// onRoundExpired finalizes any open cycle for the round that just ended and,
// in auto-mode, kicks off rotation to the next discovered market.
func (e *Engine) onRoundExpired(rnd types.Round) {
	if err := e.sm.OnRoundExpired(); err != nil {
		e.logger.Error("on_round_expired failed", "round_id", rnd.RoundID, "error", err)
	}
	e.finalizeCycle()
	e.sm.Reset()
	metrics.SetActiveCycleState(string(types.CycleIdle), cycleStatuses)

	if e.autoMode {
		go func() {
			if e.round.AutoTransitionToNextMarket(e.ctx) {
				e.logger.Info("auto-rotated to next round")
			}
		}()
	}
}

// onSnapshot forwards to RoundManager (§4.6 "PriceSnapshot: forward...") and
// drives the cycle's per-tick decisions.
func (e *Engine) onSnapshot(snap types.PriceSnapshot) {
	e.round.UpdateFromSnapshot(snap)

	cycle, ok := e.sm.Current()
	if !ok {
		return
	}

	switch cycle.Status {
	case types.CycleWatching:
		e.evaluateDump(snap, cycle)
	case types.CycleLeg1Filled:
		e.evaluateHedge(snap, cycle)
	}
}

func (e *Engine) evaluateDump(snap types.PriceSnapshot, cycle types.TradeCycle) {
	recent := e.feed.RecentSnapshots(e.cfg.Dump.DetectionWindowMs)
	roundStartMs := cycle.CreatedAtMs
	if rnd, ok := e.round.Current(); ok && rnd.StartTimeMs > 0 {
		roundStartMs = rnd.StartTimeMs
	}
	signal := e.detector.Detect(recent, roundStartMs, snap.TimestampMs)
	if signal == nil {
		return
	}

	metrics.IncDumpSignal(string(signal.Side))
	e.detector.Lock(signal.Side)

	if !e.autoMode {
		e.logger.Info("dump signal (auto-mode off, not trading)", "side", signal.Side, "drop_pct", signal.DropPct)
		return
	}

	if err := e.sm.OnDumpDetected(*signal); err != nil {
		e.logger.Warn("on_dump_detected rejected", "error", err)
		return
	}

	tokenID := e.tokenFor(signal.Side)
	shares := decimal.NewFromFloat(e.cfg.Hedge.SharesPerTrade)

	result, err := e.orders.BuyShares(e.ctx, signal.Side, tokenID, shares, signal.Price)
	e.handleLeg1Result(result, err)
}

// handleLeg1Result routes an order submission's outcome. Only an outright
// rejection fails the cycle — a resting GTC order that hasn't filled yet
// (OrderPending/OrderPartial) stays in LEG1_PENDING and is tracked for a
// later poll or timeout instead of being treated as an error.
func (e *Engine) handleLeg1Result(result types.OrderResult, err error) {
	if err != nil {
		metrics.IncOrderSubmission("leg1", "error")
		e.failCycle(fmt.Errorf("leg1 submission: %w", err))
		return
	}
	metrics.IncOrderSubmission("leg1", string(result.Status))

	switch result.Status {
	case types.OrderFilled:
		e.applyLeg1Fill(result)
	case types.OrderPending, types.OrderPartial:
		if err := e.sm.SetPendingOrder(result.OrderID, result.Side); err != nil {
			e.logger.Error("set_pending_order failed", "error", err)
		}
		e.logger.Info("leg1 resting, awaiting fill", "order_id", result.OrderID, "status", result.Status)
	default:
		e.failCycle(fmt.Errorf("leg1 rejected: %s", result.Error))
	}
}

func (e *Engine) applyLeg1Fill(result types.OrderResult) {
	if err := e.sm.OnLeg1Filled(result); err != nil {
		e.logger.Error("on_leg1_filled failed", "error", err)
		return
	}
	metrics.SetActiveCycleState(string(types.CycleLeg1Filled), cycleStatuses)
	e.logger.Info("leg1 filled", "side", result.Side, "price", result.AvgPrice, "shares", result.Shares)
}

func (e *Engine) evaluateHedge(snap types.PriceSnapshot, cycle types.TradeCycle) {
	if cycle.Leg1 == nil {
		return
	}
	opposite := cycle.Leg1.Side.Opposite()
	oppositeAsk := snap.AskFor(opposite)
	if !oppositeAsk.IsPositive() {
		return
	}
	if !e.hedge.ShouldHedge(cycle.Leg1.EntryPrice, oppositeAsk) {
		return
	}

	if err := e.sm.OnLeg2Started(); err != nil {
		e.logger.Warn("on_leg2_started rejected", "error", err)
		return
	}
	metrics.SetActiveCycleState(string(types.CycleLeg2Pending), cycleStatuses)

	tokenID := e.tokenFor(opposite)
	result, err := e.orders.BuyShares(e.ctx, opposite, tokenID, cycle.Leg1.Shares, oppositeAsk)
	e.handleLeg2Result(cycle, result, err)
}

// handleLeg2Result mirrors handleLeg1Result's rejection-vs-resting split for
// leg2's order.
func (e *Engine) handleLeg2Result(cycle types.TradeCycle, result types.OrderResult, err error) {
	if err != nil {
		metrics.IncOrderSubmission("leg2", "error")
		e.failCycle(fmt.Errorf("leg2 submission: %w", err))
		return
	}
	metrics.IncOrderSubmission("leg2", string(result.Status))

	switch result.Status {
	case types.OrderFilled:
		e.applyLeg2Fill(cycle, result)
	case types.OrderPending, types.OrderPartial:
		if err := e.sm.SetPendingOrder(result.OrderID, result.Side); err != nil {
			e.logger.Error("set_pending_order failed", "error", err)
		}
		e.logger.Info("leg2 resting, awaiting fill", "order_id", result.OrderID, "status", result.Status)
	default:
		e.failCycle(fmt.Errorf("leg2 rejected: %s", result.Error))
	}
}

// applyLeg2Fill derives the fee-adjusted guaranteed profit via HedgeStrategy
// (cfg.Hedge.FeeRate) before handing it to the state machine to record.
func (e *Engine) applyLeg2Fill(cycle types.TradeCycle, result types.OrderResult) {
	profit := e.hedge.GuaranteedProfit(cycle.Leg1.EntryPrice, result.AvgPrice, cycle.Leg1.Shares)
	if err := e.sm.OnLeg2Filled(result, profit); err != nil {
		e.logger.Error("on_leg2_filled failed", "error", err)
		return
	}

	completed, _ := e.sm.Current()
	if completed.GuaranteedProfit != nil {
		p, _ := completed.GuaranteedProfit.Float64()
		metrics.AddGuaranteedProfit(p)
	}
	metrics.IncCycleCompleted("completed")
	metrics.SetActiveCycleState(string(types.CycleCompleted), cycleStatuses)
	e.logger.Info("cycle completed", "cycle_id", completed.ID, "profit", completed.GuaranteedProfit)

	e.finalizeCycle()
	e.sm.Reset()
	metrics.SetActiveCycleState(string(types.CycleIdle), cycleStatuses)
}

// onTick runs the 1Hz periodic checks: state timeouts and force-expiry
// against the round's remaining time.
func (e *Engine) onTick() {
	e.round.Tick()
	e.pollPendingOrder()
	e.startDeferredCycle()

	switch e.sm.CheckTimeout() {
	case statemachine.TimeoutCancel:
		e.cancelTimedOutOrder()
	case statemachine.TimeoutWarn:
		e.logger.Warn("cycle has exceeded its expected time in state")
	}

	rnd, ok := e.round.Current()
	if !ok {
		return
	}
	remaining := rnd.SecondsRemaining(time.Now().UnixMilli())
	if e.sm.ShouldForceExpire(remaining) {
		e.onRoundExpired(rnd)
	}
}

// startDeferredCycle begins a cycle that activateRound postponed for
// cooldown, once the cooldown has cleared and the round it was meant for is
// still current (it may have rotated away while waiting).
func (e *Engine) startDeferredCycle() {
	if e.pendingCycleRoundID == "" || e.sm.CooldownRemaining() > 0 {
		return
	}
	roundID := e.pendingCycleRoundID
	e.pendingCycleRoundID = ""
	if roundID == e.currentRoundID {
		e.beginCycle(roundID)
	}
}

// pollPendingOrder checks a resting leg order's venue state once per tick,
// advancing or failing the cycle once it settles instead of waiting
// indefinitely for a fill push that a GTC order may never send.
func (e *Engine) pollPendingOrder() {
	cycle, ok := e.sm.Current()
	if !ok || cycle.PendingOrderID == "" {
		return
	}
	if cycle.Status != types.CycleLeg1Pending && cycle.Status != types.CycleLeg2Pending {
		return
	}

	order, found, err := e.orders.GetOrder(e.ctx, cycle.PendingOrderID)
	if err != nil {
		e.logger.Warn("get_order failed while polling pending fill", "order_id", cycle.PendingOrderID, "error", err)
		return
	}
	if !found {
		return
	}

	switch order.Status {
	case types.OrderFilled:
		result := types.OrderResult{
			OrderID:     order.OrderID,
			Side:        cycle.PendingSide,
			Shares:      order.Shares,
			AvgPrice:    order.Price,
			TotalCost:   order.Shares.Mul(order.Price),
			Status:      types.OrderFilled,
			TimestampMs: order.TimestampMs,
		}
		if cycle.Status == types.CycleLeg1Pending {
			e.applyLeg1Fill(result)
		} else {
			e.applyLeg2Fill(cycle, result)
		}
	case types.OrderRejected:
		e.failCycle(fmt.Errorf("leg order %s rejected after resting", order.OrderID))
	default:
		// still live or partially filled: keep waiting for the next poll or
		// for CheckTimeout to cancel it.
	}
}

func (e *Engine) cancelTimedOutOrder() {
	cycle, ok := e.sm.Current()
	if !ok {
		return
	}
	if cycle.PendingOrderID != "" {
		if _, err := e.orders.Cancel(e.ctx, cycle.PendingOrderID); err != nil {
			e.logger.Error("cancel on timeout failed", "order_id", cycle.PendingOrderID, "error", err)
		}
	}
	e.failCycle(fmt.Errorf("state timed out"))
}

// failCycle transitions the active cycle to ERROR and resets to IDLE. No new
// cycle starts until the next round is activated.
func (e *Engine) failCycle(cause error) {
	e.logger.Error("cycle failed", "error", cause)
	if err := e.sm.OnError(cause); err != nil {
		e.logger.Error("on_error failed", "error", err)
	}
	metrics.IncCycleCompleted("error")
	metrics.SetActiveCycleState(string(types.CycleError), cycleStatuses)
	e.finalizeCycle()
	e.sm.Reset()
	metrics.SetActiveCycleState(string(types.CycleIdle), cycleStatuses)
}

// finalizeCycle persists the terminal cycle through the configured sink.
func (e *Engine) finalizeCycle() {
	cycle, ok := e.sm.Current()
	if !ok {
		return
	}
	if err := e.sink.SaveCycle(cycle); err != nil {
		e.logger.Error("failed to persist cycle", "cycle_id", cycle.ID, "error", err)
	}
}

// tokenFor returns the round's token ID for side.
func (e *Engine) tokenFor(side types.Side) string {
	rnd, ok := e.round.Current()
	if !ok {
		return ""
	}
	if side == types.Up {
		return rnd.UpTokenID
	}
	return rnd.DownTokenID
}
