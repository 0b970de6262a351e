// Package statemachine implements the per-cycle lifecycle: the guarded
// IDLE -> WATCHING -> LEG1_PENDING -> LEG1_FILLED -> LEG2_PENDING ->
// COMPLETED state machine (with ROUND_EXPIRED/ERROR escape hatches) that
// drives one TradeCycle at a time.
//
// Adapted from the teacher module's internal/risk/manager.go Manager: the
// explicit-state-plus-mutex-guarded-transitions shape, and the bounded
// history/timeout-policy idiom, carry over directly. The teacher's
// portfolio-wide kill-switch/exposure bookkeeping is replaced outright —
// this machine governs a single cycle's legs, not a fleet of markets'
// positions.
package statemachine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dumphedge/internal/config"
	"dumphedge/pkg/types"
)

const maxHistory = 200

// TimeoutAction is the action StateMachine recommends when a state has been
// held too long.
type TimeoutAction string

const (
	TimeoutNone   TimeoutAction = ""
	TimeoutCancel TimeoutAction = "cancel"
	TimeoutWarn   TimeoutAction = "warn"
)

// StateMachine guards and drives one TradeCycle's lifecycle at a time.
type StateMachine struct {
	cfg    config.StateMachineConfig
	clock  func() time.Time
	logger *slog.Logger

	mu               sync.Mutex
	cycle            *types.TradeCycle
	lastTransitionAt time.Time
	resetAt          time.Time
	history          []types.TransitionRecord
}

// New builds a StateMachine starting in the IDLE state (no active cycle).
func New(cfg config.StateMachineConfig, clock func() time.Time, logger *slog.Logger) *StateMachine {
	if clock == nil {
		clock = time.Now
	}
	return &StateMachine{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With("component", "statemachine"),
	}
}

// Current returns a copy of the active cycle, if any. With no active cycle
// it returns false and an empty cycle whose Status is IDLE.
func (sm *StateMachine) Current() (types.TradeCycle, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.cycle == nil {
		return types.TradeCycle{Status: types.CycleIdle}, false
	}
	return *sm.cycle, true
}

// History returns a copy of the bounded transition log.
func (sm *StateMachine) History() []types.TransitionRecord {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]types.TransitionRecord, len(sm.history))
	copy(out, sm.history)
	return out
}

// StartNewCycle transitions IDLE -> WATCHING, creating a new TradeCycle for
// roundID. If a non-terminal cycle is already active, it is replaced (the
// caller is expected to have already resolved it); a warning is logged.
func (sm *StateMachine) StartNewCycle(id, roundID string) types.TradeCycle {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.cycle != nil && !sm.cycle.Status.IsTerminal() {
		sm.logger.Warn("replacing active non-terminal cycle with a new one",
			"old_cycle_id", sm.cycle.ID, "old_status", sm.cycle.Status, "new_round_id", roundID)
	}

	now := sm.clock().UnixMilli()
	cycle := types.TradeCycle{
		ID:          id,
		RoundID:     roundID,
		Status:      types.CycleWatching,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	sm.cycle = &cycle
	sm.recordLocked(types.CycleIdle, types.CycleWatching, "start_new_cycle", "")
	return cycle
}

// OnDumpDetected transitions WATCHING -> LEG1_PENDING.
func (sm *StateMachine) OnDumpDetected(signal types.DumpSignal) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.requireStatus(types.CycleWatching); err != nil {
		return err
	}
	sm.setStatusLocked(types.CycleLeg1Pending, "on_dump_detected", fmt.Sprintf("side=%s price=%s", signal.Side, signal.Price))
	return nil
}

// OnLeg1Filled transitions LEG1_PENDING -> LEG1_FILLED, recording leg1.
func (sm *StateMachine) OnLeg1Filled(result types.OrderResult) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.requireStatus(types.CycleLeg1Pending); err != nil {
		return err
	}
	leg := types.NewLegInfo(result.OrderID, result.Side, result.Shares, result.AvgPrice, sm.clock().UnixMilli())
	sm.cycle.Leg1 = &leg
	sm.cycle.PendingOrderID = ""
	sm.setStatusLocked(types.CycleLeg1Filled, "on_leg1_filled", fmt.Sprintf("order_id=%s", result.OrderID))
	return nil
}

// SetPendingOrder records a leg order that has been submitted but not yet
// filled, so a later poll or timeout can look it up (the venue may settle a
// resting GTC order well after the submission call returns).
func (sm *StateMachine) SetPendingOrder(orderID string, side types.Side) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.cycle == nil {
		return fmt.Errorf("statemachine: no active cycle")
	}
	switch sm.cycle.Status {
	case types.CycleLeg1Pending, types.CycleLeg2Pending:
	default:
		return fmt.Errorf("statemachine: cannot set pending order in state %s", sm.cycle.Status)
	}
	sm.cycle.PendingOrderID = orderID
	sm.cycle.PendingSide = side
	return nil
}

// OnLeg2Started transitions LEG1_FILLED -> LEG2_PENDING.
func (sm *StateMachine) OnLeg2Started() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.requireStatus(types.CycleLeg1Filled); err != nil {
		return err
	}
	sm.setStatusLocked(types.CycleLeg2Pending, "on_leg2_started", "")
	return nil
}

// OnLeg2Filled transitions LEG2_PENDING -> COMPLETED, recording leg2 and the
// cycle's guaranteed profit. guaranteedProfit is the caller's already-computed
// fee-adjusted figure (HedgeStrategy.GuaranteedProfit) — the state machine
// only records it, it does not know about fee rates.
func (sm *StateMachine) OnLeg2Filled(result types.OrderResult, guaranteedProfit decimal.Decimal) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.requireStatus(types.CycleLeg2Pending); err != nil {
		return err
	}
	leg := types.NewLegInfo(result.OrderID, result.Side, result.Shares, result.AvgPrice, sm.clock().UnixMilli())
	sm.cycle.Leg2 = &leg
	sm.cycle.PendingOrderID = ""

	profit := guaranteedProfit
	sm.cycle.GuaranteedProfit = &profit
	sm.cycle.Profit = &profit

	sm.setStatusLocked(types.CycleCompleted, "on_leg2_filled", fmt.Sprintf("order_id=%s", result.OrderID))
	return nil
}

// OnRoundExpired transitions any non-terminal cycle to ROUND_EXPIRED. An
// un-hedged Leg1 (filled leg1, no leg2) records profit = -leg1.total_cost.
func (sm *StateMachine) OnRoundExpired() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.cycle == nil || sm.cycle.Status.IsTerminal() {
		return nil
	}

	if sm.cycle.Leg1 != nil && sm.cycle.Leg2 == nil {
		loss := sm.cycle.Leg1.TotalCost.Neg()
		sm.cycle.Profit = &loss
	}

	sm.setStatusLocked(types.CycleRoundExpired, "on_round_expired", "")
	return nil
}

// OnError transitions any non-terminal cycle to ERROR.
func (sm *StateMachine) OnError(cause error) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.cycle == nil || sm.cycle.Status.IsTerminal() {
		return nil
	}
	if cause != nil {
		sm.cycle.Error = cause.Error()
	}
	sm.setStatusLocked(types.CycleError, "on_error", sm.cycle.Error)
	return nil
}

// Reset returns a terminal cycle to IDLE (no active cycle). A no-op if the
// cycle isn't terminal yet.
func (sm *StateMachine) Reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.cycle == nil || !sm.cycle.Status.IsTerminal() {
		return
	}
	from := sm.cycle.Status
	sm.cycle = nil
	sm.resetAt = sm.clock()
	sm.recordLocked(from, types.CycleIdle, "reset", "")
}

// CooldownRemaining reports how much of the post-reset cooldown window
// (cfg.CooldownAfterReset) is still running, zero once it has elapsed or if
// no reset has happened yet. Callers gate the next StartNewCycle on this.
func (sm *StateMachine) CooldownRemaining() time.Duration {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.resetAt.IsZero() || sm.cfg.CooldownAfterReset <= 0 {
		return 0
	}
	elapsed := sm.clock().Sub(sm.resetAt)
	if elapsed >= sm.cfg.CooldownAfterReset {
		return 0
	}
	return sm.cfg.CooldownAfterReset - elapsed
}

// CheckTimeout reports the action to take given how long the current state
// has been held, per the configured per-state timeout policy. Elapsed is
// measured from the last transition into the current state.
func (sm *StateMachine) CheckTimeout() TimeoutAction {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.cycle == nil {
		return TimeoutNone
	}

	elapsed := sm.clock().Sub(sm.lastTransitionAt)
	switch sm.cycle.Status {
	case types.CycleLeg1Pending:
		if elapsed > sm.cfg.Leg1PendingTimeout {
			return TimeoutCancel
		}
	case types.CycleLeg1Filled:
		if elapsed > sm.cfg.Leg1FilledTimeout {
			return TimeoutWarn
		}
	case types.CycleLeg2Pending:
		if elapsed > sm.cfg.Leg2PendingTimeout {
			return TimeoutCancel
		}
	}
	return TimeoutNone
}

// ShouldForceExpire reports whether the round's remaining time is short
// enough that the cycle should be force-expired regardless of the round
// timer's own RoundExpired event.
func (sm *StateMachine) ShouldForceExpire(roundSecondsRemaining int64) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.cycle == nil {
		return false
	}
	switch sm.cycle.Status {
	case types.CycleLeg1Filled:
		return roundSecondsRemaining < 10
	case types.CycleLeg1Pending, types.CycleLeg2Pending:
		return roundSecondsRemaining < 5
	default:
		return false
	}
}

// requireStatus returns an error if no cycle is active or it isn't in the
// expected state. Must be called with sm.mu held.
func (sm *StateMachine) requireStatus(want types.CycleStatus) error {
	if sm.cycle == nil {
		return fmt.Errorf("statemachine: no active cycle")
	}
	if sm.cycle.Status != want {
		return fmt.Errorf("statemachine: invalid transition from %s (expected %s)", sm.cycle.Status, want)
	}
	return nil
}

// setStatusLocked applies a transition to the active cycle and records it.
// Must be called with sm.mu held and sm.cycle non-nil.
func (sm *StateMachine) setStatusLocked(to types.CycleStatus, event, data string) {
	from := sm.cycle.Status
	sm.cycle.Status = to
	sm.cycle.UpdatedAtMs = sm.clock().UnixMilli()
	sm.recordLocked(from, to, event, data)
}

func (sm *StateMachine) recordLocked(from, to types.CycleStatus, event, data string) {
	now := sm.clock()
	sm.lastTransitionAt = now
	sm.history = append(sm.history, types.TransitionRecord{
		From:  from,
		To:    to,
		Event: event,
		Ts:    now.UnixMilli(),
		Data:  data,
	})
	if len(sm.history) > maxHistory {
		sm.history = sm.history[len(sm.history)-maxHistory:]
	}
}
