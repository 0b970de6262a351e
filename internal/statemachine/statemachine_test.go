package statemachine

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dumphedge/internal/config"
	"dumphedge/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.StateMachineConfig {
	return config.StateMachineConfig{
		Leg1PendingTimeout: 30 * time.Second,
		Leg1FilledTimeout:  120 * time.Second,
		Leg2PendingTimeout: 30 * time.Second,
		CooldownAfterReset: 5 * time.Second,
	}
}

func newClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFullHappyPathLifecycle(t *testing.T) {
	t.Parallel()
	clock, advance := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	sm.StartNewCycle("cycle-1", "round-1")
	if cur, _ := sm.Current(); cur.Status != types.CycleWatching {
		t.Fatalf("status = %v, want WATCHING", cur.Status)
	}

	if err := sm.OnDumpDetected(types.DumpSignal{Side: types.Up, Price: dec("0.40")}); err != nil {
		t.Fatalf("OnDumpDetected: %v", err)
	}
	advance(time.Second)
	if err := sm.OnLeg1Filled(types.OrderResult{OrderID: "o1", Side: types.Up, Shares: dec("20"), AvgPrice: dec("0.40")}); err != nil {
		t.Fatalf("OnLeg1Filled: %v", err)
	}
	if err := sm.OnLeg2Started(); err != nil {
		t.Fatalf("OnLeg2Started: %v", err)
	}
	wantProfit := dec("1.64") // caller-supplied fee-adjusted figure; sm just stores it
	if err := sm.OnLeg2Filled(types.OrderResult{OrderID: "o2", Side: types.Down, Shares: dec("20"), AvgPrice: dec("0.55")}, wantProfit); err != nil {
		t.Fatalf("OnLeg2Filled: %v", err)
	}

	cur, _ := sm.Current()
	if cur.Status != types.CycleCompleted {
		t.Fatalf("status = %v, want COMPLETED", cur.Status)
	}
	if !cur.GuaranteedProfit.Equal(wantProfit) {
		t.Errorf("guaranteed_profit = %v, want %v", cur.GuaranteedProfit, wantProfit)
	}
	if cur.PendingOrderID != "" {
		t.Errorf("PendingOrderID = %q, want cleared after fill", cur.PendingOrderID)
	}

	sm.Reset()
	if _, ok := sm.Current(); ok {
		t.Error("expected no active cycle after Reset")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	t.Parallel()
	clock, _ := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	sm.StartNewCycle("cycle-1", "round-1")
	// Skip straight to OnLeg1Filled without OnDumpDetected first.
	if err := sm.OnLeg1Filled(types.OrderResult{OrderID: "o1"}); err == nil {
		t.Error("expected an error transitioning LEG1_FILLED from WATCHING")
	}
}

func TestRoundExpiredWithUnhedgedLeg1RecordsLoss(t *testing.T) {
	t.Parallel()
	clock, _ := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	sm.StartNewCycle("cycle-1", "round-1")
	sm.OnDumpDetected(types.DumpSignal{Side: types.Up, Price: dec("0.40")})
	sm.OnLeg1Filled(types.OrderResult{OrderID: "o1", Side: types.Up, Shares: dec("20"), AvgPrice: dec("0.40")})

	if err := sm.OnRoundExpired(); err != nil {
		t.Fatalf("OnRoundExpired: %v", err)
	}

	cur, _ := sm.Current()
	if cur.Status != types.CycleRoundExpired {
		t.Fatalf("status = %v, want ROUND_EXPIRED", cur.Status)
	}
	wantLoss := dec("-8.00")
	if !cur.Profit.Equal(wantLoss) {
		t.Errorf("profit = %v, want %v (= -20*0.40)", cur.Profit, wantLoss)
	}
}

func TestOnErrorFromAnyNonTerminalState(t *testing.T) {
	t.Parallel()
	clock, _ := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	sm.StartNewCycle("cycle-1", "round-1")
	if err := sm.OnError(errors.New("order rejected")); err != nil {
		t.Fatalf("OnError: %v", err)
	}

	cur, _ := sm.Current()
	if cur.Status != types.CycleError {
		t.Fatalf("status = %v, want ERROR", cur.Status)
	}
	if cur.Error != "order rejected" {
		t.Errorf("error = %q, want %q", cur.Error, "order rejected")
	}
}

func TestResetNoopWhenNotTerminal(t *testing.T) {
	t.Parallel()
	clock, _ := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	sm.StartNewCycle("cycle-1", "round-1")
	sm.Reset()

	if _, ok := sm.Current(); !ok {
		t.Error("Reset on a non-terminal cycle must be a no-op")
	}
}

func TestCheckTimeoutLeg1PendingCancel(t *testing.T) {
	t.Parallel()
	clock, advance := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	sm.StartNewCycle("cycle-1", "round-1")
	sm.OnDumpDetected(types.DumpSignal{Side: types.Up})

	advance(31 * time.Second)
	if got := sm.CheckTimeout(); got != TimeoutCancel {
		t.Errorf("CheckTimeout = %v, want cancel", got)
	}
}

func TestCheckTimeoutLeg1FilledWarn(t *testing.T) {
	t.Parallel()
	clock, advance := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	sm.StartNewCycle("cycle-1", "round-1")
	sm.OnDumpDetected(types.DumpSignal{Side: types.Up})
	sm.OnLeg1Filled(types.OrderResult{OrderID: "o1", Side: types.Up, Shares: dec("20"), AvgPrice: dec("0.40")})

	advance(121 * time.Second)
	if got := sm.CheckTimeout(); got != TimeoutWarn {
		t.Errorf("CheckTimeout = %v, want warn", got)
	}
}

func TestShouldForceExpire(t *testing.T) {
	t.Parallel()
	clock, _ := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	sm.StartNewCycle("cycle-1", "round-1")
	sm.OnDumpDetected(types.DumpSignal{Side: types.Up})

	if !sm.ShouldForceExpire(4) {
		t.Error("LEG1_PENDING with remaining=4 should force-expire")
	}
	if sm.ShouldForceExpire(10) {
		t.Error("LEG1_PENDING with remaining=10 should not force-expire")
	}
}

func TestStartNewCycleReplacesActiveNonTerminal(t *testing.T) {
	t.Parallel()
	clock, _ := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	sm.StartNewCycle("cycle-1", "round-1")
	sm.OnDumpDetected(types.DumpSignal{Side: types.Up})

	sm.StartNewCycle("cycle-2", "round-2")
	cur, _ := sm.Current()
	if cur.ID != "cycle-2" || cur.Status != types.CycleWatching {
		t.Errorf("expected replacement cycle-2/WATCHING, got %+v", cur)
	}
}

func TestSetPendingOrderRecordsIDAndSide(t *testing.T) {
	t.Parallel()
	clock, _ := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	sm.StartNewCycle("cycle-1", "round-1")
	sm.OnDumpDetected(types.DumpSignal{Side: types.Up})

	if err := sm.SetPendingOrder("o1", types.Up); err != nil {
		t.Fatalf("SetPendingOrder: %v", err)
	}

	cur, _ := sm.Current()
	if cur.PendingOrderID != "o1" || cur.PendingSide != types.Up {
		t.Errorf("pending order = (%q, %v), want (o1, UP)", cur.PendingOrderID, cur.PendingSide)
	}
}

func TestSetPendingOrderRejectedOutsidePendingStates(t *testing.T) {
	t.Parallel()
	clock, _ := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	sm.StartNewCycle("cycle-1", "round-1")
	if err := sm.SetPendingOrder("o1", types.Up); err == nil {
		t.Error("expected an error setting a pending order from WATCHING")
	}
}

func TestOnLeg1FilledClearsPendingOrder(t *testing.T) {
	t.Parallel()
	clock, _ := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	sm.StartNewCycle("cycle-1", "round-1")
	sm.OnDumpDetected(types.DumpSignal{Side: types.Up})
	sm.SetPendingOrder("o1", types.Up)

	if err := sm.OnLeg1Filled(types.OrderResult{OrderID: "o1", Side: types.Up, Shares: dec("20"), AvgPrice: dec("0.40")}); err != nil {
		t.Fatalf("OnLeg1Filled: %v", err)
	}

	cur, _ := sm.Current()
	if cur.PendingOrderID != "" {
		t.Errorf("PendingOrderID = %q, want cleared on fill", cur.PendingOrderID)
	}
}

func TestCooldownRemainingGatesAfterReset(t *testing.T) {
	t.Parallel()
	clock, advance := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	sm.StartNewCycle("cycle-1", "round-1")
	sm.OnError(errors.New("boom"))
	sm.Reset()

	if remaining := sm.CooldownRemaining(); remaining <= 0 {
		t.Fatalf("CooldownRemaining() = %v immediately after reset, want > 0", remaining)
	}

	advance(5*time.Second + time.Millisecond)
	if remaining := sm.CooldownRemaining(); remaining != 0 {
		t.Errorf("CooldownRemaining() = %v after cooldown elapsed, want 0", remaining)
	}
}

func TestCooldownRemainingZeroBeforeAnyReset(t *testing.T) {
	t.Parallel()
	clock, _ := newClock(time.Now())
	sm := New(testConfig(), clock, testLogger())

	if remaining := sm.CooldownRemaining(); remaining != 0 {
		t.Errorf("CooldownRemaining() = %v with no prior reset, want 0", remaining)
	}
}
