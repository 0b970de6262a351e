// Package dump implements DumpDetector: a pure calculator that, given a
// rolling window of recent price snapshots for the current round, decides
// whether one side's best ask has fallen far enough, fast enough, to be
// worth entering a position against.
//
// Adapted from the teacher module's internal/strategy/flow_tracker.go
// FlowTracker: same rolling-window-over-timestamped-samples shape (a slice
// trimmed to a time cutoff, then reduced to a score), repurposed from
// fill-based toxicity scoring to ask-price-drop detection. Unlike
// FlowTracker, DumpDetector holds no state of its own beyond per-round side
// locks, and stays logger-free as a pure calculator — the window itself
// lives in MarketFeed's ring buffer, not here.
package dump

import (
	"github.com/shopspring/decimal"

	"dumphedge/pkg/types"
)

// Detector evaluates DumpSignal candidates for the current round. Scope
// one Detector per round (or call Reset between rounds) since side-locking
// is round-scoped.
type Detector struct {
	movePct           decimal.Decimal
	windowMinutes     float64
	detectionWindowMs int64

	lockedUp   bool
	lockedDown bool
}

// New builds a DumpDetector. movePct is the minimum fractional ask drop
// (e.g. 0.15 for 15%) within detectionWindowMs that counts as a dump.
// windowMinutes bounds how long after round start detection stays active.
func New(movePct float64, windowMinutes float64, detectionWindowMs int64) *Detector {
	return &Detector{
		movePct:           decimal.NewFromFloat(movePct),
		windowMinutes:     windowMinutes,
		detectionWindowMs: detectionWindowMs,
	}
}

// Reset clears the per-round side locks. Call once per new round.
func (d *Detector) Reset() {
	d.lockedUp = false
	d.lockedDown = false
}

// Lock marks a side as already signaled for the current round so it is
// never re-evaluated (at most one DumpSignal per side per round).
func (d *Detector) Lock(side types.Side) {
	switch side {
	case types.Up:
		d.lockedUp = true
	case types.Down:
		d.lockedDown = true
	}
}

// Detect evaluates the given snapshot history (already filtered to the
// current round, ordered oldest-first) for a dump on either side.
// roundStartMs and nowMs bound the monitoring horizon.
func (d *Detector) Detect(snapshots []types.PriceSnapshot, roundStartMs, nowMs int64) *types.DumpSignal {
	if float64(nowMs-roundStartMs) > d.windowMinutes*60*1000 {
		return nil
	}

	recent := recentWithin(snapshots, nowMs, d.detectionWindowMs)
	if len(recent) < 2 {
		return nil
	}

	first := recent[0]
	last := recent[len(recent)-1]

	// UP is evaluated first: the deterministic tie-break when both sides
	// satisfy the threshold on the same tick.
	if sig := d.evaluateSide(types.Up, first, last); sig != nil {
		return sig
	}
	return d.evaluateSide(types.Down, first, last)
}

func (d *Detector) evaluateSide(side types.Side, first, last types.PriceSnapshot) *types.DumpSignal {
	if d.isLocked(side) {
		return nil
	}

	p0 := first.AskFor(side)
	p1 := last.AskFor(side)
	if !p0.IsPositive() {
		return nil
	}

	drop := p0.Sub(p1).Div(p0)
	if drop.GreaterThanOrEqual(d.movePct) {
		return &types.DumpSignal{
			Side:          side,
			DropPct:       drop,
			Price:         p1,
			PreviousPrice: p0,
			TimestampMs:   last.TimestampMs,
			RoundID:       last.RoundID,
		}
	}
	return nil
}

func (d *Detector) isLocked(side types.Side) bool {
	switch side {
	case types.Up:
		return d.lockedUp
	case types.Down:
		return d.lockedDown
	default:
		return false
	}
}

// recentWithin returns the suffix of snapshots whose timestamp falls within
// windowMs of nowMs, preserving order.
func recentWithin(snapshots []types.PriceSnapshot, nowMs, windowMs int64) []types.PriceSnapshot {
	cutoff := nowMs - windowMs
	start := len(snapshots)
	for start > 0 && snapshots[start-1].TimestampMs >= cutoff {
		start--
	}
	return snapshots[start:]
}
