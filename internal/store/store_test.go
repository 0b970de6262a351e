package store

import (
	"testing"

	"github.com/shopspring/decimal"

	"dumphedge/pkg/types"
)

func TestSaveAndLoadCycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	profit := decimal.RequireFromString("1.70")
	cycle := types.TradeCycle{
		ID:               "cycle-1",
		RoundID:          "round-1",
		Status:           types.CycleCompleted,
		GuaranteedProfit: &profit,
	}

	if err := s.SaveCycle(cycle); err != nil {
		t.Fatalf("SaveCycle: %v", err)
	}

	loaded, err := s.LoadCycle("cycle-1")
	if err != nil {
		t.Fatalf("LoadCycle: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadCycle returned nil")
	}
	if loaded.RoundID != cycle.RoundID {
		t.Errorf("RoundID = %v, want %v", loaded.RoundID, cycle.RoundID)
	}
	if !loaded.GuaranteedProfit.Equal(profit) {
		t.Errorf("GuaranteedProfit = %v, want %v", loaded.GuaranteedProfit, profit)
	}
}

func TestLoadCycleMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadCycle("nonexistent")
	if err != nil {
		t.Fatalf("LoadCycle: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing cycle, got %+v", loaded)
	}
}

func TestSaveCycleOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SaveCycle(types.TradeCycle{ID: "cycle-1", Status: types.CycleWatching})
	_ = s.SaveCycle(types.TradeCycle{ID: "cycle-1", Status: types.CycleCompleted})

	loaded, err := s.LoadCycle("cycle-1")
	if err != nil {
		t.Fatalf("LoadCycle: %v", err)
	}
	if loaded.Status != types.CycleCompleted {
		t.Errorf("Status = %v, want COMPLETED (latest save)", loaded.Status)
	}
}

func TestNoopSinkDiscards(t *testing.T) {
	t.Parallel()
	var sink CycleSink = NoopSink{}
	if err := sink.SaveCycle(types.TradeCycle{ID: "x"}); err != nil {
		t.Fatalf("NoopSink.SaveCycle: %v", err)
	}
}
