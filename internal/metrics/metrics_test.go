package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIncDumpSignalCountsBySide(t *testing.T) {
	before := testutil.ToFloat64(dumpSignals.WithLabelValues("UP"))
	IncDumpSignal("UP")
	after := testutil.ToFloat64(dumpSignals.WithLabelValues("UP"))
	if after != before+1 {
		t.Fatalf("dump_signals_total{side=UP} = %v, want %v", after, before+1)
	}
}

func TestIncCycleCompletedByOutcome(t *testing.T) {
	before := testutil.ToFloat64(cyclesCompleted.WithLabelValues("completed"))
	IncCycleCompleted("completed")
	after := testutil.ToFloat64(cyclesCompleted.WithLabelValues("completed"))
	if after != before+1 {
		t.Fatalf("cycles_completed_total{outcome=completed} = %v, want %v", after, before+1)
	}
}

func TestAddGuaranteedProfitIgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(guaranteedProfitUSDC)
	AddGuaranteedProfit(-5.0)
	AddGuaranteedProfit(0)
	after := testutil.ToFloat64(guaranteedProfitUSDC)
	if after != before {
		t.Fatalf("guaranteed_profit_usdc_total changed on non-positive input: %v -> %v", before, after)
	}

	AddGuaranteedProfit(2.5)
	final := testutil.ToFloat64(guaranteedProfitUSDC)
	if final != before+2.5 {
		t.Fatalf("guaranteed_profit_usdc_total = %v, want %v", final, before+2.5)
	}
}

func TestSetActiveCycleStateExclusivity(t *testing.T) {
	known := []string{"IDLE", "WATCHING", "LEG1_PENDING"}
	SetActiveCycleState("WATCHING", known)

	if v := testutil.ToFloat64(activeCycleState.WithLabelValues("WATCHING")); v != 1 {
		t.Fatalf("active_cycle_state{status=WATCHING} = %v, want 1", v)
	}
	if v := testutil.ToFloat64(activeCycleState.WithLabelValues("IDLE")); v != 0 {
		t.Fatalf("active_cycle_state{status=IDLE} = %v, want 0", v)
	}
}

func TestServerHealthEndpoint(t *testing.T) {
	srv := NewServer(0, testLogger())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	srv.httpServer.Addr = ln.Addr().String()

	go srv.httpServer.Serve(ln)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.httpServer.Shutdown(ctx)
	}()

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
