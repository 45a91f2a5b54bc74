package limits

import (
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/arjunvm/nifty_iceberg/internal/config"
	"github.com/arjunvm/nifty_iceberg/internal/models"
	"github.com/arjunvm/nifty_iceberg/internal/storage"
)

func testConfig() config.LimitsConfig {
	return config.LimitsConfig{
		MaxLotsPerTrade:        100,
		MaxConcurrentPositions: 3,
		MaxPositionsPerSignal:  1,
		MaxDailyTrades:         10,
		MaxExposureAmount:      1_000_000,
		MaxLossPerDay:          50_000,
		FreezeQuantity:         1800,
		LotSize:                75,
		BypassMarketHours:      true,
		MarketHours: config.MarketHoursConfig{
			Start:    "09:15",
			End:      "15:30",
			Days:     []string{"mon", "tue", "wed", "thu", "fri"},
			Timezone: "Asia/Kolkata",
		},
	}
}

func newTestService(t *testing.T, cfg config.LimitsConfig) (*Service, *storage.MockStore) {
	t.Helper()
	store := storage.NewMockStore()
	svc := NewService(cfg, store, log.New(os.Stderr, "limits-test: ", 0))
	return svc, store
}

func testPosition(id, signal string, exposure float64) *models.Position {
	sig := &models.Signal{
		Signal: signal, Action: models.ActionEntry,
		Strike: 24500, OptionType: models.OptionTypePE, Lots: 10,
	}
	return models.NewPosition(id, sig, "NIFTY25SEP24500PE", "NIFTY25SEP24000PE", 750, exposure)
}

func TestValidateNewOrderLotBounds(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	tests := []struct {
		name       string
		lots       int
		allowed    bool
		wantReason string
	}{
		{"zero lots", 0, false, "invalid lot count"},
		{"one lot", 1, true, ""},
		// 100 lots is 7500 units, several freeze-quantity chunks; the limit
		// layer admits it and leaves the splitting to the iceberg service.
		{"hundred lots spanning freeze chunks", 100, true, ""},
		{"over per-trade cap", 101, false, "exceeds max lots per trade"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := svc.ValidateNewOrder(OrderCheck{Signal: "S1", Lots: tt.lots})
			if d.Allowed != tt.allowed {
				t.Fatalf("lots=%d allowed=%t reason=%q, want allowed=%t", tt.lots, d.Allowed, d.Reason, tt.allowed)
			}
			if tt.wantReason != "" && !strings.Contains(d.Reason, tt.wantReason) {
				t.Errorf("reason = %q, want substring %q", d.Reason, tt.wantReason)
			}
		})
	}
}

func TestValidateNewOrderMarketHours(t *testing.T) {
	cfg := testConfig()
	cfg.BypassMarketHours = false
	svc, _ := newTestService(t, cfg)

	ist := time.FixedZone("IST", 5*3600+1800)
	// Tuesday 2026-09-01 inside and outside the trading window.
	svc.now = func() time.Time { return time.Date(2026, 9, 1, 10, 0, 0, 0, ist) }
	if d := svc.ValidateNewOrder(OrderCheck{Signal: "S1", Lots: 1}); !d.Allowed {
		t.Fatalf("rejected during market hours: %s", d.Reason)
	}

	svc.now = func() time.Time { return time.Date(2026, 9, 1, 16, 0, 0, 0, ist) }
	if d := svc.ValidateNewOrder(OrderCheck{Signal: "S1", Lots: 1}); d.Allowed {
		t.Fatal("allowed after market close")
	}

	// Sunday.
	svc.now = func() time.Time { return time.Date(2026, 9, 6, 10, 0, 0, 0, ist) }
	if d := svc.ValidateNewOrder(OrderCheck{Signal: "S1", Lots: 1}); d.Allowed {
		t.Fatal("allowed on a non-trading day")
	}
}

func TestValidateNewOrderConcurrentPositions(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	for i, sig := range []string{"S1", "S2", "S3"} {
		if err := svc.RegisterPosition(testPosition(string(rune('a'+i)), sig, 1000)); err != nil {
			t.Fatalf("register %s: %v", sig, err)
		}
	}

	d := svc.ValidateNewOrder(OrderCheck{Signal: "S4", Lots: 1})
	if d.Allowed {
		t.Fatal("allowed a fourth concurrent position with cap 3")
	}
	if !strings.Contains(d.Reason, "max concurrent positions") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestValidateNewOrderPerSignalCap(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	if err := svc.RegisterPosition(testPosition("p1", "S1", 1000)); err != nil {
		t.Fatalf("register: %v", err)
	}

	if d := svc.ValidateNewOrder(OrderCheck{Signal: "S1", Lots: 1}); d.Allowed {
		t.Fatal("allowed a second position on the same signal")
	}
	if d := svc.ValidateNewOrder(OrderCheck{Signal: "S2", Lots: 1}); !d.Allowed {
		t.Fatalf("different signal rejected: %s", d.Reason)
	}
}

func TestValidateNewOrderExposureCap(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	if err := svc.RegisterPosition(testPosition("p1", "S1", 900_000)); err != nil {
		t.Fatalf("register: %v", err)
	}

	if d := svc.ValidateNewOrder(OrderCheck{Signal: "S2", Lots: 1, Exposure: 150_000}); d.Allowed {
		t.Fatal("allowed order pushing exposure past the cap")
	}
	if d := svc.ValidateNewOrder(OrderCheck{Signal: "S2", Lots: 1, Exposure: 50_000}); !d.Allowed {
		t.Fatalf("order within exposure cap rejected: %s", d.Reason)
	}
}

func TestValidateNewOrderDailyLossFloor(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	if err := svc.RegisterPosition(testPosition("p1", "S1", 1000)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.ClosePosition("p1", -50_000); err != nil {
		t.Fatalf("close: %v", err)
	}

	d := svc.ValidateNewOrder(OrderCheck{Signal: "S2", Lots: 1})
	if d.Allowed {
		t.Fatal("allowed trading at the daily loss cap")
	}
	if !strings.Contains(d.Reason, "daily loss") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestValidateNewOrderDailyTradeCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyTrades = 2
	cfg.MaxConcurrentPositions = 10
	svc, _ := newTestService(t, cfg)

	for i, sig := range []string{"S1", "S2"} {
		if err := svc.RegisterPosition(testPosition(string(rune('a'+i)), sig, 1000)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	if d := svc.ValidateNewOrder(OrderCheck{Signal: "S3", Lots: 1}); d.Allowed {
		t.Fatal("allowed trade past the daily cap")
	}
}

func TestReserveHoldsCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPositions = 1
	svc, _ := newTestService(t, cfg)

	res, d := svc.Reserve(OrderCheck{Signal: "S1", Lots: 10, Exposure: 1000})
	if !d.Allowed {
		t.Fatalf("first reserve rejected: %s", d.Reason)
	}

	// A concurrent attempt sees the held capacity and is denied even though
	// nothing is persisted yet.
	if _, d2 := svc.Reserve(OrderCheck{Signal: "S2", Lots: 10, Exposure: 1000}); d2.Allowed {
		t.Fatal("second reserve passed while first reservation was pending")
	}

	res.Release()
	if _, d3 := svc.Reserve(OrderCheck{Signal: "S2", Lots: 10, Exposure: 1000}); !d3.Allowed {
		t.Fatalf("reserve after release rejected: %s", d3.Reason)
	}
}

func TestReserveConfirmRegistersPosition(t *testing.T) {
	svc, store := newTestService(t, testConfig())

	res, d := svc.Reserve(OrderCheck{Signal: "S1", Lots: 10, Exposure: 5000})
	if !d.Allowed {
		t.Fatalf("reserve rejected: %s", d.Reason)
	}
	if err := res.Confirm(testPosition("p1", "S1", 5000)); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	state := store.TradingState()
	if len(state.ActivePositions) != 1 {
		t.Fatalf("active positions = %d, want 1", len(state.ActivePositions))
	}
	if state.TotalExposure != 5000 {
		t.Errorf("total exposure = %.0f, want 5000", state.TotalExposure)
	}
	if state.DailyTrades != 1 {
		t.Errorf("daily trades = %d, want 1", state.DailyTrades)
	}
	if state.PositionsBySignal["S1"] != 1 {
		t.Errorf("positions for S1 = %d, want 1", state.PositionsBySignal["S1"])
	}

	// Confirm released the pending hold; the persisted counters alone now
	// enforce the per-signal cap.
	if _, d2 := svc.Reserve(OrderCheck{Signal: "S1", Lots: 1}); d2.Allowed {
		t.Fatal("same-signal reserve passed after confirm")
	}
}

func TestReservationFinalizesOnce(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	res, d := svc.Reserve(OrderCheck{Signal: "S1", Lots: 1, Exposure: 100})
	if !d.Allowed {
		t.Fatalf("reserve rejected: %s", d.Reason)
	}
	res.Release()
	res.Release() // second release is a no-op, not a double decrement

	if err := res.Confirm(testPosition("p1", "S1", 100)); err == nil {
		t.Fatal("confirm after release succeeded")
	}

	// Capacity was restored exactly once.
	if svc.pendingPositions != 0 || svc.pendingTrades != 0 || svc.pendingExposure != 0 {
		t.Errorf("pending counters not zero: pos=%d trades=%d exp=%.0f",
			svc.pendingPositions, svc.pendingTrades, svc.pendingExposure)
	}
}

func TestClosePosition(t *testing.T) {
	svc, store := newTestService(t, testConfig())

	if err := svc.RegisterPosition(testPosition("p1", "S1", 5000)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.ClosePosition("p1", 1250); err != nil {
		t.Fatalf("close: %v", err)
	}

	state := store.TradingState()
	if len(state.ActivePositions) != 0 {
		t.Errorf("active positions = %d, want 0", len(state.ActivePositions))
	}
	if state.DailyPnL != 1250 {
		t.Errorf("daily P&L = %.0f, want 1250", state.DailyPnL)
	}
	if state.TotalExposure != 0 {
		t.Errorf("total exposure = %.0f, want 0", state.TotalExposure)
	}
	if _, ok := state.PositionsBySignal["S1"]; ok {
		t.Error("zero signal counter not removed")
	}

	if err := svc.ClosePosition("p1", 0); err == nil {
		t.Fatal("closing an unknown position did not error")
	}
}

func TestActivePositionForSignal(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	if pos := svc.ActivePositionForSignal("S1"); pos != nil {
		t.Fatalf("found phantom position %s", pos.ID)
	}
	if err := svc.RegisterPosition(testPosition("p1", "S1", 1000)); err != nil {
		t.Fatalf("register: %v", err)
	}
	pos := svc.ActivePositionForSignal("S1")
	if pos == nil || pos.ID != "p1" {
		t.Fatalf("lookup = %+v, want position p1", pos)
	}
}

func TestActivePositionAt(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	if err := svc.RegisterPosition(testPosition("p1", "S1", 1000)); err != nil {
		t.Fatalf("register: %v", err)
	}

	pos := svc.ActivePositionAt(24500, models.OptionTypePE)
	if pos == nil || pos.ID != "p1" {
		t.Fatalf("lookup = %+v, want position p1", pos)
	}
	if svc.ActivePositionAt(24500, models.OptionTypeCE) != nil {
		t.Error("CE lookup matched a PE position")
	}
	if svc.ActivePositionAt(24000, models.OptionTypePE) != nil {
		t.Error("wrong-strike lookup matched")
	}
}

func TestDailyCountersResetOnNewDay(t *testing.T) {
	svc, _ := newTestService(t, testConfig())

	ist := time.FixedZone("IST", 5*3600+1800)
	day1 := time.Date(2026, 9, 1, 10, 0, 0, 0, ist)
	svc.now = func() time.Time { return day1 }

	if err := svc.RegisterPosition(testPosition("p1", "S1", 5000)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.ClosePosition("p1", -2000); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.RegisterPosition(testPosition("p2", "S2", 3000)); err != nil {
		t.Fatalf("register: %v", err)
	}

	svc.now = func() time.Time { return day1.Add(24 * time.Hour) }
	state := svc.State()

	if state.DailyTrades != 0 || state.DailyPnL != 0 {
		t.Errorf("daily counters = trades %d pnl %.0f, want 0/0 after rollover",
			state.DailyTrades, state.DailyPnL)
	}
	// Open positions and their exposure survive the calendar rollover.
	if len(state.ActivePositions) != 1 || state.TotalExposure != 3000 {
		t.Errorf("carried state = %d positions, exposure %.0f, want 1 and 3000",
			len(state.ActivePositions), state.TotalExposure)
	}
	if state.LastReset != "2026-09-02" {
		t.Errorf("last reset = %q, want 2026-09-02", state.LastReset)
	}
}
