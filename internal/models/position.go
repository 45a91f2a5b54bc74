package models

import (
	"fmt"
	"time"
)

// PositionStatus is the lifecycle state of a tracked position.
type PositionStatus string

const (
	// StatusActive means the spread is open at the broker.
	StatusActive PositionStatus = "ACTIVE"
	// StatusExited means the spread has been closed out.
	StatusExited PositionStatus = "EXITED"
)

// Position is a hedged spread tracked by the trading-limits state. At most one
// ACTIVE position exists per signal identifier (enforced by the limits
// service's per-signal cap, default 1).
type Position struct {
	ID            string         `json:"id"`
	Signal        string         `json:"signal"`
	MainSymbol    string         `json:"main_symbol"`
	HedgeSymbol   string         `json:"hedge_symbol"`
	Strike        int            `json:"strike"`
	OptionType    string         `json:"option_type"`
	Lots          int            `json:"lots"`
	Quantity      int            `json:"quantity"` // lots * lot size
	Exposure      float64        `json:"exposure"`
	EntryPremium  float64        `json:"entry_premium,omitempty"`
	MainOrderIDs  []string       `json:"main_order_ids,omitempty"`
	HedgeOrderIDs []string       `json:"hedge_order_ids,omitempty"`
	EntryTime     time.Time      `json:"entry_time"`
	ExitTime      time.Time      `json:"exit_time,omitempty"`
	RealizedPnL   float64        `json:"realized_pnl"`
	Status        PositionStatus `json:"status"`
}

// NewPosition creates an ACTIVE position for a freshly placed basket.
func NewPosition(id string, sig *Signal, mainSymbol, hedgeSymbol string, quantity int, exposure float64) *Position {
	return &Position{
		ID:           id,
		Signal:       sig.Signal,
		MainSymbol:   mainSymbol,
		HedgeSymbol:  hedgeSymbol,
		Strike:       sig.Strike,
		OptionType:   sig.OptionType,
		Lots:         sig.Lots,
		Quantity:     quantity,
		Exposure:     exposure,
		EntryPremium: sig.Premium,
		EntryTime:    time.Now(),
		Status:       StatusActive,
	}
}

// Close transitions the position to EXITED and records the realized P&L.
// Closing an already-exited position is an error so callers can't double-apply
// P&L to the daily counters.
func (p *Position) Close(pnl float64, at time.Time) error {
	if p.Status == StatusExited {
		return fmt.Errorf("position %s already exited", p.ID)
	}
	p.Status = StatusExited
	p.RealizedPnL = pnl
	p.ExitTime = at
	return nil
}

// IsActive reports whether the position is still open.
func (p *Position) IsActive() bool {
	return p.Status == StatusActive
}
