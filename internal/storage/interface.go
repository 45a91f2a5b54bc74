// Package storage provides file-backed persistence for the bot's risk state.
package storage

import (
	"time"

	"github.com/arjunvm/nifty_iceberg/internal/models"
)

// TradingState is the persisted risk-counter state owned by the trading
// limits service. LastReset is a calendar date ("2006-01-02"); the limits
// service resets the daily counters lazily when it rolls over.
type TradingState struct {
	ActivePositions   []models.Position `json:"active_positions"`
	DailyTrades       int               `json:"daily_trades"`
	DailyPnL          float64           `json:"daily_pnl"`
	TotalExposure     float64           `json:"total_exposure"`
	PositionsBySignal map[string]int    `json:"positions_by_signal"`
	LastReset         string            `json:"last_reset"`
	LastUpdated       time.Time         `json:"last_updated"`
}

// NewTradingState returns an empty state with initialized maps.
func NewTradingState() *TradingState {
	return &TradingState{
		PositionsBySignal: make(map[string]int),
	}
}

// KillSwitchEvent is one audit-trail entry for the kill switch.
type KillSwitchEvent struct {
	Time   time.Time `json:"time"`
	Action string    `json:"action"` // triggered | reset
	Reason string    `json:"reason,omitempty"`
	Source string    `json:"source,omitempty"` // trigger source or resetting identity
}

// KillSwitchState is the persisted emergency-halt state. History is
// append-only.
type KillSwitchState struct {
	Active            bool              `json:"active"`
	TriggerReason     string            `json:"trigger_reason,omitempty"`
	TriggerTime       time.Time         `json:"trigger_time,omitempty"`
	BlockedOperations []string          `json:"blocked_operations"`
	AllowedOperations []string          `json:"allowed_operations"`
	History           []KillSwitchEvent `json:"history"`
}

// Interface defines the contract for risk-state persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe. The provided JSONStore uses sync.Mutex to
// serialize access and writes through to disk on every mutation.
type Interface interface {
	// Trading-limits state
	TradingState() TradingState
	UpdateTradingState(mutate func(*TradingState)) error

	// Kill-switch state
	KillSwitchState() KillSwitchState
	UpdateKillSwitchState(mutate func(*KillSwitchState)) error

	// Load re-reads both state files from disk.
	Load() error
}

// Ensure both implementations satisfy Interface.
var (
	_ Interface = (*JSONStore)(nil)
	_ Interface = (*MockStore)(nil)
)
