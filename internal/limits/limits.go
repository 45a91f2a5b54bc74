// Package limits is the single authority for whether a proposed order may
// proceed, based on time, size, concurrency, exposure and daily-loss rules.
package limits

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/arjunvm/nifty_iceberg/internal/config"
	"github.com/arjunvm/nifty_iceberg/internal/models"
	"github.com/arjunvm/nifty_iceberg/internal/storage"
)

// OrderCheck describes a proposed order for validation.
type OrderCheck struct {
	Signal   string
	Lots     int
	Exposure float64
}

// Decision is the limits verdict. A "no" is a value, never an error; Reason
// is human-readable and suitable for direct display or logging.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Service enforces the configured trading limits over persisted counters.
//
// The check-then-register sequence is collapsed into Reserve: validation and
// counter increments happen in one critical section, so two concurrent
// webhooks can never both pass the concurrency check and then both register.
type Service struct {
	mu     sync.Mutex
	cfg    config.LimitsConfig
	store  storage.Interface
	logger *log.Logger
	now    func() time.Time

	// pending capacity held by unconfirmed reservations
	pendingPositions int
	pendingExposure  float64
	pendingTrades    int
	pendingBySignal  map[string]int
}

// NewService creates a limits service over the given store. The persisted
// state is consulted lazily on each check so the daily reset happens on first
// access of a new calendar day.
func NewService(cfg config.LimitsConfig, store storage.Interface, logger *log.Logger) *Service {
	if store == nil {
		panic("limits.NewService: store must not be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "limits: ", log.LstdFlags)
	}
	return &Service{
		cfg:             cfg,
		store:           store,
		logger:          logger,
		now:             time.Now,
		pendingBySignal: make(map[string]int),
	}
}

// IsMarketHours reports whether trading is currently allowed by the clock.
// The configured bypass flag short-circuits to true for non-production
// validation (config.Validate rejects the flag in live mode).
func (s *Service) IsMarketHours() bool {
	if s.cfg.BypassMarketHours {
		return true
	}
	return s.cfg.MarketHours.IsWithinTradingHours(s.now())
}

// ValidateNewOrder is a read-only preview of the limit checks. It has no side
// effects; order placement must go through Reserve, which re-validates under
// the lock.
func (s *Service) ValidateNewOrder(req OrderCheck) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.currentStateLocked()
	if err != nil {
		return deny(fmt.Sprintf("limits state unavailable: %v", err))
	}
	return s.validateLocked(req, state)
}

// validateLocked runs the checks in fixed order, short-circuiting on the
// first failure. Caller must hold s.mu.
func (s *Service) validateLocked(req OrderCheck, state storage.TradingState) Decision {
	// (1) market hours
	if !s.IsMarketHours() {
		return deny(fmt.Sprintf("market is closed (trading window %s-%s %s)",
			s.cfg.MarketHours.Start, s.cfg.MarketHours.End, s.cfg.MarketHours.Timezone))
	}

	// (2) lot count, against the configured per-trade cap. The exchange
	// freeze quantity is honored downstream: the iceberg splitter caps each
	// chunk at MaxLotsPerOrder, which config validation derives from it.
	if req.Lots < 1 {
		return deny(fmt.Sprintf("invalid lot count %d", req.Lots))
	}
	if req.Lots > s.cfg.MaxLotsPerTrade {
		return deny(fmt.Sprintf("%d lots exceeds max lots per trade (%d)", req.Lots, s.cfg.MaxLotsPerTrade))
	}

	// (3) concurrent positions
	active := len(state.ActivePositions) + s.pendingPositions
	if active >= s.cfg.MaxConcurrentPositions {
		return deny(fmt.Sprintf("max concurrent positions reached (%d/%d)",
			active, s.cfg.MaxConcurrentPositions))
	}

	// (4) per-signal positions
	perSignal := state.PositionsBySignal[req.Signal] + s.pendingBySignal[req.Signal]
	if perSignal >= s.cfg.MaxPositionsPerSignal {
		return deny(fmt.Sprintf("signal %s already has %d active position(s) (max %d)",
			req.Signal, perSignal, s.cfg.MaxPositionsPerSignal))
	}

	// (5) cumulative exposure
	exposure := state.TotalExposure + s.pendingExposure + req.Exposure
	if exposure > s.cfg.MaxExposureAmount {
		return deny(fmt.Sprintf("exposure %.0f would exceed max exposure %.0f",
			exposure, s.cfg.MaxExposureAmount))
	}

	// (6) daily loss floor
	if state.DailyPnL <= -s.cfg.MaxLossPerDay {
		return deny(fmt.Sprintf("daily loss %.0f has hit the daily loss cap %.0f",
			-state.DailyPnL, s.cfg.MaxLossPerDay))
	}

	// (7) daily trade count
	trades := state.DailyTrades + s.pendingTrades
	if trades >= s.cfg.MaxDailyTrades {
		return deny(fmt.Sprintf("daily trade cap reached (%d/%d)", trades, s.cfg.MaxDailyTrades))
	}

	return allow()
}

// Reservation is capacity held against the limits while an order is being
// placed. Exactly one of Confirm or Release must be called.
type Reservation struct {
	svc  *Service
	req  OrderCheck
	done bool
}

// Reserve validates the order and, if allowed, holds capacity against every
// counter in the same critical section. The caller places the basket and then
// calls Confirm (registering the concrete position) or Release (restoring the
// capacity).
func (s *Service) Reserve(req OrderCheck) (*Reservation, Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.currentStateLocked()
	if err != nil {
		return nil, deny(fmt.Sprintf("limits state unavailable: %v", err))
	}

	decision := s.validateLocked(req, state)
	if !decision.Allowed {
		return nil, decision
	}

	s.pendingPositions++
	s.pendingExposure += req.Exposure
	s.pendingTrades++
	s.pendingBySignal[req.Signal]++

	return &Reservation{svc: s, req: req}, decision
}

// Confirm converts the reservation into a registered position, persisting
// counters synchronously.
func (r *Reservation) Confirm(pos *models.Position) error {
	r.svc.mu.Lock()
	defer r.svc.mu.Unlock()

	if r.done {
		return fmt.Errorf("reservation for signal %s already finalized", r.req.Signal)
	}
	r.done = true
	r.svc.releasePendingLocked(r.req)

	return r.svc.registerPositionLocked(pos)
}

// Release returns the held capacity without registering anything. Called when
// basket placement failed entirely.
func (r *Reservation) Release() {
	r.svc.mu.Lock()
	defer r.svc.mu.Unlock()

	if r.done {
		return
	}
	r.done = true
	r.svc.releasePendingLocked(r.req)
}

func (s *Service) releasePendingLocked(req OrderCheck) {
	s.pendingPositions--
	s.pendingExposure -= req.Exposure
	s.pendingTrades--
	s.pendingBySignal[req.Signal]--
	if s.pendingBySignal[req.Signal] <= 0 {
		delete(s.pendingBySignal, req.Signal)
	}
}

// RegisterPosition records an accepted position and persists synchronously.
// Callers using Reserve should go through Confirm instead; this remains for
// flows that already hold external serialization. It must be called exactly
// once per accepted position - there is no deduplication at this layer.
func (s *Service) RegisterPosition(pos *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerPositionLocked(pos)
}

func (s *Service) registerPositionLocked(pos *models.Position) error {
	err := s.store.UpdateTradingState(func(t *storage.TradingState) {
		s.resetIfNewDay(t)
		t.ActivePositions = append(t.ActivePositions, *pos)
		t.PositionsBySignal[pos.Signal]++
		t.TotalExposure += pos.Exposure
		t.DailyTrades++
	})
	if err != nil {
		return fmt.Errorf("persisting position registration: %w", err)
	}

	s.logger.Printf("Registered position %s (signal %s, %d lots, exposure %.0f)",
		pos.ID, pos.Signal, pos.Lots, pos.Exposure)
	return nil
}

// ClosePosition removes the position from the active set, applies the
// realized P&L to the daily counter, and persists synchronously. Must be
// called exactly once per closed position.
func (s *Service) ClosePosition(id string, pnl float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found bool
	err := s.store.UpdateTradingState(func(t *storage.TradingState) {
		s.resetIfNewDay(t)
		for i, pos := range t.ActivePositions {
			if pos.ID != id {
				continue
			}
			found = true
			t.ActivePositions = append(t.ActivePositions[:i], t.ActivePositions[i+1:]...)
			t.DailyPnL += pnl
			t.TotalExposure -= pos.Exposure
			if t.TotalExposure < 0 {
				t.TotalExposure = 0
			}
			if t.PositionsBySignal[pos.Signal] > 0 {
				t.PositionsBySignal[pos.Signal]--
			}
			if t.PositionsBySignal[pos.Signal] == 0 {
				delete(t.PositionsBySignal, pos.Signal)
			}
			break
		}
	})
	if err != nil {
		return fmt.Errorf("persisting position close: %w", err)
	}
	if !found {
		return fmt.Errorf("no active position with id %s", id)
	}

	s.logger.Printf("Closed position %s, P&L %.2f applied to daily counter", id, pnl)
	return nil
}

// ActivePositionForSignal returns the active position for a signal, or nil.
func (s *Service) ActivePositionForSignal(signal string) *models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.currentStateLocked()
	if err != nil {
		s.logger.Printf("Warning: could not load state looking up signal %s: %v", signal, err)
		return nil
	}
	for i := range state.ActivePositions {
		if state.ActivePositions[i].Signal == signal && state.ActivePositions[i].IsActive() {
			pos := state.ActivePositions[i]
			return &pos
		}
	}
	return nil
}

// ActivePositionAt returns the active position holding the given contract, or
// nil. Exit alerts that carry no strategy slot identify positions this way.
func (s *Service) ActivePositionAt(strike int, optionType string) *models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.currentStateLocked()
	if err != nil {
		s.logger.Printf("Warning: could not load state looking up %d%s: %v", strike, optionType, err)
		return nil
	}
	for i := range state.ActivePositions {
		if state.ActivePositions[i].Strike == strike &&
			state.ActivePositions[i].OptionType == optionType &&
			state.ActivePositions[i].IsActive() {
			pos := state.ActivePositions[i]
			return &pos
		}
	}
	return nil
}

// State returns a copy of the persisted counters, after applying any pending
// daily reset.
func (s *Service) State() storage.TradingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, _ := s.currentStateLocked()
	return state
}

// currentStateLocked returns the persisted state, flushing a daily reset to
// disk if the calendar day has rolled over since last access.
func (s *Service) currentStateLocked() (storage.TradingState, error) {
	state := s.store.TradingState()
	today := s.today()
	if state.LastReset == today {
		return state, nil
	}

	err := s.store.UpdateTradingState(func(t *storage.TradingState) {
		s.resetIfNewDay(t)
	})
	if err != nil {
		return state, err
	}
	return s.store.TradingState(), nil
}

// resetIfNewDay clears the daily counters when the persisted reset date is
// stale. Active positions and exposure carry over; only the daily trade count
// and P&L are calendar-scoped.
func (s *Service) resetIfNewDay(t *storage.TradingState) {
	today := s.today()
	if t.LastReset == today {
		return
	}
	if t.LastReset != "" {
		s.logger.Printf("New trading day %s (last reset %s), clearing daily counters", today, t.LastReset)
	}
	t.DailyTrades = 0
	t.DailyPnL = 0
	t.LastReset = today
}

func (s *Service) today() string {
	loc, _ := s.cfg.MarketHours.Location()
	return s.now().In(loc).Format("2006-01-02")
}
