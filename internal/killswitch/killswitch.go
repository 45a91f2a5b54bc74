// Package killswitch implements the emergency trading halt. Once triggered,
// every order-affecting operation is rejected unless explicitly allowlisted;
// unknown operations added elsewhere in the system are blocked by default.
package killswitch

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/arjunvm/nifty_iceberg/internal/storage"
)

// Operation names gated through CheckOperationAllowed.
const (
	OpNewPositions      = "new_positions"
	OpIncreasePositions = "increase_positions"
	OpAutoTrading       = "auto_trading"
	OpWebhookEntry      = "webhook_entry"
	OpClosePositions    = "close_positions"
	OpCancelOrders      = "cancel_orders"
)

// defaultBlocked replaces the blocked set on every trigger.
var defaultBlocked = []string{OpNewPositions, OpIncreasePositions, OpAutoTrading, OpWebhookEntry}

// defaultAllowed is the allowlist while triggered. Wind-down operations only.
var defaultAllowed = []string{OpClosePositions, OpCancelOrders}

// Auto-trigger thresholds. Advisory: CheckAutoTriggers reports, the caller
// decides whether to actually Trigger.
const (
	maxLossRatePerMinute = 10000.0
	maxFailedOrders      = 5
	maxOrdersPerMinute   = 20
)

// Metrics is the rolling health snapshot evaluated by CheckAutoTriggers.
type Metrics struct {
	LossRatePerMinute float64
	FailedOrders      int
	OrdersPerMinute   int
}

// AutoTradingToggler is the external flag the switch flips best-effort on
// trigger. The executor implements it.
type AutoTradingToggler interface {
	SetAutoTradingEnabled(enabled bool)
}

// Service is the persisted, fail-closed kill switch.
type Service struct {
	mu     sync.Mutex
	store  storage.Interface
	logger *log.Logger

	autoTrading AutoTradingToggler
}

// NewService creates a kill switch backed by the given store.
func NewService(store storage.Interface, logger *log.Logger) *Service {
	if store == nil {
		panic("killswitch.NewService: store must not be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "killswitch: ", log.LstdFlags)
	}
	return &Service{store: store, logger: logger}
}

// SetAutoTradingToggler wires the executor's auto-trading flag. Set after
// construction because the executor is built later in the wiring order.
func (s *Service) SetAutoTradingToggler(t AutoTradingToggler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoTrading = t
}

// Active reports whether the switch is currently triggered.
func (s *Service) Active() bool {
	return s.store.KillSwitchState().Active
}

// State returns a copy of the persisted switch state.
func (s *Service) State() storage.KillSwitchState {
	return s.store.KillSwitchState()
}

// Trigger activates the switch: installs the fixed blocked-operation set,
// records the reason and source in the audit history, and best-effort
// disables auto-trading. Triggering an already-active switch refreshes the
// reason and appends history.
func (s *Service) Trigger(reason, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	err := s.store.UpdateKillSwitchState(func(k *storage.KillSwitchState) {
		k.Active = true
		k.TriggerReason = reason
		k.TriggerTime = now
		k.BlockedOperations = append([]string(nil), defaultBlocked...)
		k.AllowedOperations = append([]string(nil), defaultAllowed...)
		k.History = append(k.History, storage.KillSwitchEvent{
			Time:   now,
			Action: "triggered",
			Reason: reason,
			Source: source,
		})
	})
	if err != nil {
		return fmt.Errorf("persisting kill switch trigger: %w", err)
	}

	s.logger.Printf("KILL SWITCH TRIGGERED by %s: %s", source, reason)

	// Best-effort: a failure to flip the flag never un-triggers the switch.
	if s.autoTrading != nil {
		s.autoTrading.SetAutoTradingEnabled(false)
	} else {
		s.logger.Printf("Warning: no auto-trading toggler wired, flag not flipped")
	}

	return nil
}

// Reset deactivates the switch. Returns false with no state change if the
// switch is not currently triggered. authorizedBy is recorded in the audit
// history; no cryptographic identity check happens at this layer.
func (s *Service) Reset(authorizedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.store.KillSwitchState().Active {
		s.logger.Printf("Kill switch reset requested by %s but switch is not triggered", authorizedBy)
		return false, nil
	}

	err := s.store.UpdateKillSwitchState(func(k *storage.KillSwitchState) {
		k.Active = false
		k.TriggerReason = ""
		k.TriggerTime = time.Time{}
		k.BlockedOperations = nil
		k.History = append(k.History, storage.KillSwitchEvent{
			Time:   time.Now(),
			Action: "reset",
			Source: authorizedBy,
		})
	})
	if err != nil {
		return false, fmt.Errorf("persisting kill switch reset: %w", err)
	}

	s.logger.Printf("Kill switch reset by %s", authorizedBy)

	if s.autoTrading != nil {
		s.autoTrading.SetAutoTradingEnabled(true)
	}

	return true, nil
}

// CheckOperationAllowed reports whether the named operation may proceed.
// Always true when the switch is inactive. When triggered: explicit blocks
// win, then the allowlist, then default-deny. Default-deny is the core safety
// invariant - operation types added elsewhere are blocked automatically until
// someone allowlists them.
func (s *Service) CheckOperationAllowed(operation string) bool {
	state := s.store.KillSwitchState()
	if !state.Active {
		return true
	}

	for _, op := range state.BlockedOperations {
		if op == operation {
			return false
		}
	}
	for _, op := range state.AllowedOperations {
		if op == operation {
			return true
		}
	}
	return false
}

// CheckAutoTriggers evaluates the threshold rules against the given metrics
// and returns a trigger reason if any is exceeded. Advisory only.
func (s *Service) CheckAutoTriggers(m Metrics) (string, bool) {
	switch {
	case m.LossRatePerMinute > maxLossRatePerMinute:
		return fmt.Sprintf("loss rate %.0f/min exceeds %.0f/min", m.LossRatePerMinute, maxLossRatePerMinute), true
	case m.FailedOrders > maxFailedOrders:
		return fmt.Sprintf("%d failed orders exceeds %d", m.FailedOrders, maxFailedOrders), true
	case m.OrdersPerMinute > maxOrdersPerMinute:
		return fmt.Sprintf("%d orders/min exceeds %d", m.OrdersPerMinute, maxOrdersPerMinute), true
	default:
		return "", false
	}
}
