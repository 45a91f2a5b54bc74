package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JSONStore persists the trading and kill-switch state as two plain JSON
// files with write-through semantics: every mutation is saved before the
// mutating call returns. Saves go through a temp file and an atomic rename so
// a crash mid-write never leaves a truncated state file.
type JSONStore struct {
	mu             sync.Mutex
	statePath      string
	killSwitchPath string
	trading        *TradingState
	killSwitch     *KillSwitchState
}

// NewJSONStore creates a store backed by the two given file paths, loading
// any existing state. Malformed persisted state fails construction loudly
// rather than silently starting from zero counters.
func NewJSONStore(statePath, killSwitchPath string) (*JSONStore, error) {
	s := &JSONStore{
		statePath:      statePath,
		killSwitchPath: killSwitchPath,
		trading:        NewTradingState(),
		killSwitch:     &KillSwitchState{},
	}

	if err := s.Load(); err != nil {
		return nil, fmt.Errorf("loading persisted state: %w", err)
	}
	return s, nil
}

// Load re-reads both state files. Missing files are fine (fresh start);
// unreadable or malformed files are not.
func (s *JSONStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := loadJSON(s.statePath, s.trading); err != nil {
		return fmt.Errorf("trading state %s: %w", s.statePath, err)
	}
	if s.trading.PositionsBySignal == nil {
		s.trading.PositionsBySignal = make(map[string]int)
	}
	if err := loadJSON(s.killSwitchPath, s.killSwitch); err != nil {
		return fmt.Errorf("kill switch state %s: %w", s.killSwitchPath, err)
	}
	return nil
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path) // #nosec G304 -- paths come from validated config
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// saveJSON writes v to path atomically via a temp file and rename.
func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpFile, path)
}

// TradingState returns a deep copy of the current trading state so callers
// can't mutate shared state outside UpdateTradingState.
func (s *JSONStore) TradingState() TradingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTradingState(s.trading)
}

// UpdateTradingState applies mutate under the store lock and persists the
// result synchronously.
func (s *JSONStore) UpdateTradingState(mutate func(*TradingState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mutate(s.trading)
	s.trading.LastUpdated = time.Now()
	return saveJSON(s.statePath, s.trading)
}

// KillSwitchState returns a deep copy of the current kill-switch state.
func (s *JSONStore) KillSwitchState() KillSwitchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyKillSwitchState(s.killSwitch)
}

// UpdateKillSwitchState applies mutate under the store lock and persists the
// result synchronously.
func (s *JSONStore) UpdateKillSwitchState(mutate func(*KillSwitchState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mutate(s.killSwitch)
	return saveJSON(s.killSwitchPath, s.killSwitch)
}

func copyTradingState(t *TradingState) TradingState {
	out := *t
	out.ActivePositions = append(out.ActivePositions[:0:0], t.ActivePositions...)
	out.PositionsBySignal = make(map[string]int, len(t.PositionsBySignal))
	for k, v := range t.PositionsBySignal {
		out.PositionsBySignal[k] = v
	}
	return out
}

func copyKillSwitchState(k *KillSwitchState) KillSwitchState {
	out := *k
	out.BlockedOperations = append(out.BlockedOperations[:0:0], k.BlockedOperations...)
	out.AllowedOperations = append(out.AllowedOperations[:0:0], k.AllowedOperations...)
	out.History = append(out.History[:0:0], k.History...)
	return out
}
