package storage

import "sync"

// MockStore implements Interface in memory for testing.
type MockStore struct {
	mu         sync.Mutex
	trading    *TradingState
	killSwitch *KillSwitchState

	// UpdateErr, when set, is returned by both Update methods to exercise
	// persistence-failure paths.
	UpdateErr error

	updateCalls int
}

// NewMockStore creates an empty in-memory store for testing.
func NewMockStore() *MockStore {
	return &MockStore{
		trading:    NewTradingState(),
		killSwitch: &KillSwitchState{},
	}
}

// Load is a no-op for the in-memory store.
func (m *MockStore) Load() error { return nil }

// TradingState returns a deep copy of the in-memory trading state.
func (m *MockStore) TradingState() TradingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyTradingState(m.trading)
}

// UpdateTradingState applies mutate in memory.
func (m *MockStore) UpdateTradingState(mutate func(*TradingState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	mutate(m.trading)
	m.updateCalls++
	return nil
}

// KillSwitchState returns a deep copy of the in-memory kill-switch state.
func (m *MockStore) KillSwitchState() KillSwitchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyKillSwitchState(m.killSwitch)
}

// UpdateKillSwitchState applies mutate in memory.
func (m *MockStore) UpdateKillSwitchState(mutate func(*KillSwitchState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	mutate(m.killSwitch)
	m.updateCalls++
	return nil
}

// UpdateCalls reports how many mutations have been applied.
func (m *MockStore) UpdateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCalls
}
