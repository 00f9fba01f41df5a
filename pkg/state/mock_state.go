package state

import (
	"strconv"
	"sync"
	"time"
)

// MockState is an in-memory implementation of StateInterface
type MockState struct {
	mu sync.RWMutex

	// In-memory storage
	config    map[string]string
	history   map[string]ConnectionRecord
	positions map[string]Position

	// Error injection
	getConfigErr    error
	setConfigErr    error
	savePositionErr error
}

// NewMockState creates a new mock state
func NewMockState() *MockState {
	return &MockState{
		config:    make(map[string]string),
		history:   make(map[string]ConnectionRecord),
		positions: make(map[string]Position),
	}
}

// GetConfig retrieves a configuration value
func (s *MockState) GetConfig(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.getConfigErr != nil {
		return "", s.getConfigErr
	}
	return s.config[key], nil
}

// SetConfig stores a configuration value
func (s *MockState) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setConfigErr != nil {
		return s.setConfigErr
	}
	s.config[key] = value
	return nil
}

// RecordConnection records a completed handshake
func (s *MockState) RecordConnection(serverAddress, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.history[serverAddress]
	rec.Address = serverAddress
	rec.Method = method
	rec.SuccessCount++
	rec.LastSuccessAt = time.Now()
	s.history[serverAddress] = rec
	return nil
}

// RecordDisconnect records why the last link ended
func (s *MockState) RecordDisconnect(serverAddress, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.history[serverAddress]
	rec.Address = serverAddress
	rec.LastDisconnectAt = time.Now()
	rec.LastDisconnectReason = reason
	s.history[serverAddress] = rec
	return nil
}

// GetConnectionHistory returns the history for a server, if any
func (s *MockState) GetConnectionHistory(serverAddress string) (ConnectionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.history[serverAddress]
	return rec, ok, nil
}

// SaveLastPosition stores the own character's position
func (s *MockState) SaveLastPosition(serverAddress string, pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.savePositionErr != nil {
		return s.savePositionErr
	}
	s.positions[serverAddress] = pos
	return nil
}

// GetLastPosition returns the last stored position, if any
func (s *MockState) GetLastPosition(serverAddress string) (Position, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[serverAddress]
	return pos, ok, nil
}

// GetFirstRun checks if this is the first time running the client
func (s *MockState) GetFirstRun() bool {
	val, _ := s.GetConfig("first_run_complete")
	return val != "true"
}

// SetFirstRunComplete marks first run as complete
func (s *MockState) SetFirstRunComplete() error {
	return s.SetConfig("first_run_complete", "true")
}

// GetLastSeenTimestamp returns the last seen timestamp
func (s *MockState) GetLastSeenTimestamp() int64 {
	val, _ := s.GetConfig("last_seen_timestamp")
	ts, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// UpdateLastSeenTimestamp updates the last seen timestamp to now
func (s *MockState) UpdateLastSeenTimestamp() error {
	return s.SetConfig("last_seen_timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
}

// Close closes the mock state (no-op for in-memory)
func (s *MockState) Close() error {
	return nil
}

// Test helpers

// SetGetConfigError sets an error to return from GetConfig()
func (s *MockState) SetGetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getConfigErr = err
}

// SetSetConfigError sets an error to return from SetConfig()
func (s *MockState) SetSetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConfigErr = err
}

// SetSavePositionError sets an error to return from SaveLastPosition()
func (s *MockState) SetSavePositionError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savePositionErr = err
}
