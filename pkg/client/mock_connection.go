package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/aeolun/worldlink/pkg/protocol"
)

// MockConnection is a test implementation of ConnectionInterface
type MockConnection struct {
	mu sync.RWMutex

	// State
	state      ConnectionState
	address    string
	connectErr error
	sendErr    error
	reasons    []DisconnectReason

	// holdHandshake leaves Connect in StateAwaitingHandshake until
	// CompleteHandshake is called.
	holdHandshake bool

	// Channels for communication
	incoming    chan protocol.Packet
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Sent bodies and messages for verification
	SentBodies   [][]byte
	SentMessages []protocol.Message
}

// NewMockConnection creates a new mock connection
func NewMockConnection(address string) *MockConnection {
	return &MockConnection{
		address:      address,
		incoming:     make(chan protocol.Packet, 100),
		errors:       make(chan error, 10),
		stateChange:  make(chan ConnectionStateUpdate, 10),
		SentBodies:   make([][]byte, 0),
		SentMessages: make([]protocol.Message, 0),
	}
}

// Connect simulates an open socket. The handshake completes at once
// unless SetHoldHandshake was called.
func (m *MockConnection) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectErr != nil {
		return m.connectErr
	}
	if m.state != StateDisconnected {
		return ErrAlreadyConnected
	}
	if m.holdHandshake {
		m.state = StateAwaitingHandshake
		return nil
	}
	m.state = StateConnected
	return nil
}

// Disconnect simulates disconnecting from the server
func (m *MockConnection) Disconnect() {
	m.DisconnectWithReason(DisconnectUserRequested)
}

// DisconnectWithReason records the reason and drops to Disconnected.
func (m *MockConnection) DisconnectWithReason(reason DisconnectReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisconnected {
		return
	}
	m.state = StateDisconnected
	m.reasons = append(m.reasons, reason)
}

// Close closes the mock connection
func (m *MockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
	close(m.incoming)
	close(m.errors)
	close(m.stateChange)
}

// State returns the simulated state
func (m *MockConnection) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected returns the connection status
func (m *MockConnection) IsConnected() bool {
	return m.State() == StateConnected
}

// GetAddress returns the mock address
func (m *MockConnection) GetAddress() string {
	return m.address
}

// Send records a copy of the body for verification
func (m *MockConnection) Send(body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected {
		return ErrNotConnected
	}
	if m.sendErr != nil {
		return m.sendErr
	}

	m.SentBodies = append(m.SentBodies, append([]byte(nil), body...))
	return nil
}

// SendMessage records the message and its encoded body
func (m *MockConnection) SendMessage(msg protocol.Message) error {
	if err := m.Send(protocol.Encode(msg)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = append(m.SentMessages, msg)
	return nil
}

// Incoming returns the incoming packet channel
func (m *MockConnection) Incoming() <-chan protocol.Packet {
	return m.incoming
}

// Errors returns the error channel
func (m *MockConnection) Errors() <-chan error {
	return m.errors
}

// StateChanges returns the state change channel
func (m *MockConnection) StateChanges() <-chan ConnectionStateUpdate {
	return m.stateChange
}

// GetBytesSent returns 0 for mock
func (m *MockConnection) GetBytesSent() uint64 {
	return 0
}

// GetBytesReceived returns 0 for mock
func (m *MockConnection) GetBytesReceived() uint64 {
	return 0
}

// Test helpers

// SetConnectError sets an error to return from Connect()
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetHoldHandshake makes later Connect calls stop at
// StateAwaitingHandshake.
func (m *MockConnection) SetHoldHandshake(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdHandshake = hold
}

// CompleteHandshake moves an awaiting link to StateConnected.
func (m *MockConnection) CompleteHandshake() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAwaitingHandshake {
		m.state = StateConnected
	}
}

// SetSendError sets an error to return from Send()
func (m *MockConnection) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SimulateIncoming queues a server message as if it had been decrypted
func (m *MockConnection) SimulateIncoming(msg protocol.Message) {
	pkt, _ := protocol.ParsePacket(protocol.Encode(msg))
	m.incoming <- pkt
}

// SimulateError sends an error to the errors channel
func (m *MockConnection) SimulateError(err error) {
	m.errors <- err
}

// SimulateStateChange sends a state change to the stateChange channel
func (m *MockConnection) SimulateStateChange(state ConnectionStateUpdate) {
	m.stateChange <- state
}

// DisconnectReasons returns every reason passed to DisconnectWithReason
func (m *MockConnection) DisconnectReasons() []DisconnectReason {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]DisconnectReason(nil), m.reasons...)
}

// GetSentMessageCount returns the number of messages sent
func (m *MockConnection) GetSentMessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.SentMessages)
}

// GetLastSentMessage returns the last message sent, or error if none
func (m *MockConnection) GetLastSentMessage() (protocol.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.SentMessages) == 0 {
		return nil, fmt.Errorf("no messages sent")
	}

	return m.SentMessages[len(m.SentMessages)-1], nil
}

// ClearSentMessages clears the sent messages list
func (m *MockConnection) ClearSentMessages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = make([]protocol.Message, 0)
	m.SentBodies = make([][]byte, 0)
}
