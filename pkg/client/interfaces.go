package client

import (
	"context"

	"github.com/aeolun/worldlink/pkg/protocol"
)

// ConnectionInterface defines the interface for client connections
// This allows for mocking in tests while the real Connection implements all these methods
type ConnectionInterface interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect()
	DisconnectWithReason(reason DisconnectReason)
	Close()
	State() ConnectionState
	IsConnected() bool
	GetAddress() string

	// Message sending
	Send(body []byte) error
	SendMessage(msg protocol.Message) error

	// Channels for receiving data
	Incoming() <-chan protocol.Packet
	Errors() <-chan error
	StateChanges() <-chan ConnectionStateUpdate

	// Traffic statistics
	GetBytesSent() uint64
	GetBytesReceived() uint64
}

var (
	_ ConnectionInterface = (*Connection)(nil)
	_ ConnectionInterface = (*MockConnection)(nil)
)
