package interfaces

import (
	"context"
	"time"
)

// Server defines the interface for queue server implementations
type Server interface {
	// Start starts the server with the given context
	Start(ctx context.Context) error

	// Stop gracefully stops the server
	Stop(ctx context.Context) error

	// Shutdown forcefully shuts down the server
	Shutdown() error

	// Health returns the server health status
	Health() HealthStatus

	// GetStats returns server statistics
	GetStats() *ServerStats

	// GetSessions returns active client sessions
	GetSessions() []SessionInfo
}

// HealthStatus represents server health information
type HealthStatus struct {
	Status    string
	Uptime    time.Duration
	Errors    []string
	Warnings  []string
	Timestamp time.Time
}

// ServerStats provides server statistics
type ServerStats struct {
	Uptime          time.Duration
	Sessions        int
	OpenQueues      int
	Requests        int64
	MessagesWritten int64
	MessagesRead    int64
	BytesReceived   int64
	BytesSent       int64
}

// SessionInfo provides information about a client session
type SessionInfo struct {
	ID            string
	RemoteAddress string
	ProgName      string
	QueuePath     string
	Mode          OpenMode
	ConnectedAt   time.Time
	LastActivity  time.Time
}
