package config

import (
	"time"

	"github.com/maxpert/fmq/compress"
)

// ConfigBuilder provides a fluent API for building configuration
type ConfigBuilder struct {
	config *FMQConfig
}

// NewConfigBuilder creates a new configuration builder with defaults
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		config: DefaultConfig(),
	}
}

// FromConfig creates a builder from a copy of an existing configuration
func FromConfig(config *FMQConfig) *ConfigBuilder {
	builder := NewConfigBuilder()
	*builder.config = *config
	return builder
}

// Network Configuration

// WithAddress sets the address the server binds
func (b *ConfigBuilder) WithAddress(address string) *ConfigBuilder {
	b.config.Network.Address = address
	return b
}

// WithPort sets the server port
func (b *ConfigBuilder) WithPort(port int) *ConfigBuilder {
	b.config.Network.Port = port
	return b
}

// WithMaxConnections sets the maximum number of concurrent sessions
func (b *ConfigBuilder) WithMaxConnections(max int) *ConfigBuilder {
	b.config.Network.MaxConnections = max
	return b
}

// WithTimeouts sets the connection and idle timeouts
func (b *ConfigBuilder) WithTimeouts(connection, idle time.Duration) *ConfigBuilder {
	b.config.Network.ConnectionTimeout = connection
	b.config.Network.IdleTimeout = idle
	return b
}

// WithTCPKeepAlive enables/disables TCP keep-alive
func (b *ConfigBuilder) WithTCPKeepAlive(enabled bool, interval time.Duration) *ConfigBuilder {
	b.config.Network.TCPKeepAlive = enabled
	b.config.Network.TCPKeepAliveInterval = interval
	return b
}

// Storage Configuration

// WithDataDir sets the directory relative queue paths resolve under
func (b *ConfigBuilder) WithDataDir(dir string) *ConfigBuilder {
	b.config.Storage.DataDir = dir
	return b
}

// WithGeometry sets the slot count and buffer size for new queues
func (b *ConfigBuilder) WithGeometry(numSlots int, bufSize int64) *ConfigBuilder {
	b.config.Storage.DefaultNumSlots = numSlots
	b.config.Storage.DefaultBufSize = bufSize
	return b
}

// WithCompression sets the default compression for new writes
func (b *ConfigBuilder) WithCompression(method compress.Method) *ConfigBuilder {
	b.config.Storage.Compression = method
	return b
}

// WithSyncWrites enables fdatasync after every write
func (b *ConfigBuilder) WithSyncWrites(enabled bool) *ConfigBuilder {
	b.config.Storage.SyncWrites = enabled
	return b
}

// WithPolling sets the local poll interval and blocking open timeout
func (b *ConfigBuilder) WithPolling(interval, openTimeout time.Duration) *ConfigBuilder {
	b.config.Storage.PollInterval = interval
	b.config.Storage.OpenTimeout = openTimeout
	return b
}

// Client Configuration

// WithBatching sets the client write batch and read batch sizes
func (b *ConfigBuilder) WithBatching(msgsPerWrite, readBatchSize int) *ConfigBuilder {
	b.config.Client.MsgsPerWrite = msgsPerWrite
	b.config.Client.ReadBatchSize = readBatchSize
	return b
}

// WithBlockingReadTimeout bounds client blocking reads
func (b *ConfigBuilder) WithBlockingReadTimeout(timeout time.Duration) *ConfigBuilder {
	b.config.Client.BlockingReadTimeout = timeout
	return b
}

// Server Configuration

// WithServerInfo sets server identification information
func (b *ConfigBuilder) WithServerInfo(name, version string) *ConfigBuilder {
	b.config.Server.Name = name
	b.config.Server.Version = version
	return b
}

// WithLogging configures logging settings
func (b *ConfigBuilder) WithLogging(level, logFile string) *ConfigBuilder {
	b.config.Server.LogLevel = level
	b.config.Server.LogFile = logFile
	return b
}

// WithDaemonize enables/disables daemon mode
func (b *ConfigBuilder) WithDaemonize(enabled bool, pidFile string) *ConfigBuilder {
	b.config.Server.Daemonize = enabled
	b.config.Server.PidFile = pidFile
	return b
}

// WithMaxFrameSize sets the largest accepted request frame
func (b *ConfigBuilder) WithMaxFrameSize(size int) *ConfigBuilder {
	b.config.Server.MaxFrameSize = size
	return b
}

// WithTelemetry enables the metrics and health endpoint
func (b *ConfigBuilder) WithTelemetry(enabled bool, port int) *ConfigBuilder {
	b.config.Server.TelemetryEnabled = enabled
	b.config.Server.TelemetryPort = port
	return b
}

// Build returns the configured FMQConfig
func (b *ConfigBuilder) Build() (*FMQConfig, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// BuildUnsafe returns the configured FMQConfig without validation
func (b *ConfigBuilder) BuildUnsafe() *FMQConfig {
	return b.config
}
