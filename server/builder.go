package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/maxpert/fmq/compress"
	"github.com/maxpert/fmq/config"
	"github.com/maxpert/fmq/interfaces"
)

// ServerBuilder provides a fluent API for building queue servers
type ServerBuilder struct {
	config    *config.FMQConfig
	logger    *zap.Logger
	metrics   MetricsCollector
	registrar interfaces.Registrar
}

// NewServerBuilder creates a new server builder with default configuration
func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{
		config: config.DefaultConfig(),
	}
}

// NewServerBuilderWithConfig creates a server builder with the given configuration
func NewServerBuilderWithConfig(cfg *config.FMQConfig) *ServerBuilder {
	return &ServerBuilder{
		config: cfg,
	}
}

// WithConfig sets the server configuration
func (b *ServerBuilder) WithConfig(config *config.FMQConfig) *ServerBuilder {
	b.config = config
	return b
}

// WithAddress sets the server address
func (b *ServerBuilder) WithAddress(address string) *ServerBuilder {
	b.config.Network.Address = address
	return b
}

// WithPort sets the server port
func (b *ServerBuilder) WithPort(port int) *ServerBuilder {
	b.config.Network.Port = port
	return b
}

// WithLogger sets the logger
func (b *ServerBuilder) WithLogger(logger *zap.Logger) *ServerBuilder {
	b.logger = logger
	return b
}

// WithZapLogger creates a logger using zap with the specified level
func (b *ServerBuilder) WithZapLogger(level string) *ServerBuilder {
	var zapConfig zap.Config

	switch level {
	case "debug":
		zapConfig = zap.NewDevelopmentConfig()
	case "info", "warn", "error":
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level = parseZapLevel(level)
	default:
		zapConfig = zap.NewProductionConfig()
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// Fallback to a basic logger if configuration fails
		logger, _ = zap.NewProduction()
	}

	b.logger = logger
	return b
}

// WithMetrics sets the metrics collector
func (b *ServerBuilder) WithMetrics(metrics MetricsCollector) *ServerBuilder {
	b.metrics = metrics
	return b
}

// WithRegistrar sets the data mapper notified by queues that enable
// registration
func (b *ServerBuilder) WithRegistrar(registrar interfaces.Registrar) *ServerBuilder {
	b.registrar = registrar
	return b
}

// WithDataDir sets the directory relative queue paths resolve under
func (b *ServerBuilder) WithDataDir(dir string) *ServerBuilder {
	b.config.Storage.DataDir = dir
	return b
}

// WithQueueDefaults sets the geometry and compression used for queues
// created without explicit settings
func (b *ServerBuilder) WithQueueDefaults(numSlots int, bufSize int64, method compress.Method) *ServerBuilder {
	b.config.Storage.DefaultNumSlots = numSlots
	b.config.Storage.DefaultBufSize = bufSize
	b.config.Storage.Compression = method
	return b
}

// WithMaxConnections sets the maximum number of concurrent sessions
func (b *ServerBuilder) WithMaxConnections(max int) *ServerBuilder {
	b.config.Network.MaxConnections = max
	return b
}

// WithConnectionTimeout closes sessions whose first frame does not arrive
// within d
func (b *ServerBuilder) WithConnectionTimeout(d time.Duration) *ServerBuilder {
	b.config.Network.ConnectionTimeout = d
	return b
}

// WithOpenTimeout caps how long a blocking INIT is held on the server
func (b *ServerBuilder) WithOpenTimeout(d time.Duration) *ServerBuilder {
	b.config.Storage.OpenTimeout = d
	return b
}

// WithIdleTimeout closes sessions that send nothing for d
func (b *ServerBuilder) WithIdleTimeout(d time.Duration) *ServerBuilder {
	b.config.Network.IdleTimeout = d
	return b
}

// WithProtocolLimits sets the largest frame accepted from a client
func (b *ServerBuilder) WithProtocolLimits(maxFrameSize int) *ServerBuilder {
	b.config.Server.MaxFrameSize = maxFrameSize
	return b
}

// Build constructs the server with all configured components
func (b *ServerBuilder) Build() (*Server, error) {
	// Validate configuration
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := b.logger
	if logger == nil {
		zapLogger, err := createZapLogger(b.config.Server.LogLevel, b.config.Server.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		logger = zapLogger
	}

	return b.assemble(logger), nil
}

// BuildUnsafe constructs the server without validation
func (b *ServerBuilder) BuildUnsafe() *Server {
	logger := b.logger
	if logger == nil {
		logger, _ = createZapLogger(b.config.Server.LogLevel, b.config.Server.LogFile)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return b.assemble(logger)
}

func (b *ServerBuilder) assemble(logger *zap.Logger) *Server {
	server := newServer(b.config.ListenAddr(), b.config, logger)
	if b.metrics != nil {
		server.MetricsCollector = b.metrics
	}
	server.Registrar = b.registrar

	// Create and attach lifecycle manager
	server.Lifecycle = NewLifecycleManager(server, b.config)
	return server
}

// Helper functions

func parseZapLevel(level string) zap.AtomicLevel {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

// NewLogger builds the server's zap logger; debug level uses the
// development encoder.
func NewLogger(level, logFile string) (*zap.Logger, error) {
	return createZapLogger(level, logFile)
}

func createZapLogger(level, logFile string) (*zap.Logger, error) {
	var zapConfig zap.Config

	if level == "debug" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level = parseZapLevel(level)
	}

	if logFile != "" {
		zapConfig.OutputPaths = []string{logFile}
	}

	return zapConfig.Build()
}
