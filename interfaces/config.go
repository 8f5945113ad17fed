package interfaces

import (
	"time"

	"github.com/maxpert/fmq/compress"
)

// NetworkConfig holds network-related configuration
type NetworkConfig struct {
	// Address to bind the server to
	Address string `json:"address" yaml:"address" koanf:"address"`

	// Port to listen on
	Port int `json:"port" yaml:"port" koanf:"port"`

	// Maximum number of concurrent client sessions
	MaxConnections int `json:"max_connections" yaml:"max_connections" koanf:"max_connections"`

	// Connection timeout
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout" koanf:"connection_timeout"`

	// Idle read deadline for a session between requests (0 = none)
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" koanf:"idle_timeout"`

	// TCP keepalive settings
	TCPKeepAlive         bool          `json:"tcp_keepalive" yaml:"tcp_keepalive" koanf:"tcp_keepalive"`
	TCPKeepAliveInterval time.Duration `json:"tcp_keepalive_interval" yaml:"tcp_keepalive_interval" koanf:"tcp_keepalive_interval"`
}

// StorageConfig holds queue file configuration
type StorageConfig struct {
	// Directory that relative queue paths resolve under on the server
	DataDir string `json:"data_dir" yaml:"data_dir" koanf:"data_dir"`

	// Geometry used when a client creates a queue without specifying one
	DefaultNumSlots int   `json:"default_num_slots" yaml:"default_num_slots" koanf:"default_num_slots"`
	DefaultBufSize  int64 `json:"default_buf_size" yaml:"default_buf_size" koanf:"default_buf_size"`

	// Compression applied to new writes unless the client asks otherwise
	Compression compress.Method `json:"compression" yaml:"compression" koanf:"compression"`

	// Fdatasync status and buffer files after every write
	SyncWrites bool `json:"sync_writes" yaml:"sync_writes" koanf:"sync_writes"`

	// Poll interval for blocking reads and blocking opens on local files
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" koanf:"poll_interval"`

	// Upper bound on how long the server holds a blocking INIT (0 = the
	// client's timeout)
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout" koanf:"open_timeout"`
}

// ClientConfig holds façade defaults
type ClientConfig struct {
	// Port used when a queue URL names a host without a port
	DefaultPort int `json:"default_port" yaml:"default_port" koanf:"default_port"`

	// Poll interval for blocking calls (0 = 10ms on local files, 500ms
	// through a server)
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" koanf:"poll_interval"`

	// Abort blocking reads after this long (0 = never)
	BlockingReadTimeout time.Duration `json:"blocking_read_timeout" yaml:"blocking_read_timeout" koanf:"blocking_read_timeout"`

	// Messages buffered before a write is flushed (1 = write through)
	MsgsPerWrite int `json:"msgs_per_write" yaml:"msgs_per_write" koanf:"msgs_per_write"`

	// Maximum messages a server returns per READ
	ReadBatchSize int `json:"read_batch_size" yaml:"read_batch_size" koanf:"read_batch_size"`

	// Socket timeouts
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout" koanf:"dial_timeout"`
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout" koanf:"call_timeout"`
}

// ServerConfig holds server information configuration
type ServerConfig struct {
	// Server identification
	Name    string `json:"name" yaml:"name" koanf:"name"`
	Version string `json:"version" yaml:"version" koanf:"version"`

	// Operational settings
	LogLevel  string `json:"log_level" yaml:"log_level" koanf:"log_level"`
	LogFile   string `json:"log_file" yaml:"log_file" koanf:"log_file"`
	PidFile   string `json:"pid_file" yaml:"pid_file" koanf:"pid_file"`
	Daemonize bool   `json:"daemonize" yaml:"daemonize" koanf:"daemonize"`

	// Largest frame accepted from a client
	MaxFrameSize int `json:"max_frame_size" yaml:"max_frame_size" koanf:"max_frame_size"`

	// Time allowed for sessions to drain on shutdown
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" koanf:"shutdown_timeout"`

	// Telemetry endpoint (Prometheus + health)
	TelemetryEnabled bool `json:"telemetry_enabled" yaml:"telemetry_enabled" koanf:"telemetry_enabled"`
	TelemetryPort    int  `json:"telemetry_port" yaml:"telemetry_port" koanf:"telemetry_port"`
}
