package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/maxpert/fmq/compress"
	"github.com/maxpert/fmq/interfaces"
)

// EnvPrefix marks environment variables that override file settings.
// FMQ_STORAGE__DATA_DIR sets storage.data_dir.
const EnvPrefix = "FMQ_"

// DefaultMaxConnections caps concurrent client sessions.
const DefaultMaxConnections = 256

// DefaultConfig creates a configuration with sensible defaults
func DefaultConfig() *FMQConfig {
	return &FMQConfig{
		Network: interfaces.NetworkConfig{
			Address:              "",
			Port:                 5520,
			MaxConnections:       DefaultMaxConnections,
			ConnectionTimeout:    30 * time.Second,
			IdleTimeout:          0,
			TCPKeepAlive:         true,
			TCPKeepAliveInterval: 30 * time.Second,
		},
		Storage: interfaces.StorageConfig{
			DataDir:         "./data",
			DefaultNumSlots: 1024,
			DefaultBufSize:  1 << 20,
			Compression:     compress.MethodNone,
			SyncWrites:      false,
			PollInterval:    10 * time.Millisecond,
			OpenTimeout:     0,
		},
		Client: interfaces.ClientConfig{
			DefaultPort:         5520,
			PollInterval:        0,
			BlockingReadTimeout: 0,
			MsgsPerWrite:        1,
			ReadBatchSize:       64,
			DialTimeout:         5 * time.Second,
			CallTimeout:         30 * time.Second,
		},
		Server: interfaces.ServerConfig{
			Name:             "fmq-server",
			Version:          "1.0.0",
			LogLevel:         "info",
			LogFile:          "",
			PidFile:          "",
			Daemonize:        false,
			MaxFrameSize:     64 * 1024 * 1024,
			ShutdownTimeout:  30 * time.Second,
			TelemetryEnabled: false,
			TelemetryPort:    9419,
		},
	}
}

// FMQConfig is the full configuration of the queue server and clients.
type FMQConfig struct {
	Network interfaces.NetworkConfig `json:"network" yaml:"network" koanf:"network"`
	Storage interfaces.StorageConfig `json:"storage" yaml:"storage" koanf:"storage"`
	Client  interfaces.ClientConfig  `json:"client" yaml:"client" koanf:"client"`
	Server  interfaces.ServerConfig  `json:"server" yaml:"server" koanf:"server"`
}

// ListenAddr is the host:port the server binds.
func (c *FMQConfig) ListenAddr() string {
	return net.JoinHostPort(c.Network.Address, strconv.Itoa(c.Network.Port))
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate validates the configuration
func (c *FMQConfig) Validate() error {
	// Validate network configuration; port 0 binds an ephemeral port
	if c.Network.Port < 0 || c.Network.Port > 65535 {
		return fmt.Errorf("invalid network port: %d", c.Network.Port)
	}

	if c.Network.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive: %d", c.Network.MaxConnections)
	}

	if c.Network.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive: %v", c.Network.ConnectionTimeout)
	}

	// Validate storage configuration
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data dir cannot be empty")
	}

	if c.Storage.DefaultNumSlots <= 0 {
		return fmt.Errorf("default num slots must be positive: %d", c.Storage.DefaultNumSlots)
	}

	if c.Storage.DefaultBufSize <= 0 {
		return fmt.Errorf("default buffer size must be positive: %d", c.Storage.DefaultBufSize)
	}

	if !c.Storage.Compression.Valid() {
		return fmt.Errorf("unknown compression method: %d", c.Storage.Compression)
	}

	if c.Storage.PollInterval <= 0 {
		return fmt.Errorf("storage poll interval must be positive: %v", c.Storage.PollInterval)
	}

	// Validate client configuration
	if c.Client.DefaultPort <= 0 || c.Client.DefaultPort > 65535 {
		return fmt.Errorf("invalid client default port: %d", c.Client.DefaultPort)
	}

	if c.Client.MsgsPerWrite <= 0 {
		return fmt.Errorf("msgs per write must be positive: %d", c.Client.MsgsPerWrite)
	}

	if c.Client.ReadBatchSize <= 0 {
		return fmt.Errorf("read batch size must be positive: %d", c.Client.ReadBatchSize)
	}

	// Validate server configuration
	if !logLevels[c.Server.LogLevel] {
		return fmt.Errorf("invalid log level: %q", c.Server.LogLevel)
	}

	if c.Server.MaxFrameSize <= 0 {
		return fmt.Errorf("max frame size must be positive: %d", c.Server.MaxFrameSize)
	}

	if c.Server.TelemetryEnabled && (c.Server.TelemetryPort <= 0 || c.Server.TelemetryPort > 65535) {
		return fmt.Errorf("invalid telemetry port: %d", c.Server.TelemetryPort)
	}

	return nil
}

// Load layers a YAML or JSON file (if source is not empty) and FMQ_*
// environment variables over the defaults, then validates the result.
func Load(source string) (*FMQConfig, error) {
	c := DefaultConfig()
	if err := c.Load(source); err != nil {
		return nil, err
	}
	return c, nil
}

// Load layers a configuration file and the environment over c.
func (c *FMQConfig) Load(source string) error {
	k := koanf.New(".")

	if source != "" {
		ext := strings.ToLower(filepath.Ext(source))
		switch ext {
		case ".yaml", ".yml", ".json":
		default:
			return fmt.Errorf("unsupported configuration format: %s", ext)
		}
		// YAML is a superset of JSON, one parser reads both.
		if err := k.Load(file.Provider(source), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	if err := k.UnmarshalWithConf("", c, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	return c.Validate()
}

// envKey maps FMQ_SECTION__FIELD_NAME to section.field_name.
func envKey(k, v string) (string, any) {
	k = strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	return strings.ReplaceAll(k, "__", "."), v
}

// Save writes the configuration as YAML, or JSON when destination ends in
// .json.
func (c *FMQConfig) Save(destination string) error {
	// Ensure destination directory exists
	dir := filepath.Dir(destination)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create configuration directory: %w", err)
	}

	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(destination), ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yamlv3.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(destination, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	return nil
}
