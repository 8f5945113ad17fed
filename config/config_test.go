package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/fmq/compress"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 5520, config.Network.Port)
	assert.Equal(t, 256, config.Network.MaxConnections)
	assert.Equal(t, "./data", config.Storage.DataDir)
	assert.Equal(t, compress.MethodNone, config.Storage.Compression)
	assert.Equal(t, 1, config.Client.MsgsPerWrite)
	assert.Equal(t, "fmq-server", config.Server.Name)
	assert.Equal(t, ":5520", config.ListenAddr())

	err := config.Validate()
	assert.NoError(t, err)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*FMQConfig)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *FMQConfig) {},
			wantErr: false,
		},
		{
			name:    "ephemeral port",
			modify:  func(c *FMQConfig) { c.Network.Port = 0 },
			wantErr: false,
		},
		{
			name:    "invalid port - negative",
			modify:  func(c *FMQConfig) { c.Network.Port = -1 },
			wantErr: true,
		},
		{
			name:    "invalid port - too high",
			modify:  func(c *FMQConfig) { c.Network.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "invalid max connections",
			modify:  func(c *FMQConfig) { c.Network.MaxConnections = -1 },
			wantErr: true,
		},
		{
			name:    "empty data dir",
			modify:  func(c *FMQConfig) { c.Storage.DataDir = "" },
			wantErr: true,
		},
		{
			name:    "zero slots",
			modify:  func(c *FMQConfig) { c.Storage.DefaultNumSlots = 0 },
			wantErr: true,
		},
		{
			name:    "unknown compression",
			modify:  func(c *FMQConfig) { c.Storage.Compression = compress.Method(99) },
			wantErr: true,
		},
		{
			name:    "zero msgs per write",
			modify:  func(c *FMQConfig) { c.Client.MsgsPerWrite = 0 },
			wantErr: true,
		},
		{
			name:    "bad log level",
			modify:  func(c *FMQConfig) { c.Server.LogLevel = "verbose" },
			wantErr: true,
		},
		{
			name: "telemetry without port",
			modify: func(c *FMQConfig) {
				c.Server.TelemetryEnabled = true
				c.Server.TelemetryPort = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)

			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fmq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
network:
  port: 6000
storage:
  data_dir: /srv/fmq
  compression: zstd
  poll_interval: 25ms
client:
  msgs_per_write: 16
server:
  log_level: debug
`), 0644))

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6000, config.Network.Port)
	assert.Equal(t, "/srv/fmq", config.Storage.DataDir)
	assert.Equal(t, compress.MethodZstd, config.Storage.Compression)
	assert.Equal(t, 25*time.Millisecond, config.Storage.PollInterval)
	assert.Equal(t, 16, config.Client.MsgsPerWrite)
	assert.Equal(t, "debug", config.Server.LogLevel)

	// untouched keys keep their defaults
	assert.Equal(t, 1024, config.Storage.DefaultNumSlots)
	assert.Equal(t, "fmq-server", config.Server.Name)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fmq.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"network": {"max_connections": 8}, "storage": {"compression": "lz4"}}`), 0644))

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, config.Network.MaxConnections)
	assert.Equal(t, compress.MethodLZ4, config.Storage.Compression)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fmq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network:\n  port: 6000\n"), 0644))

	t.Setenv("FMQ_NETWORK__PORT", "7000")
	t.Setenv("FMQ_STORAGE__DATA_DIR", "/from/env")
	t.Setenv("FMQ_CLIENT__CALL_TIMEOUT", "2s")

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, config.Network.Port)
	assert.Equal(t, "/from/env", config.Storage.DataDir)
	assert.Equal(t, 2*time.Second, config.Client.CallTimeout)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("FMQ_SERVER__NAME", "edge")

	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "edge", config.Server.Name)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "fmq.toml"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("network:\n  port: 0\n"), 0644))
	_, err = Load(invalid)
	assert.Error(t, err)
}

func TestSaveAndLoad(t *testing.T) {
	for _, name := range []string{"fmq.yaml", "fmq.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)

			original := DefaultConfig()
			original.Network.Port = 6100
			original.Storage.Compression = compress.MethodS2
			original.Client.BlockingReadTimeout = 3 * time.Second
			require.NoError(t, original.Save(path))

			loaded, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, original, loaded)
		})
	}
}

func TestConfigBuilder(t *testing.T) {
	config, err := NewConfigBuilder().
		WithPort(6200).
		WithDataDir("/var/lib/fmq").
		WithGeometry(64, 1<<16).
		WithCompression(compress.MethodGzip).
		WithBatching(8, 32).
		WithLogging("warn", "").
		WithTelemetry(true, 9500).
		Build()
	require.NoError(t, err)

	assert.Equal(t, 6200, config.Network.Port)
	assert.Equal(t, "/var/lib/fmq", config.Storage.DataDir)
	assert.Equal(t, 64, config.Storage.DefaultNumSlots)
	assert.Equal(t, int64(1<<16), config.Storage.DefaultBufSize)
	assert.Equal(t, compress.MethodGzip, config.Storage.Compression)
	assert.Equal(t, 8, config.Client.MsgsPerWrite)
	assert.True(t, config.Server.TelemetryEnabled)

	_, err = NewConfigBuilder().WithPort(-1).Build()
	assert.Error(t, err)

	unsafe := NewConfigBuilder().WithPort(-1).BuildUnsafe()
	assert.Equal(t, -1, unsafe.Network.Port)

	copied := FromConfig(config).WithPort(6300).BuildUnsafe()
	assert.Equal(t, 6300, copied.Network.Port)
	assert.Equal(t, 6200, config.Network.Port)
}
