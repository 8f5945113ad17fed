package fmq

import (
	"time"

	"go.uber.org/zap"

	"github.com/maxpert/fmq/compress"
	"github.com/maxpert/fmq/interfaces"
	"github.com/maxpert/fmq/transport"
)

// Defaults for a served handle.
const (
	DefaultReadBatchSize      = 64
	DefaultRemotePollInterval = 500 * time.Millisecond
	// DefaultRemoteReadWait is the longest single READ wait asked of a
	// server during a blocking read, so the heartbeat keeps beating.
	DefaultRemoteReadWait = time.Second
)

// Option configures Open.
type Option func(*settings)

type settings struct {
	mode        interfaces.OpenMode
	position    interfaces.Position
	compression compress.Method
	numSlots    int
	bufSize     int64

	pollInterval        time.Duration
	blockingReadTimeout time.Duration
	openTimeout         time.Duration
	sync                bool

	msgsPerWrite  int
	readBatchSize int
	defaultPort   int
	dialTimeout   time.Duration
	callTimeout   time.Duration
	locator       transport.Locator
	forceServer   bool

	progName  string
	debug     bool
	heartbeat interfaces.Heartbeat
	registrar interfaces.Registrar
	logger    *zap.Logger
}

func defaultSettings() settings {
	return settings{
		mode:          interfaces.ModeReadWrite,
		position:      interfaces.PositionEnd,
		msgsPerWrite:  1,
		readBatchSize: DefaultReadBatchSize,
		defaultPort:   DefaultPort,
		logger:        zap.NewNop(),
	}
}

// WithMode sets the open mode. The default is ModeReadWrite.
func WithMode(mode interfaces.OpenMode) Option {
	return func(s *settings) { s.mode = mode }
}

// WithPosition sets where the reader cursor starts. The default is
// PositionEnd.
func WithPosition(pos interfaces.Position) Option {
	return func(s *settings) { s.position = pos }
}

// WithCompression sets the compression applied to writes from this handle.
func WithCompression(method compress.Method) Option {
	return func(s *settings) { s.compression = method }
}

// WithGeometry sets the slot count and buffer size used if the queue is
// created by this open.
func WithGeometry(numSlots int, bufSize int64) Option {
	return func(s *settings) {
		s.numSlots = numSlots
		s.bufSize = bufSize
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *settings) { s.pollInterval = d }
}

// WithBlockingReadTimeout bounds ReadMsgBlocking. Zero waits forever.
func WithBlockingReadTimeout(d time.Duration) Option {
	return func(s *settings) { s.blockingReadTimeout = d }
}

// WithOpenTimeout bounds a blocking open. Zero waits forever.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *settings) { s.openTimeout = d }
}

// WithSync makes local writes fdatasync the queue files.
func WithSync(sync bool) Option {
	return func(s *settings) { s.sync = sync }
}

// WithMsgsPerWrite sets the write batch size.
func WithMsgsPerWrite(n int) Option {
	return func(s *settings) { s.msgsPerWrite = n }
}

// WithReadBatchSize caps how many messages a server returns per READ.
func WithReadBatchSize(n int) Option {
	return func(s *settings) { s.readBatchSize = n }
}

func WithProgName(name string) Option {
	return func(s *settings) { s.progName = name }
}

// WithDebug asks the server to log this session's requests.
func WithDebug(debug bool) Option {
	return func(s *settings) { s.debug = debug }
}

func WithHeartbeat(hb interfaces.Heartbeat) Option {
	return func(s *settings) { s.heartbeat = hb }
}

func WithRegistrar(r interfaces.Registrar) Option {
	return func(s *settings) { s.registrar = r }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLocator replaces the ping locator used for served URLs.
func WithLocator(l transport.Locator) Option {
	return func(s *settings) { s.locator = l }
}

// WithForceServer sends every call through the queue server even when the
// URL names this machine. Bare paths are still opened directly.
func WithForceServer() Option {
	return func(s *settings) { s.forceServer = true }
}

// WithClientConfig applies the client section of a loaded configuration.
func WithClientConfig(cfg interfaces.ClientConfig) Option {
	return func(s *settings) {
		if cfg.DefaultPort > 0 {
			s.defaultPort = cfg.DefaultPort
		}
		if cfg.PollInterval > 0 {
			s.pollInterval = cfg.PollInterval
		}
		if cfg.BlockingReadTimeout > 0 {
			s.blockingReadTimeout = cfg.BlockingReadTimeout
		}
		if cfg.MsgsPerWrite > 0 {
			s.msgsPerWrite = cfg.MsgsPerWrite
		}
		if cfg.ReadBatchSize > 0 {
			s.readBatchSize = cfg.ReadBatchSize
		}
		s.dialTimeout = cfg.DialTimeout
		s.callTimeout = cfg.CallTimeout
	}
}
