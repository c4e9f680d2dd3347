package rabbit

import (
	"runtime"
	"time"
)

const (
	// DefaultWorkTimeout bounds a single handler invocation.
	DefaultWorkTimeout = 20 * time.Second

	// DefaultCleanupTimeout bounds the cleanup that runs after a handler
	// timed out.
	DefaultCleanupTimeout = 5 * time.Second

	// DefaultReconnectDelay is the pause between re-dial attempts in Watch.
	DefaultReconnectDelay = time.Second

	// DefaultHeartbeat matches the interval the connection has always used to
	// detect dead peers quickly.
	DefaultHeartbeat = 2 * time.Second

	maxDefaultConcurrency = 32
)

// Config holds everything the connection manager needs to reach the broker.
type Config struct {
	Connection ConnectionConfig `koanf:"connection"`

	// ReconnectDelay is the pause between re-dial attempts after the
	// connection was lost.
	ReconnectDelay time.Duration `koanf:"reconnect_delay" validate:"gte=0"`
}

// ConnectionConfig describes the broker endpoint. The fields are assembled into an
// amqp:// or amqps:// URI.
type ConnectionConfig struct {
	Host     string `koanf:"host" validate:"required,hostname_rfc1123|ip"`
	Port     uint   `koanf:"port" validate:"required,max=65535"`
	User     string `koanf:"user" validate:"required"`
	Password string `koanf:"password"`
	VHost    string `koanf:"vhost"`

	IsSSLEnabled   bool   `koanf:"is_ssl_enabled"`
	UseCert        bool   `koanf:"use_cert"`
	CACertPath     string `koanf:"ca_cert_path" validate:"required_if=UseCert true"`
	ClientCertPath string `koanf:"client_cert_path" validate:"required_if=UseCert true"`
	ClientKeyPath  string `koanf:"client_key_path" validate:"required_if=UseCert true"`
	ServerName     string `koanf:"server_name"`

	Heartbeat time.Duration `koanf:"heartbeat" validate:"gte=0"`
}

// WorkerConfig controls the bounded worker loop.
type WorkerConfig struct {
	// MaxConcurrency is the number of messages dispatched at the same time.
	// Zero selects DefaultMaxConcurrency.
	MaxConcurrency int64 `koanf:"max_concurrency" validate:"gte=0"`

	// WorkTimeout is the deadline of one handler invocation.
	WorkTimeout time.Duration `koanf:"work_timeout" validate:"gte=0"`

	// CleanupTimeout bounds the cleanup run after WorkTimeout fired. It should
	// be shorter than WorkTimeout.
	CleanupTimeout time.Duration `koanf:"cleanup_timeout" validate:"gte=0"`
}

// DefaultMaxConcurrency derives the permit count from the available
// parallelism, capped at 32.
func DefaultMaxConcurrency() int64 {
	return int64(min(runtime.GOMAXPROCS(0)+4, maxDefaultConcurrency))
}

// DrainTimeout is the longest a dispatched message can take to settle after
// intake stops: WorkTimeout plus CleanupTimeout, defaults applied. An fx app
// running workers needs an fx.StopTimeout at least this long, otherwise the
// connection closes under in-flight handlers and their messages are
// redelivered.
func (c WorkerConfig) DrainTimeout() time.Duration {
	c = c.withDefaults()
	return c.WorkTimeout + c.CleanupTimeout
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency()
	}
	if c.WorkTimeout <= 0 {
		c.WorkTimeout = DefaultWorkTimeout
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = DefaultCleanupTimeout
	}
	return c
}
