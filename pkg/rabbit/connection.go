package rabbit

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

// amqpConnection adapts *amqp.Connection to Connection.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP dials the broker with amqp091-go.
func DialAMQP(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// ConnectionManager owns the single broker connection of a process. The
// connection is created lazily on first Acquire and replaced whenever it is
// observed closed; concurrent first callers share one dial.
type ConnectionManager struct {
	cfg     Config
	uri     string
	amqpCfg amqp.Config
	dial    Dialer
	logger  Logger

	mu     sync.Mutex
	conn   Connection
	closed bool
	lost   []func()

	group    singleflight.Group
	shutdown chan struct{}
	stopOnce sync.Once
}

// NewConnectionManager prepares a manager for cfg. No connection is opened
// until the first Acquire.
func NewConnectionManager(cfg Config, opts ...Option) (*ConnectionManager, error) {
	o := newOptions(opts)

	amqpCfg := amqp.Config{
		Heartbeat: cfg.Connection.Heartbeat,
		Vhost:     cfg.Connection.VHost,
	}
	if amqpCfg.Heartbeat <= 0 {
		amqpCfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Connection.IsSSLEnabled {
		tlsCfg, err := newTLSConfig(cfg.Connection)
		if err != nil {
			return nil, &ConnectionError{Op: "tls", Err: err, Timestamp: time.Now()}
		}
		amqpCfg.TLSClientConfig = tlsCfg
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	return &ConnectionManager{
		cfg:      cfg,
		uri:      cfg.Connection.URI(),
		amqpCfg:  amqpCfg,
		dial:     o.dialer,
		logger:   o.logger,
		shutdown: make(chan struct{}),
	}, nil
}

// URI assembles the connection string. The vhost defaults to "/".
func (c ConnectionConfig) URI() string {
	scheme := "amqp"
	if c.IsSSLEnabled {
		scheme = "amqps"
	}
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   scheme,
		Host:     c.Host,
		Port:     int(c.Port),
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// redactedURI is safe to log.
func (m *ConnectionManager) redactedURI() string {
	u, err := url.Parse(m.uri)
	if err != nil {
		return m.cfg.Connection.Host
	}
	return u.Redacted()
}

func newTLSConfig(cfg ConnectionConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{ServerName: cfg.ServerName}
	if !cfg.UseCert {
		return tlsCfg, nil
	}

	caCert, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CACertPath)
	}

	cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key: %w", err)
	}

	tlsCfg.RootCAs = pool
	tlsCfg.Certificates = []tls.Certificate{cert}
	return tlsCfg, nil
}

// Acquire returns the open connection, dialing one if none is held or the
// held one is closed. Dial failures are returned as *ConnectionError and are
// not retried here.
func (m *ConnectionManager) Acquire(ctx context.Context) (Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if m.conn != nil && !m.conn.IsClosed() {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()

	res := m.group.DoChan("connect", func() (interface{}, error) {
		return m.connect(ctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Connection), nil
	}
}

func (m *ConnectionManager) connect(ctx context.Context) (Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if m.conn != nil && !m.conn.IsClosed() {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()

	m.logger.InfoWithContext(ctx, "Connecting to Rabbit", nil, map[string]interface{}{
		"rabbit_addr": m.redactedURI(),
	})

	conn, err := m.dial(m.uri, m.amqpCfg)
	if err != nil {
		m.logger.ErrorWithContext(ctx, "error in connecting to rabbit", err, map[string]interface{}{
			"rabbit_addr": m.redactedURI(),
		})
		return nil, &ConnectionError{Op: "dial", Err: fmt.Errorf("%w: %w", ErrConnectionFailed, err), Timestamp: time.Now()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = conn.Close()
		return nil, ErrShutdown
	}
	m.conn = conn

	m.logger.InfoWithContext(ctx, "Connected to Rabbit", nil, map[string]interface{}{
		"rabbit_addr": m.redactedURI(),
	})
	return conn, nil
}

// OnConnectionLost registers fn to run after the connection dropped and
// before it is re-dialed.
func (m *ConnectionManager) OnConnectionLost(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = append(m.lost, fn)
}

// drop forgets conn if it is still the held connection.
func (m *ConnectionManager) drop(conn Connection) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	listeners := make([]func(), len(m.lost))
	copy(listeners, m.lost)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Watch monitors the connection and re-dials after it closed unexpectedly,
// until ctx is done or Close is called. Run it in its own goroutine.
func (m *ConnectionManager) Watch(ctx context.Context) {
outerLoop:
	for {
		conn, err := m.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrShutdown) {
				return
			}
			m.logger.ErrorWithContext(ctx, "Reconnection failed", err, nil)
			if !m.sleep(ctx, m.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		errChan := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-ctx.Done():
			m.logger.InfoWithContext(ctx, "Stopping connection watch due to context cancellation", nil, nil)
			return

		case <-m.shutdown:
			m.logger.InfoWithContext(ctx, "Stopping connection watch due to shutdown signal", nil, nil)
			return

		case amqpErr, ok := <-errChan:
			if !ok || amqpErr == nil {
				// graceful close: either ours (shutdown) or a replaced handle
				m.drop(conn)
				continue outerLoop
			}
			m.logger.WarnWithContext(ctx, "RabbitMQ connection closed, retrying...", amqpErr, map[string]interface{}{
				"code":   amqpErr.Code,
				"reason": amqpErr.Reason,
			})
			m.drop(conn)
			if !m.sleep(ctx, m.cfg.ReconnectDelay) {
				return
			}
		}
	}
}

func (m *ConnectionManager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.shutdown:
		return false
	case <-t.C:
		return true
	}
}

// Close closes the held connection. It is a no-op when none is held and
// makes every later Acquire fail with ErrShutdown.
func (m *ConnectionManager) Close() error {
	m.stopOnce.Do(func() { close(m.shutdown) })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true

	conn := m.conn
	m.conn = nil
	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil {
		return &ConnectionError{Op: "close", Err: TranslateError(err), Timestamp: time.Now()}
	}
	return nil
}
