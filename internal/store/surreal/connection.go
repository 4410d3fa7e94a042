package surreal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/scriptd/internal/retry"
)

// ErrNotConnected is returned when no database session is available.
var ErrNotConnected = errors.New("surreal: not connected")

// Config holds the connection settings.
type Config struct {
	URL       string `validate:"required,url"`
	Namespace string `validate:"required"`
	Database  string `validate:"required"`
	User      string
	Pass      string
}

// Connection owns one SurrealDB session and re-establishes it when an
// operation fails with a connection error.
type Connection struct {
	cfg     Config
	retryer *retry.Backoff
	logger  *slog.Logger

	mu      sync.RWMutex
	conn    *surrealdb.DB
	healthy bool
	done    chan struct{}
	closed  bool
}

func NewConnection(cfg Config, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		cfg:     cfg,
		retryer: retry.New(5),
		logger:  logger.With("component", "surreal"),
		done:    make(chan struct{}),
	}
}

// Connect opens the session, retrying with backoff.
func (c *Connection) Connect(ctx context.Context) error {
	return c.retryer.Retry(ctx, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn != nil {
			return nil
		}
		return c.reconnect(ctx)
	})
}

// WithConnection runs fn with the current session. A connection error
// triggers a reconnect and fn is retried with backoff.
func (c *Connection) WithConnection(ctx context.Context, fn func(*surrealdb.DB) error) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	err := fn(conn)
	if err == nil || !isConnectionError(err) {
		return err
	}

	c.logger.WarnContext(ctx, "Database operation failed, reconnecting",
		"error", err, "db_url", redactURL(c.cfg.URL))
	return c.retryer.Retry(ctx, func() error {
		if rerr := c.forceReconnect(ctx); rerr != nil {
			return fmt.Errorf("reconnection failed: %w (original error: %v)", rerr, err)
		}
		return fn(c.current())
	})
}

// StartMonitoring runs periodic health checks until Close.
func (c *Connection) StartMonitoring(interval time.Duration) {
	go c.monitor(interval)
}

func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		err := c.conn.Close(ctx)
		c.conn = nil
		return err
	}
	return nil
}

func (c *Connection) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Connection) current() *surrealdb.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// reconnect must be called with mu held.
func (c *Connection) reconnect(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close(ctx)
		c.conn = nil
	}
	c.healthy = false

	conn, err := surrealdb.FromEndpointURLString(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", redactURL(c.cfg.URL), err)
	}
	if c.cfg.User != "" {
		if _, err := conn.SignIn(ctx, &surrealdb.Auth{Username: c.cfg.User, Password: c.cfg.Pass}); err != nil {
			_ = conn.Close(ctx)
			return fmt.Errorf("sign in as %s: %w", c.cfg.User, err)
		}
	}
	if err := conn.Use(ctx, c.cfg.Namespace, c.cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("use %s/%s: %w", c.cfg.Namespace, c.cfg.Database, err)
	}

	c.conn = conn
	c.healthy = true
	c.logger.DebugContext(ctx, "Database connection established",
		"db_url", redactURL(c.cfg.URL),
		"namespace", c.cfg.Namespace,
		"database", c.cfg.Database,
	)
	return nil
}

func (c *Connection) forceReconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	return c.reconnect(ctx)
}

func (c *Connection) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.checkHealth(ctx); err != nil {
				c.logger.WarnContext(ctx, "Database health check failed, reconnecting", "error", err)
				if rerr := c.retryer.Retry(ctx, func() error { return c.forceReconnect(ctx) }); rerr != nil {
					c.logger.ErrorContext(ctx, "Failed to reconnect to database", "error", rerr)
				}
			}
			cancel()
		case <-c.done:
			return
		}
	}
}

func (c *Connection) checkHealth(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	_, err := conn.Version(ctx)

	c.mu.Lock()
	c.healthy = err == nil
	c.mu.Unlock()
	return err
}

// isConnectionError reports whether err looks like a lost session rather
// than a query failure.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "use of closed network connection")
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}
