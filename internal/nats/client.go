package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/svcstart/internal/config"
	"go.uber.org/zap"
)

const maxPendingTelemetry = 256

// Client wraps the agent's NATS connection. Commands arrive over core
// request/reply; telemetry goes out through JetStream.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
	closed chan struct{}
}

// NewClient connects and verifies that JetStream is available
func NewClient(cfg *config.NATSConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		logger: logger,
		closed: make(chan struct{}),
	}

	opts, err := c.connectOptions(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("Connecting to NATS", zap.Strings("urls", cfg.URLs))
	conn, err := nats.Connect(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.conn = conn

	logger.Info("Connected to NATS",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("server_id", conn.ConnectedServerId()),
		zap.Bool("tls", conn.TLSRequired()))

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(maxPendingTelemetry))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// Fail here rather than on the first heartbeat
	if _, err := js.AccountInfo(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("JetStream not available on NATS server (is JetStream enabled?): %w", err)
	}
	c.js = js

	return c, nil
}

// connectOptions assembles identity, reconnect, TLS and auth options
func (c *Client) connectOptions(cfg *config.NATSConfig) ([]nats.Option, error) {
	logger := c.logger

	opts := []nats.Option{
		nats.Name(clientName(cfg)),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
				return
			}
			logger.Info("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
			close(c.closed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS error", fields...)
		}),
	}

	if cfg.DrainTimeout > 0 {
		opts = append(opts, nats.DrainTimeout(cfg.DrainTimeout))
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := newTLSConfig(&cfg.TLS, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	auth, err := authOption(&cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	if auth != nil {
		opts = append(opts, auth)
	}

	return opts, nil
}

// authOption maps the configured auth type onto a connect option.
// pocketbase has been resolved to creds by the time the client connects.
func authOption(cfg *config.AuthConfig, logger *zap.Logger) (nats.Option, error) {
	switch cfg.Type {
	case "creds", "pocketbase":
		logger.Info("Using credentials file authentication", zap.String("file", cfg.CredsFile))
		return nats.UserCredentials(cfg.CredsFile), nil
	case "token":
		logger.Info("Using token authentication")
		return nats.Token(cfg.Token), nil
	case "userpass":
		logger.Info("Using username/password authentication", zap.String("username", cfg.Username))
		return nats.UserInfo(cfg.Username, cfg.Password), nil
	case "none":
		logger.Info("Using no authentication")
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid auth type: %s", cfg.Type)
	}
}

// PublishTelemetry queues a JetStream publish and returns without waiting
// for the ack. Failures after retries are logged.
func (c *Client) PublishTelemetry(subject string, data []byte) error {
	ack, err := c.js.PublishAsync(subject, data)
	if err != nil {
		c.logger.Error("Failed to queue telemetry publish",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to queue publish to %s: %w", subject, err)
	}

	go func() {
		select {
		case <-ack.Ok():
			c.logger.Debug("Published telemetry",
				zap.String("subject", subject),
				zap.Int("bytes", len(data)))
		case err := <-ack.Err():
			c.logger.Warn("Failed to publish telemetry after retries",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}()

	return nil
}

// PublishTelemetrySync publishes and waits up to timeout for the ack.
// Used for the final heartbeat on shutdown.
func (c *Client) PublishTelemetrySync(subject string, data []byte, timeout time.Duration) error {
	ack, err := c.js.PublishAsync(subject, data)
	if err != nil {
		return fmt.Errorf("failed to queue publish to %s: %w", subject, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ack.Ok():
		return nil
	case err := <-ack.Err():
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	case <-timer.C:
		return fmt.Errorf("publish to %s timed out after %v", subject, timeout)
	}
}

// Subscribe registers a core NATS handler for request/reply commands
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.logger.Info("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Drain stops the subscriptions, lets in-flight handlers finish and flushes
// pending publishes. The connection is closed outright when ctx expires first.
func (c *Client) Drain(ctx context.Context) error {
	if c.conn.IsClosed() {
		return nil
	}

	c.logger.Info("Draining NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to drain: %w", err)
	}

	select {
	case <-c.closed:
		c.logger.Info("NATS drain completed")
		return nil
	case <-ctx.Done():
		c.logger.Warn("NATS drain timeout, forcing close")
		c.conn.Close()
		return fmt.Errorf("drain interrupted: %w", ctx.Err())
	}
}

// Close closes the connection without draining
func (c *Client) Close() {
	c.conn.Close()
}

// IsConnected reports whether the connection is currently up
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// clientName identifies the connection in server monitoring
func clientName(cfg *config.NATSConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return "svcstart"
}
