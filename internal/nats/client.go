// Package nats persists conversation messages and events in NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/knath2000/klk-back-sub001/pkg/logger"
)

// Config holds NATS connection configuration. TLS is enabled when all three
// certificate files are set.
type Config struct {
	URL            string
	Name           string
	CAFile         string
	CertFile       string
	KeyFile        string
	Token          string
	ConnectTimeout time.Duration
}

// Client owns the NATS connection and its JetStream handle.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *logger.Logger
}

// Connect dials NATS. The dial is bounded by ctx's deadline when it is
// shorter than cfg.ConnectTimeout.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log = log.Named("nats")

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("NATS async error", fields...)
		}),
	}
	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		opts = append(opts,
			nats.RootCAs(cfg.CAFile),
			nats.ClientCert(cfg.CertFile, cfg.KeyFile),
		)
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log.Info("connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return &Client{conn: nc, js: js, logger: log}, nil
}

// JetStream returns the JetStream handle.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed", zap.Error(err))
		c.conn.Close()
	}
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
