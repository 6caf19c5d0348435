// Package client provides the JetStream client used to move bulk ingest
// requests and results between producers and ingest nodes.
package client

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"github.com/wehubfusion/Daedalus/internal/nats"
	"go.uber.org/zap"
)

// Client manages the NATS connection and provides access to the bulk
// transport. It is the entry point for publishing batches to an ingest node
// and for the node's own consumption of the request stream.
//
// JetStream must be enabled on the server; plain NATS publish/subscribe is
// not used.
//
// Example usage:
//
//	c := client.NewClient("nats://localhost:4222")
//	if err := c.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer c.Close()
//
//	req := ingest.NewBulkRequest().AddDocument("logs", "", doc)
//	c.Bulk.PublishRequest(ctx, "ingest.requests", req)
type Client struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	config *nats.ConnectionConfig
	logger *zap.Logger

	// Bulk provides publish and pull operations for bulk requests and
	// results over JetStream.
	Bulk *BulkService
}

// NewClient creates a client with default configuration for the given NATS
// server URL. The client must be connected with Connect before use.
func NewClient(url string) *Client {
	logger, _ := zap.NewProduction()
	return &Client{
		config: nats.DefaultConnectionConfig(url),
		logger: logger,
	}
}

// NewClientWithConfig creates a client with full control over connection
// parameters such as reconnection behavior, timeouts, and authentication.
//
// Example:
//
//	config := nats.DefaultConnectionConfig("nats://localhost:4222")
//	config.Name = "ingest-producer"
//	config.MaxReconnects = 10
//	c := client.NewClientWithConfig(config)
func NewClientWithConfig(config *nats.ConnectionConfig) *Client {
	logger, _ := zap.NewProduction()
	return &Client{
		config: config,
		logger: logger,
	}
}

// NewClientWithJSContext creates a client wired to a provided JSContext
// implementation. Useful for tests to avoid connecting to a real NATS server.
func NewClientWithJSContext(js JSContext) *Client {
	logger, _ := zap.NewProduction()
	svc, _ := NewBulkService(js, defaultsFor(nats.DefaultConnectionConfig("")))
	return &Client{
		Bulk:   svc,
		logger: logger,
	}
}

func defaultsFor(config *nats.ConnectionConfig) BulkServiceConfig {
	return BulkServiceConfig{
		MaxDeliver:        config.MaxDeliver,
		PublishMaxRetries: config.PublishMaxRetries,
		ResultStream:      config.ResultStream,
		ResultSubject:     config.ResultSubject,
	}
}

// Connect establishes the NATS connection, initializes the JetStream context,
// and wires the Bulk service. It must be called before any transport
// operation. Calling Connect on an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	conn, err := nats.Connect(ctx, c.config, c.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		return fmt.Errorf("JetStream is not enabled on the NATS server: %w", err)
	}
	c.js = js

	svc, err := NewBulkService(WrapJetStream(c.js), defaultsFor(c.config))
	if err != nil {
		_ = nats.Close(c.conn)
		c.conn = nil
		c.js = nil
		return fmt.Errorf("failed to initialize bulk service: %w", err)
	}
	svc.SetLogger(c.logger)
	c.Bulk = svc

	return nil
}

// SetLogger sets a custom zap logger for the client.
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
		if c.Bulk != nil {
			c.Bulk.SetLogger(logger)
		}
	}
}

// Close drains and closes the NATS connection. It should always be called
// when done with the client, typically deferred right after Connect.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	if err := nats.Close(c.conn); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}

	c.conn = nil
	c.js = nil
	c.Bulk = nil

	return nil
}

// IsConnected reports whether the client currently holds a live connection.
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Connection returns the underlying NATS connection for advanced use.
// Direct manipulation can interfere with the client's connection management.
func (c *Client) Connection() *natsclient.Conn {
	return c.conn
}

// JetStream returns the JetStream context for stream and consumer
// management beyond what the Bulk service exposes.
func (c *Client) JetStream() natsclient.JetStreamContext {
	return c.js
}

// Stats returns connection statistics for monitoring.
func (c *Client) Stats() ConnectionStats {
	if c.conn == nil {
		return ConnectionStats{}
	}

	stats := c.conn.Stats()
	return ConnectionStats{
		InMsgs:     stats.InMsgs,
		OutMsgs:    stats.OutMsgs,
		InBytes:    stats.InBytes,
		OutBytes:   stats.OutBytes,
		Reconnects: stats.Reconnects,
	}
}

// ConnectionStats holds connection counters for monitoring and debugging.
type ConnectionStats struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

func (c *Client) ensureConnected() error {
	if !c.IsConnected() {
		return fmt.Errorf("not connected to NATS")
	}
	return nil
}

// Ping flushes the connection to verify the server is alive and responsive.
// The operation respects the context deadline.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.conn.FlushTimeout(c.config.Timeout)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ping cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		return nil
	}
}
