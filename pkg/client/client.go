// Package client implements the diskpager admin client
package client

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/diskpager/pkg/api"
)

// Config contains the admin client configuration options
type Config struct {
	// ServerAddress is the address of the admin server (e.g., "127.0.0.1:7070")
	ServerAddress string

	// Timeout is the default timeout for RPC operations
	Timeout time.Duration

	// MaxRetries is the maximum number of retries for operations
	MaxRetries int

	// RetryDelay is the initial delay between retries (will be multiplied by backoff factor)
	RetryDelay time.Duration

	// BackoffFactor is the multiplier for retry delay after each attempt
	BackoffFactor float64

	// MaxCacheSize is the maximum number of entries in the stat cache
	MaxCacheSize int

	// CacheTTL is the time-to-live for cache entries; zero disables the cache
	CacheTTL time.Duration

	Logger *logrus.Entry
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ServerAddress: "127.0.0.1:7070",
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxCacheSize:  1000,
		CacheTTL:      2 * time.Second,
	}
}

// Client talks to one admin server
type Client struct {
	// gRPC connection to the server
	conn *grpc.ClientConn

	// Admin service client
	admin api.AdminClient

	// Client configuration
	config *Config

	log *logrus.Entry

	// Node stat cache
	statCache *StatCache
}

var _ Admin = (*Client)(nil)

// NewClient creates a new admin client. The connection is made lazily on
// the first call.
func NewClient(config *Config, opts ...grpc.DialOption) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(config.ServerAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	log := config.Logger
	if log == nil {
		log = logrus.WithField("component", "client")
	}
	return &Client{
		conn:      conn,
		admin:     api.NewAdminClient(conn),
		config:    config,
		log:       log,
		statCache: NewStatCache(config.MaxCacheSize, config.CacheTTL),
	}, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
