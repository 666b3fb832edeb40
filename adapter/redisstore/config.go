package redisstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed journal and subscription tracker.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string
	PoolSize      int
	DialTimeout   time.Duration

	// Keys
	Prefix  string
	Journal string

	// MaxLenApprox trims the journal stream (0 keeps everything).
	MaxLenApprox int64
}

// Defaults returns a Config for a local Redis.
func Defaults() Config {
	return Config{
		Addr:        "127.0.0.1:6379",
		PoolSize:    10,
		DialTimeout: 5 * time.Second,
		Prefix:      "xrelay",
		Journal:     "journal",
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Prefix == "" {
		return fmt.Errorf("config: prefix required")
	}
	if c.Journal == "" {
		return fmt.Errorf("config: journal required")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("config: pool_size must be >= 1, got %d", c.PoolSize)
	}
	if c.MaxLenApprox < 0 {
		return fmt.Errorf("config: max_len_approx must be >= 0, got %d", c.MaxLenApprox)
	}
	return nil
}

// ConfigFromMap converts a generic map (as decoded from YAML) into Config
// with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	getInt := func(k string) (int64, bool) {
		switch v := m[k].(type) {
		case int:
			return int64(v), true
		case int64:
			return v, true
		case float64:
			return int64(v), true
		}
		return 0, false
	}
	getDur := func(k string) (time.Duration, bool) {
		switch v := m[k].(type) {
		case time.Duration:
			return v, true
		case string:
			d, err := time.ParseDuration(v)
			return d, err == nil
		}
		return 0, false
	}

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := getInt("db"); ok {
		c.DB = int(v)
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := getInt("pool_size"); ok && v > 0 {
		c.PoolSize = int(v)
	}
	if v, ok := getDur("dial_timeout"); ok && v > 0 {
		c.DialTimeout = v
	}
	if v, ok := m["prefix"].(string); ok && v != "" {
		c.Prefix = v
	}
	if v, ok := m["journal"].(string); ok && v != "" {
		c.Journal = v
	}
	if v, ok := getInt("max_len_approx"); ok && v > 0 {
		c.MaxLenApprox = v
	}
	return c
}

func (c Config) key(parts ...string) string {
	return c.Prefix + ":" + strings.Join(parts, ":")
}

// Connect opens a client for cfg and verifies it with PING.
func Connect(cfg Config) (*redis.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		MaxRetries:   3,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 1,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if !strings.EqualFold(res, "PONG") {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
