// Package natsbus is a NATS request/reply transport for xrelay.
//
// Transport name: "nats"
//
// Every bus listens on two subjects derived from its base URI:
//
//	<prefix>.msg.<base64url(uri)>   message records
//	<prefix>.sub.<base64url(uri)>   subscription requests
//
// Senders wait for the receiver's reply, so a bus that accepted a message
// has it durably queued when SendMessage returns. No responders on the
// subject is reported as a refused connection.
//
// Config keys: url, name, token, creds, prefix, queue_group,
// request_timeout, max_reconnects, reconnect_wait.
package natsbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Config for the NATS transport.
type Config struct {
	URL   string
	Name  string
	Token string
	// Creds is a path to a NATS user credentials file.
	Creds string

	// Prefix is the first subject token (default "xrelay").
	Prefix string
	// QueueGroup lets several processes share one base URI.
	QueueGroup string

	RequestTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
}

// Defaults returns a Config for a local NATS server.
func Defaults() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "xrelay",
		Prefix:         "xrelay",
		RequestTimeout: 10 * time.Second,
		MaxReconnects:  5,
		ReconnectWait:  2 * time.Second,
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url required")
	}
	if c.Prefix == "" {
		return fmt.Errorf("config: prefix required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request_timeout must be > 0, got %v", c.RequestTimeout)
	}
	return nil
}

// ConfigFromMap converts a generic map into Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	getStr := func(k string, dst *string) {
		if v, ok := m[k].(string); ok && v != "" {
			*dst = v
		}
	}
	getDur := func(k string, dst *time.Duration) {
		switch v := m[k].(type) {
		case time.Duration:
			if v > 0 {
				*dst = v
			}
		case string:
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			}
		}
	}

	getStr("url", &c.URL)
	getStr("name", &c.Name)
	getStr("token", &c.Token)
	getStr("creds", &c.Creds)
	getStr("prefix", &c.Prefix)
	getStr("queue_group", &c.QueueGroup)
	getDur("request_timeout", &c.RequestTimeout)
	getDur("reconnect_wait", &c.ReconnectWait)
	switch v := m["max_reconnects"].(type) {
	case int:
		c.MaxReconnects = v
	case float64:
		c.MaxReconnects = int(v)
	}
	return c
}
