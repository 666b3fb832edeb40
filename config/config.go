// Package config loads a bus definition from YAML and turns it into
// configured providers on an xrelay.BusBuilder. Handlers are code, so they
// are added to the builder after Apply.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xrelay"
)

// Provider names.
const (
	ProviderNone       = "none"
	ProviderFilesystem = "filesystem"
	ProviderRedis      = "redis"
)

// Config is the YAML document.
type Config struct {
	BaseURI     string `yaml:"base_uri"`
	ContentType string `yaml:"content_type,omitempty"`

	Transport     TransportConfig     `yaml:"transport"`
	Queueing      QueueingConfig      `yaml:"queueing"`
	Journal       JournalConfig       `yaml:"journal"`
	Subscriptions SubscriptionsConfig `yaml:"subscription_tracking"`

	Endpoints []EndpointConfig     `yaml:"endpoints,omitempty"`
	Topics    []string             `yaml:"topics,omitempty"`
	SendRules []SendRuleConfig     `yaml:"send_rules,omitempty"`
	Subscribe []SubscriptionConfig `yaml:"subscriptions,omitempty"`

	ReplyTTL               time.Duration `yaml:"reply_ttl,omitempty"`
	SubscriptionRetryDelay time.Duration `yaml:"subscription_retry_delay,omitempty"`

	sourcePath string
}

// TransportConfig selects a registered transport.
type TransportConfig struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options,omitempty"`
}

// QueueingConfig places the durable queues.
type QueueingConfig struct {
	BaseDir  string       `yaml:"base_dir"`
	Outbound *QueueConfig `yaml:"outbound,omitempty"`
}

// QueueConfig mirrors xrelay.QueueOptions.
type QueueConfig struct {
	MaxAttempts      int           `yaml:"max_attempts,omitempty"`
	RetryDelay       time.Duration `yaml:"retry_delay,omitempty"`
	ConcurrencyLimit int           `yaml:"concurrency,omitempty"`
	AutoAcknowledge  bool          `yaml:"auto_acknowledge,omitempty"`
	BufferSize       int           `yaml:"buffer_size,omitempty"`
}

// Options converts to xrelay.QueueOptions with defaults applied.
func (q QueueConfig) Options() xrelay.QueueOptions {
	return xrelay.QueueOptions{
		MaxAttempts:      q.MaxAttempts,
		RetryDelay:       q.RetryDelay,
		ConcurrencyLimit: q.ConcurrencyLimit,
		AutoAcknowledge:  q.AutoAcknowledge,
		BufferSize:       q.BufferSize,
	}.WithDefaults()
}

// JournalConfig selects the journal provider.
type JournalConfig struct {
	Provider string         `yaml:"provider"`
	Path     string         `yaml:"path,omitempty"`
	Redis    map[string]any `yaml:"redis,omitempty"`
}

// SubscriptionsConfig selects the subscription tracking provider.
type SubscriptionsConfig struct {
	Provider string         `yaml:"provider"`
	Dir      string         `yaml:"dir,omitempty"`
	Redis    map[string]any `yaml:"redis,omitempty"`
}

// EndpointConfig is a named remote bus.
type EndpointConfig struct {
	Name     string `yaml:"name"`
	URI      string `yaml:"uri"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Token    string `yaml:"token,omitempty"`
}

// SendRuleConfig routes messages by name pattern or content type.
type SendRuleConfig struct {
	NamePattern string   `yaml:"name_pattern,omitempty"`
	ContentType string   `yaml:"content_type,omitempty"`
	Endpoints   []string `yaml:"endpoints"`
}

// Spec builds the rule predicate.
func (r SendRuleConfig) Spec() (xrelay.MessageSpec, error) {
	switch {
	case r.NamePattern != "" && r.ContentType != "":
		return xrelay.MessageSpec{}, errors.New("send rule: name_pattern and content_type are exclusive")
	case r.NamePattern != "":
		return xrelay.NamePattern(r.NamePattern)
	case r.ContentType != "":
		return xrelay.ContentTypeIs(r.ContentType), nil
	}
	return xrelay.MessageSpec{}, errors.New("send rule: name_pattern or content_type required")
}

// SubscriptionConfig keeps a subscription alive at a remote publisher.
type SubscriptionConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Topic    string        `yaml:"topic"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
}

// Load reads and validates a YAML file. Environment variables in the file
// are expanded and relative directories resolve against the file's location.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.sourcePath = path
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes and validates YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SourcePath returns the file the config was loaded from, if any.
func (c *Config) SourcePath() string { return c.sourcePath }

func (c *Config) applyDefaults() {
	if c.Transport.Name == "" {
		c.Transport.Name = "memory"
	}
	if c.Journal.Provider == "" {
		c.Journal.Provider = ProviderNone
	}
	if c.Subscriptions.Provider == "" {
		if len(c.Topics) > 0 {
			c.Subscriptions.Provider = ProviderFilesystem
		} else {
			c.Subscriptions.Provider = ProviderNone
		}
	}
	if c.Journal.Provider == ProviderFilesystem && c.Journal.Path == "" && c.Queueing.BaseDir != "" {
		c.Journal.Path = filepath.Join(c.Queueing.BaseDir, "journal.log")
	}
	if c.Subscriptions.Provider == ProviderFilesystem && c.Subscriptions.Dir == "" && c.Queueing.BaseDir != "" {
		c.Subscriptions.Dir = filepath.Join(c.Queueing.BaseDir, "subscriptions")
	}
}

func (c *Config) resolvePaths(dir string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	abs(&c.Queueing.BaseDir)
	abs(&c.Journal.Path)
	abs(&c.Subscriptions.Dir)
}

// Validate reports every problem in the document.
func (c *Config) Validate() error {
	var errs []error
	if c.BaseURI == "" {
		errs = append(errs, errors.New("base_uri required"))
	}
	if c.Queueing.BaseDir == "" {
		errs = append(errs, errors.New("queueing.base_dir required"))
	}
	switch c.Journal.Provider {
	case ProviderNone, ProviderRedis:
	case ProviderFilesystem:
		if c.Journal.Path == "" {
			errs = append(errs, errors.New("journal.path required for the filesystem provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("journal.provider: unknown provider %q", c.Journal.Provider))
	}
	switch c.Subscriptions.Provider {
	case ProviderNone:
		if len(c.Topics) > 0 {
			errs = append(errs, errors.New("subscription_tracking.provider required when topics are declared"))
		}
	case ProviderRedis:
	case ProviderFilesystem:
		if c.Subscriptions.Dir == "" {
			errs = append(errs, errors.New("subscription_tracking.dir required for the filesystem provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("subscription_tracking.provider: unknown provider %q", c.Subscriptions.Provider))
	}
	for i, r := range c.SendRules {
		if _, err := r.Spec(); err != nil {
			errs = append(errs, fmt.Errorf("send_rules[%d]: %w", i, err))
		}
		if len(r.Endpoints) == 0 {
			errs = append(errs, fmt.Errorf("send_rules[%d]: endpoints required", i))
		}
	}
	for i, s := range c.Subscribe {
		if s.Endpoint == "" || s.Topic == "" {
			errs = append(errs, fmt.Errorf("subscriptions[%d]: endpoint and topic required", i))
		}
	}
	return errors.Join(errs...)
}
