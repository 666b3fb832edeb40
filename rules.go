package xrelay

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// SpecKind enumerates the message predicate variants.
type SpecKind int

const (
	SpecNamePattern SpecKind = iota + 1
	SpecContentType
	SpecCustom
)

func (k SpecKind) String() string {
	switch k {
	case SpecNamePattern:
		return "name-pattern"
	case SpecContentType:
		return "content-type"
	case SpecCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// MessageSpec is a message predicate used by send and handling rules.
type MessageSpec struct {
	Kind        SpecKind
	Pattern     *regexp.Regexp
	ContentType string
	Label       string
	Predicate   func(msg *Message) bool
}

// NamePattern matches messages whose MessageName matches the regular expression.
func NamePattern(pattern string) (MessageSpec, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return MessageSpec{}, fmt.Errorf("xrelay: invalid name pattern %q: %w", pattern, err)
	}
	return MessageSpec{Kind: SpecNamePattern, Pattern: re}, nil
}

// MustNamePattern is NamePattern that panics on an invalid expression.
func MustNamePattern(pattern string) MessageSpec {
	s, err := NamePattern(pattern)
	if err != nil {
		panic(err)
	}
	return s
}

// ContentTypeIs matches messages with the given content type.
func ContentTypeIs(ct string) MessageSpec {
	return MessageSpec{Kind: SpecContentType, ContentType: ct}
}

// Custom wraps an arbitrary predicate. label names it in logs and derived queue names.
func Custom(label string, fn func(msg *Message) bool) MessageSpec {
	return MessageSpec{Kind: SpecCustom, Label: label, Predicate: fn}
}

// Matches evaluates the spec against msg.
func (s MessageSpec) Matches(msg *Message) bool {
	if msg == nil {
		return false
	}
	switch s.Kind {
	case SpecNamePattern:
		return s.Pattern != nil && s.Pattern.MatchString(msg.Name())
	case SpecContentType:
		return normalizeContentType(msg.ContentType()) == normalizeContentType(s.ContentType)
	case SpecCustom:
		return s.Predicate != nil && s.Predicate(msg)
	}
	return false
}

func (s MessageSpec) String() string {
	switch s.Kind {
	case SpecNamePattern:
		if s.Pattern != nil {
			return s.Pattern.String()
		}
	case SpecContentType:
		return s.ContentType
	case SpecCustom:
		return s.Label
	}
	return s.Kind.String()
}

// Credentials are stamped on outbound requests by the transport.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Principal returns the identity the credentials assert.
func (c Credentials) Principal() string {
	if c.Username != "" {
		return c.Username
	}
	return c.Token
}

// Endpoint is a named remote bus.
type Endpoint struct {
	Name        string
	URI         string
	Credentials Credentials
}

// SendRule routes outbound messages matching Spec to the named endpoints.
type SendRule struct {
	Spec      MessageSpec
	Endpoints []string
}

// HandlingRule routes inbound messages matching Spec to Handler through the named queue.
// Rules sharing a QueueName share one durable queue.
type HandlingRule struct {
	Spec         MessageSpec
	Handler      Handler
	QueueName    string
	QueueOptions *QueueOptions
}

// SubscriptionConfig describes a subscription this bus keeps alive against a remote publisher.
type SubscriptionConfig struct {
	Endpoint string
	Topic    string
	TTL      time.Duration
}

var queueNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// queueNameFor derives a stable queue name from a rule spec.
func queueNameFor(s MessageSpec) string {
	n := queueNameSanitizer.ReplaceAllString(s.String(), "_")
	n = strings.Trim(n, "_.")
	if n == "" {
		n = "handler"
	}
	return n
}

// NormalizeURI lower-cases scheme and host and ensures a trailing slash on
// the path, so endpoint URIs compare equal regardless of spelling.
func NormalizeURI(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("xrelay: uri %q must be absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawPath = ""
	u.Fragment = ""
	return u.String(), nil
}

func mustNormalize(raw string) string {
	n, err := NormalizeURI(raw)
	if err != nil {
		return raw
	}
	return n
}
