package xrelay

import (
	"strings"
	"time"
)

// Well-known header names.
const (
	HeaderMessageID   = "MessageId"
	HeaderMessageName = "MessageName"
	HeaderContentType = "ContentType"
	HeaderOrigination = "Origination"
	HeaderDestination = "Destination"
	HeaderReplyTo     = "ReplyTo"
	HeaderRelatedTo   = "RelatedTo"
	HeaderSent        = "Sent"
	HeaderReceived    = "Received"
	HeaderPublished   = "Published"
	HeaderExpires     = "Expires"
	HeaderTopic       = "Topic"
	HeaderImportance  = "Importance"
)

// Header is a single name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered, case-insensitive collection of message headers.
// The zero value is ready to use.
type Headers []Header

// Get returns the value for name, or "" when absent.
func (h Headers) Get(name string) string {
	for _, hd := range h {
		if strings.EqualFold(hd.Name, name) {
			return hd.Value
		}
	}
	return ""
}

// Has reports whether name is present.
func (h Headers) Has(name string) bool {
	for _, hd := range h {
		if strings.EqualFold(hd.Name, name) {
			return true
		}
	}
	return false
}

// Set replaces the value for name in place, or appends it.
// An empty value removes the header.
func (h *Headers) Set(name, value string) {
	if value == "" {
		h.Del(name)
		return
	}
	for i := range *h {
		if strings.EqualFold((*h)[i].Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// SetTime stores t in RFC 3339 form (UTC). A zero time removes the header.
func (h *Headers) SetTime(name string, t time.Time) {
	if t.IsZero() {
		h.Del(name)
		return
	}
	h.Set(name, t.UTC().Format(time.RFC3339Nano))
}

// Time parses the header as an RFC 3339 timestamp. Missing or unparsable
// values yield the zero time.
func (h Headers) Time(name string) time.Time {
	v := h.Get(name)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Del removes every header called name.
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, hd := range *h {
		if !strings.EqualFold(hd.Name, name) {
			out = append(out, hd)
		}
	}
	*h = out
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Message is the immutable envelope traveling the bus.
// Use NewMessage to build one; derive modified copies with WithHeaders.
type Message struct {
	headers Headers
	content []byte
}

// NewMessage copies headers and content into a new Message.
func NewMessage(headers Headers, content []byte) *Message {
	var c []byte
	if content != nil {
		c = make([]byte, len(content))
		copy(c, content)
	}
	return &Message{headers: headers.Clone(), content: c}
}

// Headers returns a copy of the message headers.
func (m *Message) Headers() Headers { return m.headers.Clone() }

// Header returns a single header value.
func (m *Message) Header(name string) string { return m.headers.Get(name) }

// Content returns the raw body. Callers must not modify it.
func (m *Message) Content() []byte { return m.content }

// WithHeaders returns a copy of m with fn applied to its headers.
func (m *Message) WithHeaders(fn func(h *Headers)) *Message {
	h := m.headers.Clone()
	fn(&h)
	return &Message{headers: h, content: m.content}
}

func (m *Message) ID() string          { return m.headers.Get(HeaderMessageID) }
func (m *Message) Name() string        { return m.headers.Get(HeaderMessageName) }
func (m *Message) ContentType() string { return m.headers.Get(HeaderContentType) }
func (m *Message) Origination() string { return m.headers.Get(HeaderOrigination) }
func (m *Message) Destination() string { return m.headers.Get(HeaderDestination) }
func (m *Message) RelatedTo() string   { return m.headers.Get(HeaderRelatedTo) }
func (m *Message) Topic() string       { return m.headers.Get(HeaderTopic) }
func (m *Message) Sent() time.Time     { return m.headers.Time(HeaderSent) }
func (m *Message) Received() time.Time { return m.headers.Time(HeaderReceived) }
func (m *Message) Published() time.Time {
	return m.headers.Time(HeaderPublished)
}
func (m *Message) Expires() time.Time { return m.headers.Time(HeaderExpires) }

// ReplyTo returns the address replies should go to, falling back to the
// origination address.
func (m *Message) ReplyTo() string {
	if v := m.headers.Get(HeaderReplyTo); v != "" {
		return v
	}
	return m.Origination()
}

// Expired reports whether the message carries an Expires header at or before now.
func (m *Message) Expired(now time.Time) bool {
	exp := m.Expires()
	return !exp.IsZero() && !exp.After(now)
}
