package xrelay

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

// Content types with built-in codecs.
const (
	ContentTypeJSON  = "application/json"
	ContentTypeText  = "text/plain"
	ContentTypeBytes = "application/octet-stream"
)

// Codec is the Strategy for encoding/decoding message content for one content type.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) ContentType() string             { return ContentTypeJSON }

// TextCodec handles string content.
type TextCodec struct{}

func (TextCodec) Marshal(v any) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case []byte:
		return s, nil
	case fmt.Stringer:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("xrelay: text codec cannot marshal %T", v)
}

func (TextCodec) Unmarshal(b []byte, v any) error {
	switch p := v.(type) {
	case *string:
		*p = string(b)
		return nil
	case *[]byte:
		*p = append((*p)[:0], b...)
		return nil
	}
	return fmt.Errorf("xrelay: text codec cannot unmarshal into %T", v)
}

func (TextCodec) ContentType() string { return ContentTypeText }

// BytesCodec passes raw bytes through.
type BytesCodec struct{}

func (BytesCodec) Marshal(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, fmt.Errorf("xrelay: octet-stream codec cannot marshal %T", v)
}

func (BytesCodec) Unmarshal(b []byte, v any) error {
	if p, ok := v.(*[]byte); ok {
		*p = append((*p)[:0], b...)
		return nil
	}
	return fmt.Errorf("xrelay: octet-stream codec cannot unmarshal into %T", v)
}

func (BytesCodec) ContentType() string { return ContentTypeBytes }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		ContentTypeJSON:  func() Codec { return JSONCodec{} },
		ContentTypeText:  func() Codec { return TextCodec{} },
		ContentTypeBytes: func() Codec { return BytesCodec{} },
	}
)

// RegisterCodec registers a codec factory for a content type.
func RegisterCodec(contentType string, factory CodecFactory) error {
	if contentType == "" {
		return errors.New("codec content type must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[normalizeContentType(contentType)] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs the codec registered for contentType. Parameters such
// as "; charset=utf-8" are ignored.
func NewCodec(contentType string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[normalizeContentType(contentType)]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec for %q not registered", contentType)
	}
	return f(), nil
}

func normalizeContentType(ct string) string {
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// DecodeCodec unmarshals the message content into T using c.
func DecodeCodec[T any](c Codec, msg *Message) (T, error) {
	var v T
	if err := c.Unmarshal(msg.Content(), &v); err != nil {
		return v, err
	}
	return v, nil
}

// Decode unmarshals the message content into T using the codec registered
// for the message's content type, then the codec injected in ctx, then JSON.
func Decode[T any](ctx context.Context, msg *Message) (T, error) {
	if ct := msg.ContentType(); ct != "" {
		if c, err := NewCodec(ct); err == nil {
			return DecodeCodec[T](c, msg)
		}
	}
	if c, ok := CodecFromContext(ctx); ok && c != nil {
		return DecodeCodec[T](c, msg)
	}
	return DecodeCodec[T](JSONCodec{}, msg)
}
