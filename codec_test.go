package xrelay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderCreated struct {
	OrderID string `json:"order_id"`
}

type custom struct{}

func (custom) MessageName() string { return "billing.Custom" }

func TestNewCodec(t *testing.T) {
	c, err := NewCodec("application/json; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, c.ContentType())

	_, err = NewCodec("application/x-unknown")
	assert.Error(t, err)
	assert.Error(t, RegisterCodec("", func() Codec { return JSONCodec{} }))
	assert.Error(t, RegisterCodec("x/y", nil))
}

func TestDecode_PicksCodecByContentType(t *testing.T) {
	var h Headers
	h.Set(HeaderContentType, ContentTypeJSON)
	msg := NewMessage(h, []byte(`{"order_id":"o-1"}`))

	v, err := Decode[orderCreated](context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "o-1", v.OrderID)

	h.Set(HeaderContentType, ContentTypeText)
	s, err := Decode[string](context.Background(), NewMessage(h, []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	// Unknown content types fall back to the codec in ctx.
	h.Set(HeaderContentType, "application/x-unknown")
	ctx := InjectAll(context.Background(), TextCodec{}, nil, nil)
	s, err = Decode[string](ctx, NewMessage(h, []byte("raw")))
	require.NoError(t, err)
	assert.Equal(t, "raw", s)

	_, err = DecodeCodec[orderCreated](JSONCodec{}, NewMessage(nil, []byte("{")))
	assert.Error(t, err)
}

func TestTextAndBytesCodecs(t *testing.T) {
	b, err := TextCodec{}.Marshal("hi")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), b)
	_, err = TextCodec{}.Marshal(42)
	assert.Error(t, err)

	b, err = BytesCodec{}.Marshal([]byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)
	_, err = BytesCodec{}.Marshal("no")
	assert.Error(t, err)
}

func TestTypeNaming(t *testing.T) {
	n := TypeNaming{}
	assert.Equal(t, "xrelay.orderCreated", n.NameFor(orderCreated{}))
	assert.Equal(t, "xrelay.orderCreated", n.NameFor(&orderCreated{}))
	assert.Equal(t, "billing.Custom", n.NameFor(custom{}))
	assert.Equal(t, "string", n.NameFor("x"))
	assert.Equal(t, "", n.NameFor(nil))

	f := NamingFunc(func(any) string { return "fixed" })
	assert.Equal(t, "fixed", f.NameFor(1))
}
