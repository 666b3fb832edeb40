package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xrelay"
)

// testStore connects to XRELAY_REDIS_ADDR (default localhost) under a unique
// prefix and removes every key it created afterwards.
func testStore(t *testing.T) (*redis.Client, Config) {
	t.Helper()
	cfg := Defaults()
	if addr := os.Getenv("XRELAY_REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	cfg.Password = os.Getenv("XRELAY_REDIS_PASSWORD")
	cfg.Prefix = "xrelay-test-" + uuid.NewString()

	client, err := Connect(cfg)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		keys, _ := client.Keys(ctx, cfg.Prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = client.Close()
	})
	return client, cfg
}

func journalMessage(id, topic string) *xrelay.Message {
	var h xrelay.Headers
	h.Set(xrelay.HeaderMessageID, id)
	h.Set(xrelay.HeaderMessageName, "test.Message")
	h.Set(xrelay.HeaderContentType, xrelay.ContentTypeText)
	if topic != "" {
		h.Set(xrelay.HeaderTopic, topic)
	}
	return xrelay.NewMessage(h, []byte("body of "+id))
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"addr":           "redis:6380",
		"db":             2,
		"pool_size":      float64(20),
		"dial_timeout":   "2s",
		"prefix":         "bus-a",
		"max_len_approx": 5000,
	})
	assert.Equal(t, "redis:6380", cfg.Addr)
	assert.Equal(t, 2, cfg.DB)
	assert.Equal(t, 20, cfg.PoolSize)
	assert.Equal(t, 2*time.Second, cfg.DialTimeout)
	assert.Equal(t, "bus-a", cfg.Prefix)
	assert.Equal(t, "journal", cfg.Journal)
	assert.Equal(t, int64(5000), cfg.MaxLenApprox)
	require.NoError(t, cfg.Validate())

	cfg.Addr = ""
	assert.Error(t, cfg.Validate())
}

func TestStreamID(t *testing.T) {
	assert.Equal(t, StreamID("5-1"), StreamID("5-0").next())
	assert.Equal(t, StreamID("6-0"), StreamID("5-18446744073709551615").next())

	j := &Journal{}
	p, err := j.ParsePosition("1700000000000")
	require.NoError(t, err)
	assert.Equal(t, StreamID("1700000000000-0"), p)

	_, err = j.ParsePosition("nope")
	assert.ErrorIs(t, err, xrelay.ErrInvalidPosition)
}

func TestJournal_AppendAndRead(t *testing.T) {
	client, cfg := testStore(t)
	j := NewJournal(client, cfg)
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, journalMessage("s1", ""), xrelay.JournalSent))
	require.NoError(t, j.Append(ctx, journalMessage("p1", "prices"), xrelay.JournalPublished))
	require.NoError(t, j.Append(ctx, journalMessage("r1", ""), xrelay.JournalReceived))
	require.NoError(t, j.Append(ctx, journalMessage("p2", "prices"), xrelay.JournalPublished))

	start, err := j.BeginningOfJournal(ctx)
	require.NoError(t, err)

	var ids []string
	pos := start
	for i := 0; i < 10; i++ {
		res, err := j.Read(ctx, pos, 3, nil)
		require.NoError(t, err)
		for _, e := range res.Entries {
			ids = append(ids, e.Message.ID())
		}
		pos = res.Next
		if res.EndOfJournal {
			break
		}
	}
	assert.Equal(t, []string{"s1", "p1", "r1", "p2"}, ids)

	res, err := j.Read(ctx, start, 10, &xrelay.JournalFilter{
		Categories: []xrelay.JournalCategory{xrelay.JournalPublished},
		Topics:     []string{"prices"},
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "p1", res.Entries[0].Message.ID())
	assert.Equal(t, xrelay.JournalPublished, res.Entries[0].Category)
	assert.False(t, res.Entries[0].Timestamp.IsZero())
	assert.True(t, res.EndOfJournal)

	// The string form of a position resumes the read.
	resume, err := j.ParsePosition(res.Entries[1].Position.String())
	require.NoError(t, err)
	res, err = j.Read(ctx, resume, 10, nil)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "p2", res.Entries[0].Message.ID())

	res, err = j.Read(ctx, start, 10, &xrelay.JournalFilter{Topics: []string{"none"}})
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.Equal(t, start, res.Next)
}

func TestSubscriptionTracker_Lifecycle(t *testing.T) {
	client, cfg := testStore(t)
	tr := NewSubscriptionTracker(client, cfg)
	ctx := context.Background()

	require.NoError(t, tr.AddSubscription(ctx, "prices", "http://a.example/", 0))
	require.NoError(t, tr.AddSubscription(ctx, "prices", "http://b.example/", time.Hour))
	require.NoError(t, tr.AddSubscription(ctx, "prices", "http://c.example/", 50*time.Millisecond))

	subs, err := tr.GetSubscribers(ctx, "prices")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"http://a.example/", "http://b.example/", "http://c.example/"}, subs)

	time.Sleep(100 * time.Millisecond)
	subs, err = tr.GetSubscribers(ctx, "prices")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"http://a.example/", "http://b.example/"}, subs)

	topics, err := tr.Topics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"prices"}, topics)

	require.NoError(t, tr.RemoveSubscription(ctx, "prices", "http://a.example/"))
	require.NoError(t, tr.RemoveSubscription(ctx, "prices", "http://b.example/"))
	require.NoError(t, tr.RemoveSubscription(ctx, "prices", "http://c.example/"))

	topics, err = tr.Topics(ctx)
	require.NoError(t, err)
	assert.Empty(t, topics)

	assert.ErrorIs(t, tr.AddSubscription(ctx, "", "http://a.example/", 0), xrelay.ErrInvalidTopic)
}
