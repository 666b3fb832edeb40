package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/adapter/filesystem"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func record(id, name, topic string) *xrelay.Message {
	var h xrelay.Headers
	h.Set(xrelay.HeaderMessageID, id)
	h.Set(xrelay.HeaderMessageName, name)
	h.Set(xrelay.HeaderContentType, xrelay.ContentTypeText)
	if topic != "" {
		h.Set(xrelay.HeaderTopic, topic)
	}
	return xrelay.NewMessage(h, []byte("x"))
}

func TestDeadLetters_ListAndRequeue(t *testing.T) {
	queueDir := t.TempDir()
	dlDir := filepath.Join(queueDir, filesystem.DeadLetterDir)
	require.NoError(t, os.MkdirAll(dlDir, 0o755))
	_, err := filesystem.CreateMessageFile(dlDir, record("m-1", "orders.Created", ""), "alice")
	require.NoError(t, err)
	_, err = filesystem.CreateMessageFile(dlDir, record("m-2", "orders.Cancelled", ""), "")
	require.NoError(t, err)

	out, err := run(t, "deadletters", "list", "--queue-dir", queueDir)
	require.NoError(t, err)
	assert.Contains(t, out, "m-1")
	assert.Contains(t, out, "orders.Created")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "m-2")

	out, err = run(t, "deadletters", "requeue", "--queue-dir", queueDir, "--id", "m-2")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued 1 message(s)")
	assert.FileExists(t, filepath.Join(queueDir, "m-2"+filesystem.RecordExt))
	assert.FileExists(t, filepath.Join(dlDir, "m-1"+filesystem.RecordExt))

	_, err = run(t, "deadletters", "requeue", "--queue-dir", queueDir, "--id", "missing")
	assert.Error(t, err)

	out, err = run(t, "dl", "requeue", "--queue-dir", queueDir)
	require.NoError(t, err)
	assert.Contains(t, out, "requeued 1 message(s)")
}

func TestJournalRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := filesystem.OpenJournal(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, j.Append(ctx, record("s-1", "orders.Created", ""), xrelay.JournalSent))
	require.NoError(t, j.Append(ctx, record("p-1", "prices.Tick", "prices"), xrelay.JournalPublished))
	require.NoError(t, j.Close())

	out, err := run(t, "journal", "read", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "p-1")
	assert.Contains(t, out, "end: true")

	out, err = run(t, "journal", "read", "--path", path, "--category", "published", "--topic", "prices")
	require.NoError(t, err)
	assert.NotContains(t, out, "s-1")
	assert.Contains(t, out, "prices.Tick")

	_, err = run(t, "journal", "read", "--path", path, "--start", "bogus")
	assert.ErrorIs(t, err, xrelay.ErrInvalidPosition)

	_, err = run(t, "journal", "read")
	assert.Error(t, err)
}

func TestSubscriptionsList(t *testing.T) {
	dir := t.TempDir()
	tr := filesystem.NewSubscriptionTracker(dir)
	ctx := context.Background()
	require.NoError(t, tr.Init(ctx))
	require.NoError(t, tr.AddSubscription(ctx, "prices", "http://a.example/", 0))
	require.NoError(t, tr.AddSubscription(ctx, "orders", "http://b.example/", time.Hour))

	out, err := run(t, "subscriptions", "list", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "http://a.example/")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "http://b.example/")

	out, err = run(t, "subs", "list", "--dir", dir, "--topic", "orders")
	require.NoError(t, err)
	assert.NotContains(t, out, "http://a.example/")
	assert.Contains(t, out, "active")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "xrelayctl version dev")
}
