package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xrelay"
)

func testMessage(id string, body string) *xrelay.Message {
	var h xrelay.Headers
	h.Set(xrelay.HeaderMessageID, id)
	h.Set(xrelay.HeaderMessageName, "test.Message")
	h.Set(xrelay.HeaderContentType, xrelay.ContentTypeText)
	return xrelay.NewMessage(h, []byte(body))
}

func TestCreateMessageFile_RoundTripsMessageAndPrincipal(t *testing.T) {
	dir := t.TempDir()

	f, err := CreateMessageFile(dir, testMessage("m-1", "hello\nworld"), "alice")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "m-1"+RecordExt), f.Path())

	// A fresh handle reads from disk.
	msg, principal, err := OpenMessageFile(f.Path()).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "alice", principal)
	assert.Equal(t, "m-1", msg.ID())
	assert.Equal(t, "hello\nworld", string(msg.Content()))
	assert.False(t, msg.Headers().Has(PrincipalHeader))
}

func TestCreateMessageFile_CollisionNeverOverwrites(t *testing.T) {
	dir := t.TempDir()

	first, err := CreateMessageFile(dir, testMessage("dup", "one"), "")
	require.NoError(t, err)
	second, err := CreateMessageFile(dir, testMessage("dup", "two"), "")
	require.NoError(t, err)

	assert.NotEqual(t, first.Path(), second.Path())
	assert.Equal(t, filepath.Join(dir, "dup_1"+RecordExt), second.Path())

	m1, _, err := OpenMessageFile(first.Path()).ReadMessage()
	require.NoError(t, err)
	m2, _, err := OpenMessageFile(second.Path()).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "one", string(m1.Content()))
	assert.Equal(t, "two", string(m2.Content()))
}

func TestMessageFile_MoveToKeepsContent(t *testing.T) {
	dir := t.TempDir()
	dl := filepath.Join(dir, DeadLetterDir)

	f, err := CreateMessageFile(dir, testMessage("mv", "payload"), "bob")
	require.NoError(t, err)

	moved, err := f.MoveTo(dl)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dl, "mv"+RecordExt), moved.Path())
	assert.NoFileExists(t, f.Path())

	msg, principal, err := OpenMessageFile(moved.Path()).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(msg.Content()))
	assert.Equal(t, "bob", principal)
}

func TestMessageFile_DeleteIsIdempotent(t *testing.T) {
	f, err := CreateMessageFile(t.TempDir(), testMessage("del", ""), "")
	require.NoError(t, err)

	require.NoError(t, f.Delete())
	require.NoError(t, f.Delete())
	assert.NoFileExists(t, f.Path())
}

func TestMessageFile_MalformedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad"+RecordExt)
	require.NoError(t, os.WriteFile(path, []byte("no colon here\n\nbody"), 0o644))

	_, _, err := OpenMessageFile(path).ReadMessage()
	require.Error(t, err)
	assert.ErrorIs(t, err, xrelay.ErrMalformedMessage)
}

func TestMessageFile_MissingRecordIsNotMalformed(t *testing.T) {
	_, _, err := OpenMessageFile(filepath.Join(t.TempDir(), "gone"+RecordExt)).ReadMessage()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NotErrorIs(t, err, xrelay.ErrMalformedMessage)
}
