package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/trickstertwo/xrelay"
)

const (
	// RecordExt is the extension of durable message records.
	RecordExt = ".pmsg"
	// DeadLetterDir is the dead-letter sub-directory of every queue.
	DeadLetterDir = ".dl"
	// PrincipalHeader carries the sender principal inside a record.
	PrincipalHeader = "X-Sender-Principal"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// MessageFile is one durable message record on disk.
type MessageFile struct {
	path string

	mu        sync.Mutex
	loaded    bool
	msg       *xrelay.Message
	principal string
}

// CreateMessageFile writes msg to a new record in dir. The record is named
// after the message ID; an existing record is never overwritten, a numeric
// suffix is appended instead.
func CreateMessageFile(dir string, msg *xrelay.Message, principal string) (*MessageFile, error) {
	// A principal header arriving on the wire is never trusted.
	if msg.Header(PrincipalHeader) != "" {
		msg = msg.WithHeaders(func(h *xrelay.Headers) { h.Del(PrincipalHeader) })
	}
	rec := msg
	if principal != "" {
		rec = msg.WithHeaders(func(h *xrelay.Headers) { h.Set(PrincipalHeader, principal) })
	}
	data, err := xrelay.EncodeMessage(rec)
	if err != nil {
		return nil, err
	}

	path, err := reserve(dir, recordBase(msg.ID()))
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(dir, path, data); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &MessageFile{path: path, loaded: true, msg: msg, principal: principal}, nil
}

// OpenMessageFile returns a handle to an existing record. Content is read lazily.
func OpenMessageFile(path string) *MessageFile {
	return &MessageFile{path: path}
}

// Path returns the record location.
func (f *MessageFile) Path() string { return f.path }

// ReadMessage returns the stored message and sender principal. The result is
// cached after the first successful read.
func (f *MessageFile) ReadMessage() (*xrelay.Message, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded {
		return f.msg, f.principal, nil
	}

	file, err := os.Open(f.path)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	msg, err := xrelay.ReadMessage(file)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", f.path, err)
	}
	principal := msg.Header(PrincipalHeader)
	if principal != "" {
		msg = msg.WithHeaders(func(h *xrelay.Headers) { h.Del(PrincipalHeader) })
	}
	f.msg, f.principal, f.loaded = msg, principal, true
	return msg, principal, nil
}

// MoveTo relocates the record into dir and returns the new handle. The
// content is unchanged.
func (f *MessageFile) MoveTo(dir string) (*MessageFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(f.path), RecordExt)
	dst, err := reserve(dir, base)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(f.path, dst); err != nil {
		_ = os.Remove(dst)
		return nil, err
	}
	return &MessageFile{path: dst, loaded: f.loaded, msg: f.msg, principal: f.principal}, nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (f *MessageFile) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func recordBase(id string) string {
	base := strings.Trim(unsafeFileChars.ReplaceAllString(id, "_"), "._")
	if base == "" {
		base = uuid.NewString()
	}
	return base
}

// reserve atomically claims <base>[_n].pmsg in dir.
func reserve(dir, base string) (string, error) {
	for n := 0; ; n++ {
		name := base
		if n > 0 {
			name += "_" + strconv.Itoa(n)
		}
		path := filepath.Join(dir, name+RecordExt)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return path, f.Close()
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
}

// writeAtomic writes data to a temp file in dir and renames it over path.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
