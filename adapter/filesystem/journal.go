package filesystem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

// Journal record headers.
const (
	JournalCategoryHeader  = "X-Journal-Category"
	JournalTimestampHeader = "X-Journal-Timestamp"
)

// Position is a byte offset into the journal file.
type Position int64

func (p Position) String() string { return strconv.FormatInt(int64(p), 10) }

// Journal is an append-only log file. Each entry is a decimal length line
// followed by a message record and a newline.
type Journal struct {
	path   string
	logger *xlog.Logger
	clock  xclock.Clock

	mu   sync.Mutex
	f    *os.File
	size int64
}

var _ xrelay.MessageJournal = (*Journal)(nil)

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string, opts ...Option) (*Journal, error) {
	s := newSettings(opts)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Journal{path: path, logger: s.logger, clock: s.clock, f: f, size: info.Size()}, nil
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

func (j *Journal) BeginningOfJournal(context.Context) (xrelay.JournalPosition, error) {
	return Position(0), nil
}

func (j *Journal) ParsePosition(s string) (xrelay.JournalPosition, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: %q", xrelay.ErrInvalidPosition, s)
	}
	return Position(n), nil
}

// Append writes msg under category with the current timestamp.
func (j *Journal) Append(ctx context.Context, msg *xrelay.Message, category xrelay.JournalCategory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := msg.WithHeaders(func(h *xrelay.Headers) {
		h.Set(JournalCategoryHeader, string(category))
		h.SetTime(JournalTimestampHeader, j.clock.Now())
	})
	data, err := xrelay.EncodeMessage(rec)
	if err != nil {
		return err
	}
	entry := make([]byte, 0, len(data)+24)
	entry = strconv.AppendInt(entry, int64(len(data)), 10)
	entry = append(entry, '\n')
	entry = append(entry, data...)
	entry = append(entry, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return os.ErrClosed
	}
	n, err := j.f.Write(entry)
	j.size += int64(n)
	if err != nil {
		return fmt.Errorf("xrelay/filesystem: journal append: %w", err)
	}
	return nil
}

// Read scans forward from start. Only entries completely written before the
// call are visible.
func (j *Journal) Read(ctx context.Context, start xrelay.JournalPosition, count int, filter *xrelay.JournalFilter) (*xrelay.JournalReadResult, error) {
	pos, err := j.position(start)
	if err != nil {
		return nil, err
	}
	if count < 1 {
		count = 100
	}

	j.mu.Lock()
	f, size := j.f, j.size
	j.mu.Unlock()
	if f == nil {
		return nil, os.ErrClosed
	}
	if int64(pos) > size {
		return nil, fmt.Errorf("%w: %d is past the end of the journal", xrelay.ErrInvalidPosition, pos)
	}

	result := &xrelay.JournalReadResult{Start: pos, Next: pos}
	r := bufio.NewReader(io.NewSectionReader(f, int64(pos), size-int64(pos)))
	offset := int64(pos)
	for len(result.Entries) < count {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if offset >= size {
			result.EndOfJournal = true
			break
		}
		entryPos := offset
		msg, n, err := readEntry(r)
		if err != nil {
			return nil, fmt.Errorf("xrelay/filesystem: journal entry at %d: %w", entryPos, err)
		}
		offset += n

		category, _ := xrelay.ParseJournalCategory(msg.Header(JournalCategoryHeader))
		if !filter.Match(category, msg) {
			continue
		}
		ts := msg.Headers().Time(JournalTimestampHeader)
		msg = msg.WithHeaders(func(h *xrelay.Headers) {
			h.Del(JournalCategoryHeader)
			h.Del(JournalTimestampHeader)
		})
		result.Entries = append(result.Entries, xrelay.JournalEntry{
			Category:  category,
			Position:  Position(entryPos),
			Timestamp: ts,
			Message:   msg,
		})
		result.Next = Position(offset)
	}
	if offset >= size {
		result.EndOfJournal = true
	}
	return result, nil
}

func (j *Journal) position(p xrelay.JournalPosition) (Position, error) {
	switch v := p.(type) {
	case nil:
		return 0, nil
	case Position:
		if v < 0 {
			return 0, fmt.Errorf("%w: %d", xrelay.ErrInvalidPosition, v)
		}
		return v, nil
	}
	parsed, err := j.ParsePosition(p.String())
	if err != nil {
		return 0, err
	}
	return parsed.(Position), nil
}

// readEntry reads one length-prefixed record and reports the bytes consumed.
func readEntry(r *bufio.Reader) (*xrelay.Message, int64, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, 0, fmt.Errorf("%w: truncated length line", xrelay.ErrMalformedMessage)
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 0 {
		return nil, 0, fmt.Errorf("%w: bad length %q", xrelay.ErrMalformedMessage, strings.TrimSpace(line))
	}
	buf := make([]byte, n+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, 0, fmt.Errorf("%w: truncated record", xrelay.ErrMalformedMessage)
		}
		return nil, 0, err
	}
	if buf[n] != '\n' {
		return nil, 0, fmt.Errorf("%w: missing record terminator", xrelay.ErrMalformedMessage)
	}
	msg, err := xrelay.DecodeMessage(buf[:n])
	if err != nil {
		return nil, 0, err
	}
	return msg, int64(len(line) + n + 1), nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
