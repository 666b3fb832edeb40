package xrelay

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// JournalCategory classifies journaled traffic.
type JournalCategory string

const (
	JournalSent      JournalCategory = "Sent"
	JournalReceived  JournalCategory = "Received"
	JournalPublished JournalCategory = "Published"
)

// ParseJournalCategory accepts any casing of a known category.
func ParseJournalCategory(s string) (JournalCategory, error) {
	for _, c := range []JournalCategory{JournalSent, JournalReceived, JournalPublished} {
		if strings.EqualFold(s, string(c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("xrelay: unknown journal category %q", s)
}

// JournalPosition is an opaque cursor. Implementations are comparable values
// whose String form round-trips through MessageJournal.ParsePosition.
type JournalPosition interface {
	fmt.Stringer
}

// JournalFilter restricts a read. Empty slices match everything.
type JournalFilter struct {
	Topics     []string
	Categories []JournalCategory
}

// Match reports whether an entry passes the filter.
func (f *JournalFilter) Match(category JournalCategory, msg *Message) bool {
	if f == nil {
		return true
	}
	if len(f.Categories) > 0 && !slices.Contains(f.Categories, category) {
		return false
	}
	if len(f.Topics) > 0 {
		topic := msg.Topic()
		if !slices.ContainsFunc(f.Topics, func(t string) bool { return strings.EqualFold(t, topic) }) {
			return false
		}
	}
	return true
}

// JournalEntry is one journaled message.
type JournalEntry struct {
	Category  JournalCategory
	Position  JournalPosition
	Timestamp time.Time
	Message   *Message
}

// JournalReadResult is one page of journal entries.
type JournalReadResult struct {
	Start        JournalPosition
	Next         JournalPosition
	EndOfJournal bool
	Entries      []JournalEntry
}

// MessageJournal is an append-only log of message traffic.
type MessageJournal interface {
	BeginningOfJournal(ctx context.Context) (JournalPosition, error)
	Append(ctx context.Context, msg *Message, category JournalCategory) error
	// Read returns up to count matching entries at or after start.
	Read(ctx context.Context, start JournalPosition, count int, filter *JournalFilter) (*JournalReadResult, error)
	ParsePosition(s string) (JournalPosition, error)
}

// JournalHandler processes one entry during consumption.
type JournalHandler func(ctx context.Context, entry JournalEntry) error

// JournalConsumerOptions tunes a JournalConsumer.
type JournalConsumerOptions struct {
	Filter       *JournalFilter
	BatchSize    int
	PollInterval time.Duration
	// HaltAtEnd stops consumption once the end of the journal is reached.
	HaltAtEnd bool
	// StopOnError stops consumption at the first handler error instead of logging it.
	StopOnError bool
	Logger      *xlog.Logger
	// Clock paces polling (xclock.Default() if nil).
	Clock xclock.Clock
}

// JournalConsumer reads a journal from a position and feeds entries to a handler.
type JournalConsumer struct {
	journal MessageJournal
	opts    JournalConsumerOptions
	logger  *xlog.Logger
}

// NewJournalConsumer returns a consumer with defaults applied (batch 100, poll 1s).
func NewJournalConsumer(j MessageJournal, opts JournalConsumerOptions) *JournalConsumer {
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = xclock.Default()
	}
	lg := opts.Logger
	if lg == nil {
		lg = xlog.Default()
	}
	return &JournalConsumer{journal: j, opts: opts, logger: lg}
}

// Consume feeds entries from start (nil means the beginning) to h until ctx
// ends, the journal ends with HaltAtEnd, or a handler fails with StopOnError.
// It returns the position from which a later call should resume.
func (c *JournalConsumer) Consume(ctx context.Context, start JournalPosition, h JournalHandler) (JournalPosition, error) {
	pos := start
	if pos == nil {
		var err error
		if pos, err = c.journal.BeginningOfJournal(ctx); err != nil {
			return nil, err
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return pos, err
		}
		res, err := c.journal.Read(ctx, pos, c.opts.BatchSize, c.opts.Filter)
		if err != nil {
			return pos, err
		}
		for _, e := range res.Entries {
			if herr := h(ctx, e); herr != nil {
				if c.opts.StopOnError {
					return e.Position, fmt.Errorf("xrelay: journal handler at %s: %w", e.Position, herr)
				}
				c.logger.Warn().Err(herr).Str("position", e.Position.String()).Msg("xrelay: journal handler failed")
			}
		}
		pos = res.Next
		if !res.EndOfJournal {
			continue
		}
		if c.opts.HaltAtEnd {
			return pos, nil
		}
		if err := xclock.SleepContext(ctx, c.opts.PollInterval, c.opts.Clock); err != nil {
			return pos, err
		}
	}
}
