package redisstore

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

// Stream entry fields.
const (
	fieldCategory  = "category"
	fieldTimestamp = "ts"
	fieldRecord    = "record"
)

// StreamID is a journal position: a Redis stream entry ID ("<ms>-<seq>").
type StreamID string

func (id StreamID) String() string { return string(id) }

// next returns the smallest ID greater than id.
func (id StreamID) next() StreamID {
	ms, seq, err := splitID(string(id))
	if err != nil {
		return id
	}
	if seq == math.MaxUint64 {
		return StreamID(strconv.FormatUint(ms+1, 10) + "-0")
	}
	return StreamID(strconv.FormatUint(ms, 10) + "-" + strconv.FormatUint(seq+1, 10))
}

func splitID(s string) (uint64, uint64, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if !hasSeq {
		return ms, 0, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return ms, seq, nil
}

// Journal appends journaled messages to a Redis stream.
type Journal struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *xlog.Logger
	clock  xclock.Clock
}

var _ xrelay.MessageJournal = (*Journal)(nil)

// NewJournal returns a journal on cfg's stream using client.
func NewJournal(client *redis.Client, cfg Config, opts ...Option) *Journal {
	s := newSettings(opts)
	return &Journal{
		client: client,
		stream: cfg.key(cfg.Journal),
		maxLen: cfg.MaxLenApprox,
		logger: s.logger.With(xlog.Str("stream", cfg.key(cfg.Journal))),
		clock:  s.clock,
	}
}

// Stream returns the Redis key of the journal stream.
func (j *Journal) Stream() string { return j.stream }

func (j *Journal) BeginningOfJournal(context.Context) (xrelay.JournalPosition, error) {
	return StreamID("0-0"), nil
}

func (j *Journal) ParsePosition(s string) (xrelay.JournalPosition, error) {
	s = strings.TrimSpace(s)
	ms, seq, err := splitID(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", xrelay.ErrInvalidPosition, s)
	}
	return StreamID(strconv.FormatUint(ms, 10) + "-" + strconv.FormatUint(seq, 10)), nil
}

// Append adds msg to the stream under category.
func (j *Journal) Append(ctx context.Context, msg *xrelay.Message, category xrelay.JournalCategory) error {
	data, err := xrelay.EncodeMessage(msg)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: j.stream,
		ID:     "*",
		Values: map[string]any{
			fieldCategory:  string(category),
			fieldTimestamp: j.clock.Now().UTC().Format(time.RFC3339Nano),
			fieldRecord:    data,
		},
	}
	if j.maxLen > 0 {
		args.MaxLen = j.maxLen
		args.Approx = true
	}
	if err := j.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xrelay/redisstore: journal append: %w", err)
	}
	return nil
}

// Read returns up to count matching entries with IDs at or after start.
func (j *Journal) Read(ctx context.Context, start xrelay.JournalPosition, count int, filter *xrelay.JournalFilter) (*xrelay.JournalReadResult, error) {
	pos, err := j.position(start)
	if err != nil {
		return nil, err
	}
	if count < 1 {
		count = 100
	}

	result := &xrelay.JournalReadResult{Start: pos, Next: pos}
	cursor := pos
scan:
	for {
		batch, err := j.client.XRangeN(ctx, j.stream, string(cursor), "+", int64(count)).Result()
		if err != nil {
			return nil, fmt.Errorf("xrelay/redisstore: journal read: %w", err)
		}
		for i, xm := range batch {
			entry, err := decodeEntry(xm)
			if err != nil {
				return nil, fmt.Errorf("xrelay/redisstore: journal entry %s: %w", xm.ID, err)
			}
			cursor = StreamID(xm.ID).next()
			if !filter.Match(entry.Category, entry.Message) {
				continue
			}
			result.Entries = append(result.Entries, entry)
			result.Next = cursor
			if len(result.Entries) == count {
				result.EndOfJournal = len(batch) < count && i == len(batch)-1
				break scan
			}
		}
		if len(batch) < count {
			result.EndOfJournal = true
			break
		}
	}
	return result, nil
}

func (j *Journal) position(p xrelay.JournalPosition) (StreamID, error) {
	switch v := p.(type) {
	case nil:
		return StreamID("0-0"), nil
	case StreamID:
		if _, _, err := splitID(string(v)); err != nil {
			return "", fmt.Errorf("%w: %q", xrelay.ErrInvalidPosition, string(v))
		}
		return v, nil
	}
	parsed, err := j.ParsePosition(p.String())
	if err != nil {
		return "", err
	}
	return parsed.(StreamID), nil
}

func decodeEntry(xm redis.XMessage) (xrelay.JournalEntry, error) {
	str := func(k string) string {
		s, _ := xm.Values[k].(string)
		return s
	}
	record := str(fieldRecord)
	if record == "" {
		return xrelay.JournalEntry{}, fmt.Errorf("%w: missing record field", xrelay.ErrMalformedMessage)
	}
	msg, err := xrelay.DecodeMessage([]byte(record))
	if err != nil {
		return xrelay.JournalEntry{}, err
	}
	category, err := xrelay.ParseJournalCategory(str(fieldCategory))
	if err != nil {
		return xrelay.JournalEntry{}, fmt.Errorf("%w: %v", xrelay.ErrMalformedMessage, err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, str(fieldTimestamp))
	return xrelay.JournalEntry{
		Category:  category,
		Position:  StreamID(xm.ID),
		Timestamp: ts,
		Message:   msg,
	}, nil
}

// Trim drops entries older than before. It returns the number removed.
func (j *Journal) Trim(ctx context.Context, before time.Time) (int64, error) {
	minID := strconv.FormatInt(before.UnixMilli(), 10) + "-0"
	n, err := j.client.XTrimMinID(ctx, j.stream, minID).Result()
	if err != nil {
		return 0, fmt.Errorf("xrelay/redisstore: journal trim: %w", err)
	}
	if n > 0 {
		j.logger.Info().Str("min_id", minID).Str("removed", strconv.FormatInt(n, 10)).Msg("xrelay: journal trimmed")
	}
	return n, nil
}
