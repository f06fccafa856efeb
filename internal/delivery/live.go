package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

// ErrMessageTooLong is returned by a Platform that rejected a message for its
// length.
var ErrMessageTooLong = errors.New("message too long")

// Platform is the chat surface output is delivered to. target names the
// conversation (a thread or channel) on the platform.
type Platform interface {
	Post(ctx context.Context, target, text string) (string, error)
	Edit(ctx context.Context, target, messageID, text string) error
}

const (
	DefaultMaxLength        = 3500
	DefaultDebounceInterval = 500 * time.Millisecond
	DefaultPlaceholder      = "⏳ Working on it..."
	DefaultTruncatedMarker  = "\n… (truncated)"
	DefaultEmptyAnswer      = "(no response)"
)

type Config struct {
	MaxLength        int
	DebounceInterval time.Duration
	Placeholder      string
	TruncatedMarker  string
	EmptyAnswer      string
}

func (c Config) withDefaults() Config {
	if c.MaxLength <= 0 {
		c.MaxLength = DefaultMaxLength
	}
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = DefaultDebounceInterval
	}
	if strings.TrimSpace(c.Placeholder) == "" {
		c.Placeholder = DefaultPlaceholder
	}
	if c.TruncatedMarker == "" {
		c.TruncatedMarker = DefaultTruncatedMarker
	}
	if strings.TrimSpace(c.EmptyAnswer) == "" {
		c.EmptyAnswer = DefaultEmptyAnswer
	}
	return c
}

// fallbackLength is the limit used after a platform rejects a message that
// passed MaxLength.
func (c Config) fallbackLength() int {
	return c.MaxLength * 3 / 4
}

// Live owns the status message of one invocation: a placeholder posted at
// start, debounced edits while the turn streams, and a final edit. Other
// output is posted as separate messages.
type Live struct {
	platform Platform
	target   string
	cfg      Config
	logger   *log.Logger
	now      func() time.Time
	// ctx scopes edits made from the debounce timer.
	ctx context.Context

	mu        sync.Mutex
	messageID string
	lastFlush time.Time
	pending   string
	dirty     bool
	shown     string
	timer     *time.Timer
	closed    bool
	edits     int
}

func NewLive(ctx context.Context, platform Platform, target string, cfg Config, logger *log.Logger) *Live {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Live{
		platform: platform,
		target:   target,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
	}
}

// Start posts the placeholder status message.
func (l *Live) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.messageID != "" {
		return nil
	}
	id, err := l.platform.Post(ctx, l.target, l.cfg.Placeholder)
	if err != nil {
		return fmt.Errorf("post status message: %w", err)
	}
	l.messageID = id
	l.shown = l.cfg.Placeholder
	l.lastFlush = l.now()
	return nil
}

// Update shows text as the turn in progress. An empty text restores the
// placeholder. Edits happen at most once per debounce interval; the latest
// text always wins.
func (l *Live) Update(text string) {
	if strings.TrimSpace(text) == "" {
		text = l.cfg.Placeholder
	}
	text = Clip(text, l.cfg.MaxLength, l.cfg.TruncatedMarker)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.messageID == "" {
		return
	}
	l.pending = text
	l.dirty = true
	if l.timer != nil {
		return
	}
	wait := l.cfg.DebounceInterval - l.now().Sub(l.lastFlush)
	if wait <= 0 {
		l.flushLocked(l.ctx)
		return
	}
	l.timer = time.AfterFunc(wait, l.onTimer)
}

func (l *Live) onTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timer = nil
	if l.closed {
		return
	}
	l.flushLocked(l.ctx)
}

func (l *Live) flushLocked(ctx context.Context) {
	if !l.dirty {
		return
	}
	l.dirty = false
	l.lastFlush = l.now()
	if l.pending == l.shown {
		return
	}
	if err := l.platform.Edit(ctx, l.target, l.messageID, l.pending); err != nil {
		l.logger.Printf("status update failed target=%s message=%s err=%v", l.target, l.messageID, err)
		return
	}
	l.shown = l.pending
	l.edits++
}

// Post sends text as separate messages, split to the length limit. The
// status message returns to the placeholder since its progress text has
// been superseded.
func (l *Live) Post(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil
	}
	if err := l.postChunks(ctx, Split(text, l.cfg.MaxLength)); err != nil {
		return err
	}
	l.Update("")
	return nil
}

// Finalize replaces the status message with text, posting any overflow as
// further messages. Pending debounced edits are dropped. When the status
// message cannot be edited the whole text is posted as new messages instead.
// An error means the text did not reach the thread.
func (l *Live) Finalize(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		text = l.cfg.EmptyAnswer
	}
	chunks := Split(text, l.cfg.MaxLength)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	messageID := l.messageID
	l.mu.Unlock()

	if messageID == "" {
		return l.postChunks(ctx, chunks)
	}
	if err := l.edit(ctx, messageID, chunks[0]); err != nil {
		l.logger.Printf("final edit failed, posting instead target=%s message=%s err=%v", l.target, messageID, err)
		if postErr := l.postChunks(ctx, chunks); postErr != nil {
			return errors.Join(err, postErr)
		}
		return nil
	}
	return l.postChunks(ctx, chunks[1:])
}

// Fail finalizes the status message with an error marker.
func (l *Live) Fail(ctx context.Context, marker string) error {
	return l.Finalize(ctx, marker)
}

// Edits reports how many progress edits reached the platform.
func (l *Live) Edits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.edits
}

func (l *Live) edit(ctx context.Context, messageID, text string) error {
	err := l.platform.Edit(ctx, l.target, messageID, text)
	if errors.Is(err, ErrMessageTooLong) {
		l.logger.Printf("platform rejected message length, truncating target=%s runes=%d", l.target, len([]rune(text)))
		err = l.platform.Edit(ctx, l.target, messageID, Clip(text, l.cfg.fallbackLength(), l.cfg.TruncatedMarker))
	}
	if err != nil {
		return fmt.Errorf("edit status message: %w", err)
	}
	return nil
}

func (l *Live) postChunks(ctx context.Context, chunks []string) error {
	for _, chunk := range chunks {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		_, err := l.platform.Post(ctx, l.target, chunk)
		if errors.Is(err, ErrMessageTooLong) {
			l.logger.Printf("platform rejected message length, truncating target=%s runes=%d", l.target, len([]rune(chunk)))
			_, err = l.platform.Post(ctx, l.target, Clip(chunk, l.cfg.fallbackLength(), l.cfg.TruncatedMarker))
		}
		if err != nil {
			return fmt.Errorf("post message: %w", err)
		}
	}
	return nil
}
