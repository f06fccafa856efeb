package prompt

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-desk/internal/ids"
	"crabstack.local/projects/crab-desk/internal/session"
)

const nonceLength = 8

var (
	ErrNoPending       = errors.New("no pending choice prompt")
	ErrUnknownOption   = errors.New("unknown choice option")
	ErrNothingSelected = errors.New("no option selected")
)

// Pending is the selection state of one rendered prompt. At most one label is
// held per question index. Only control values carrying Nonce apply to it.
type Pending struct {
	Nonce      string
	Questions  []Question
	OpenedAt   time.Time
	selections map[int]string
}

// Outcome is the result of a selection or submission. When Submitted is set,
// Answer is the text to feed back into the conversation.
type Outcome struct {
	Rendered  Rendered
	Submitted bool
	Answer    string
}

// Manager tracks the pending choice prompt of each thread.
type Manager struct {
	logger   *log.Logger
	now      func() time.Time
	newNonce func() string

	mu      sync.Mutex
	pending map[session.ThreadKey]*Pending
}

func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Manager{
		logger:   logger,
		now:      time.Now,
		newNonce: func() string { return ids.New()[:nonceLength] },
		pending:  make(map[session.ThreadKey]*Pending),
	}
}

// Open replaces any pending prompt for key and returns its initial rendering.
func (m *Manager) Open(key session.ThreadKey, questions []Question) (Rendered, error) {
	if len(questions) == 0 {
		return Rendered{}, ErrNoQuestions
	}
	copied := make([]Question, len(questions))
	copy(copied, questions)

	m.mu.Lock()
	if _, replaced := m.pending[key]; replaced {
		m.logger.Printf("choice prompt replaced thread=%s", key)
	}
	pending := &Pending{
		Nonce:      m.newNonce(),
		Questions:  copied,
		OpenedAt:   m.now().UTC(),
		selections: make(map[int]string, len(copied)),
	}
	m.pending[key] = pending
	m.mu.Unlock()

	return Render(pending.Nonce, copied, nil), nil
}

// HasPending reports whether key has an unanswered prompt.
func (m *Manager) HasPending(key session.ThreadKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[key]
	return ok
}

// Handle applies a raw control value: either a selection or a submit. A
// value rendered for an earlier prompt of the thread reports ErrNoPending.
func (m *Manager) Handle(key session.ThreadKey, value string) (Outcome, error) {
	choice, err := DecodeValue(value)
	if err != nil {
		return Outcome{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.pending[key]
	if !ok {
		return Outcome{}, ErrNoPending
	}
	if choice.Nonce != pending.Nonce {
		m.logger.Printf("stale choice ignored thread=%s nonce=%s", key, choice.Nonce)
		return Outcome{}, fmt.Errorf("%w: control belongs to an earlier prompt", ErrNoPending)
	}
	if choice.Submit {
		return m.submitPendingLocked(key, pending)
	}
	if err := checkLabel(pending, choice); err != nil {
		return Outcome{}, err
	}
	return m.selectLocked(key, pending, choice.Question, choice.Option)
}

// Select records option for question, overwriting an earlier choice. A prompt
// with a single question is submitted by its first selection.
func (m *Manager) Select(key session.ThreadKey, question, option int) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.pending[key]
	if !ok {
		return Outcome{}, ErrNoPending
	}
	return m.selectLocked(key, pending, question, option)
}

func (m *Manager) selectLocked(key session.ThreadKey, pending *Pending, question, option int) (Outcome, error) {
	if question < 0 || question >= len(pending.Questions) {
		return Outcome{}, fmt.Errorf("%w: question %d", ErrUnknownOption, question)
	}
	options := pending.Questions[question].Options
	if option < 0 || option >= len(options) {
		return Outcome{}, fmt.Errorf("%w: question %d option %d", ErrUnknownOption, question, option)
	}
	pending.selections[question] = options[option].Label

	if len(pending.Questions) == 1 {
		return m.submitLocked(key, pending)
	}
	return Outcome{Rendered: Render(pending.Nonce, pending.Questions, pending.selections)}, nil
}

// Submit composes the recorded selections into an answer and clears the
// prompt.
func (m *Manager) Submit(key session.ThreadKey) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, ok := m.pending[key]
	if !ok {
		return Outcome{}, ErrNoPending
	}
	return m.submitPendingLocked(key, pending)
}

func (m *Manager) submitPendingLocked(key session.ThreadKey, pending *Pending) (Outcome, error) {
	if len(pending.selections) == 0 {
		return Outcome{}, ErrNothingSelected
	}
	return m.submitLocked(key, pending)
}

// checkLabel rejects a value whose label no longer matches the option at its
// indices. Encoded labels may be cut short, so a prefix match is enough.
func checkLabel(pending *Pending, choice Choice) error {
	if choice.Label == "" || choice.Question >= len(pending.Questions) {
		return nil
	}
	options := pending.Questions[choice.Question].Options
	if choice.Option >= len(options) {
		return nil
	}
	if !strings.HasPrefix(options[choice.Option].Label, choice.Label) {
		return fmt.Errorf("%w: label %q does not match option %d", ErrUnknownOption, choice.Label, choice.Option)
	}
	return nil
}

func (m *Manager) submitLocked(key session.ThreadKey, pending *Pending) (Outcome, error) {
	rendered := Render(pending.Nonce, pending.Questions, pending.selections)
	answer := composeAnswer(pending.Questions, pending.selections)
	delete(m.pending, key)
	m.logger.Printf("choice prompt submitted thread=%s answers=%d", key, len(pending.selections))
	return Outcome{Rendered: rendered, Submitted: true, Answer: answer}, nil
}

// Abandon drops the pending prompt for key, if any.
func (m *Manager) Abandon(key session.ThreadKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[key]; !ok {
		return false
	}
	delete(m.pending, key)
	m.logger.Printf("choice prompt abandoned thread=%s", key)
	return true
}

func composeAnswer(questions []Question, selections map[int]string) string {
	if len(questions) == 1 {
		return selections[0]
	}
	lines := make([]string, 0, len(selections))
	for qi, q := range questions {
		label, ok := selections[qi]
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d. %s: %s", qi+1, q.title(), label))
	}
	return strings.Join(lines, "\n")
}
