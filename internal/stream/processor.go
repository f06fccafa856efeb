package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"crabstack.local/projects/crab-desk/internal/prompt"
)

type SegmentKind int

const (
	SegmentText SegmentKind = iota + 1
	SegmentTool
	SegmentChoicePrompt
)

// Segment is a finished piece of a turn, ready to be shown on its own.
type Segment struct {
	Kind   SegmentKind
	Text   string
	Tool   ToolInvocation
	Notice string
}

// Handler receives the processor's decisions as the stream is consumed.
type Handler interface {
	// OnSession is called once, with the first session id the stream reports.
	OnSession(sessionID string)
	// OnProgress carries the full text of the turn in progress.
	OnProgress(text string)
	OnSegment(segment Segment)
}

// Result summarizes a consumed stream.
type Result struct {
	SessionID     string
	FinalText     string
	Cost          float64
	HasCost       bool
	IsError       bool
	Terminated    bool
	AwaitingInput bool
	SkippedLines  int
}

type Option func(*Processor)

// WithChoiceTool overrides the tool name treated as a choice prompt.
func WithChoiceTool(name string) Option {
	return func(p *Processor) {
		if name = strings.TrimSpace(name); name != "" {
			p.choiceTool = name
		}
	}
}

// WithScope shares a prompt scope with the caller.
func WithScope(scope *prompt.Scope) Option {
	return func(p *Processor) {
		if scope != nil {
			p.scope = scope
		}
	}
}

// Processor turns one agent stream into progress updates, committed
// segments and a final text. It is not safe for concurrent use; one
// Processor serves one invocation.
type Processor struct {
	handler    Handler
	logger     *log.Logger
	choiceTool string
	scope      *prompt.Scope

	sessionID     string
	buffer        string
	bufferMessage string
	capturedAny   bool
	awaiting      bool
	seenTools     map[string]struct{}
	committed     map[string]struct{}
	lastCommit    string
	result        Result
}

func NewProcessor(handler Handler, logger *log.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	p := &Processor{
		handler:    handler,
		logger:     logger,
		choiceTool: prompt.ToolName,
		scope:      prompt.NewScope(),
		seenTools:  make(map[string]struct{}),
		committed:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Consume reads newline-delimited events from r until EOF. Malformed lines
// are logged and skipped; only read failures and cancellation are returned.
func (p *Processor) Consume(ctx context.Context, r io.Reader) (Result, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return p.Result(), err
		}
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			p.handleLine(line, readErr == io.EOF)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return p.Result(), nil
			}
			return p.Result(), fmt.Errorf("read agent stream: %w", readErr)
		}
	}
}

func (p *Processor) handleLine(line []byte, trailing bool) {
	event, err := Decode(line)
	if err != nil {
		p.result.SkippedLines++
		if trailing {
			p.logger.Printf("discarding trailing stream data bytes=%d err=%v", len(line), err)
		} else {
			p.logger.Printf("skipping malformed stream line line=%q err=%v", clip(string(line), 200), err)
		}
		return
	}
	if event != nil {
		p.Handle(event)
	}
}

// Handle applies one decoded event.
func (p *Processor) Handle(event Event) {
	p.bindSession(event.Session())

	switch ev := event.(type) {
	case SessionInit:
	case AssistantContent:
		p.handleAssistant(ev)
	case UserContent:
		p.flush()
	case TerminalResult:
		p.result.Terminated = true
		p.result.IsError = ev.IsError
		if ev.HasCost {
			p.result.Cost, p.result.HasCost = ev.Cost, true
		}
		if ev.HasFinalText && !p.capturedAny && !p.awaiting {
			p.buffer = ev.FinalText
			p.bufferMessage = ""
			p.capturedAny = true
		}
	}
}

func (p *Processor) bindSession(id string) {
	if id == "" {
		return
	}
	if p.sessionID == "" {
		p.sessionID = id
		if p.handler != nil {
			p.handler.OnSession(id)
		}
		return
	}
	if id != p.sessionID {
		p.logger.Printf("ignoring foreign session id bound=%s got=%s", p.sessionID, id)
	}
}

func (p *Processor) handleAssistant(ev AssistantContent) {
	var text strings.Builder
	hasText := false
	for _, block := range ev.Blocks {
		switch b := block.(type) {
		case TextBlock:
			if p.awaiting {
				continue
			}
			text.WriteString(b.Text)
			hasText = true
		case ToolInvocation:
			if hasText {
				p.setBuffer(ev.MessageID, text.String(), false)
				text.Reset()
				hasText = false
			}
			p.handleTool(b)
		}
	}
	if hasText {
		p.setBuffer(ev.MessageID, text.String(), true)
	}
}

func (p *Processor) handleTool(tool ToolInvocation) {
	if tool.Name == p.choiceTool {
		if p.scope.Seen(tool.ID, tool.Input) {
			return
		}
		p.flush()
		p.awaiting = true
		p.emit(Segment{Kind: SegmentChoicePrompt, Tool: tool})
		return
	}

	if tool.ID != "" {
		if _, ok := p.seenTools[tool.ID]; ok {
			return
		}
		p.seenTools[tool.ID] = struct{}{}
	}
	p.flush()
	p.emit(Segment{Kind: SegmentTool, Tool: tool, Notice: DescribeTool(tool.Name, tool.Input)})
}

// setBuffer replaces the in-progress turn text. Text already committed for
// the same message is not captured again when the message is resent.
func (p *Processor) setBuffer(messageID, text string, progress bool) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if p.alreadyCommitted(messageID, text) {
		return
	}
	p.buffer = text
	p.bufferMessage = messageID
	p.capturedAny = true
	if progress && p.handler != nil {
		p.handler.OnProgress(text)
	}
}

func (p *Processor) alreadyCommitted(messageID, text string) bool {
	if messageID == "" {
		return p.buffer == "" && text == p.lastCommit
	}
	_, ok := p.committed[messageID+"\x00"+text]
	return ok
}

func (p *Processor) flush() {
	text := p.buffer
	p.buffer = ""
	if strings.TrimSpace(text) == "" {
		return
	}
	p.lastCommit = text
	if p.bufferMessage != "" {
		p.committed[p.bufferMessage+"\x00"+text] = struct{}{}
	}
	p.emit(Segment{Kind: SegmentText, Text: text})
}

func (p *Processor) emit(segment Segment) {
	if p.handler != nil {
		p.handler.OnSegment(segment)
	}
}

// Result returns the stream summary. FinalText holds the text of the last
// turn that was never committed as a segment.
func (p *Processor) Result() Result {
	out := p.result
	out.SessionID = p.sessionID
	out.AwaitingInput = p.awaiting
	if !p.awaiting {
		out.FinalText = p.buffer
	}
	return out
}

func clip(value string, limit int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "..."
}
