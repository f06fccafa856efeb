package stream

import "encoding/json"

type Kind int

const (
	KindSessionInit Kind = iota + 1
	KindAssistantContent
	KindUserContent
	KindTerminalResult
)

func (k Kind) String() string {
	switch k {
	case KindSessionInit:
		return "session-init"
	case KindAssistantContent:
		return "assistant-content"
	case KindUserContent:
		return "user-content"
	case KindTerminalResult:
		return "terminal-result"
	default:
		return "unknown"
	}
}

// Event is one decoded line of the agent's stream. The concrete types below
// are the only implementations.
type Event interface {
	Kind() Kind
	Session() string
	isEvent()
}

type SessionInit struct {
	SessionID string
	Model     string
}

type AssistantContent struct {
	SessionID string
	MessageID string
	Blocks    []Block
}

// UserContent carries tool results flowing back into the conversation.
type UserContent struct {
	SessionID string
}

type TerminalResult struct {
	SessionID    string
	FinalText    string
	HasFinalText bool
	Cost         float64
	HasCost      bool
	IsError      bool
	Subtype      string
}

func (SessionInit) Kind() Kind      { return KindSessionInit }
func (AssistantContent) Kind() Kind { return KindAssistantContent }
func (UserContent) Kind() Kind      { return KindUserContent }
func (TerminalResult) Kind() Kind   { return KindTerminalResult }

func (e SessionInit) Session() string      { return e.SessionID }
func (e AssistantContent) Session() string { return e.SessionID }
func (e UserContent) Session() string      { return e.SessionID }
func (e TerminalResult) Session() string   { return e.SessionID }

func (SessionInit) isEvent()      {}
func (AssistantContent) isEvent() {}
func (UserContent) isEvent()      {}
func (TerminalResult) isEvent()   {}

// Block is one element of assistant content: TextBlock or ToolInvocation.
type Block interface {
	isBlock()
}

type TextBlock struct {
	Text string
}

type ToolInvocation struct {
	ID    string
	Name  string
	Input json.RawMessage
}

func (TextBlock) isBlock()      {}
func (ToolInvocation) isBlock() {}
