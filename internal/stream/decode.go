package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedLine = errors.New("malformed stream line")

type wireEvent struct {
	Type         string       `json:"type"`
	Subtype      string       `json:"subtype"`
	SessionID    string       `json:"session_id"`
	Model        string       `json:"model"`
	Message      *wireMessage `json:"message"`
	Result       *string      `json:"result"`
	IsError      bool         `json:"is_error"`
	TotalCostUSD *float64     `json:"total_cost_usd"`
	CostUSD      *float64     `json:"cost_usd"`
}

type wireMessage struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

type wireBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Decode parses one line of agent output. Blank lines and event types that
// carry nothing for the conversation decode to a nil Event; lines that are
// not a JSON object fail with ErrMalformedLine.
func Decode(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	if line[0] != '{' {
		return nil, fmt.Errorf("%w: not a json object", ErrMalformedLine)
	}

	var wire wireEvent
	if err := json.Unmarshal(line, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	sessionID := strings.TrimSpace(wire.SessionID)

	switch wire.Type {
	case "system":
		if wire.Subtype != "init" {
			return nil, nil
		}
		return SessionInit{SessionID: sessionID, Model: wire.Model}, nil
	case "assistant":
		if wire.Message == nil {
			return nil, fmt.Errorf("%w: assistant event without message", ErrMalformedLine)
		}
		blocks, err := decodeBlocks(wire.Message.Content)
		if err != nil {
			return nil, err
		}
		return AssistantContent{SessionID: sessionID, MessageID: wire.Message.ID, Blocks: blocks}, nil
	case "user":
		return UserContent{SessionID: sessionID}, nil
	case "result":
		out := TerminalResult{
			SessionID: sessionID,
			IsError:   wire.IsError,
			Subtype:   wire.Subtype,
		}
		if wire.Result != nil {
			out.FinalText = *wire.Result
			out.HasFinalText = strings.TrimSpace(*wire.Result) != ""
		}
		switch {
		case wire.TotalCostUSD != nil:
			out.Cost, out.HasCost = *wire.TotalCostUSD, true
		case wire.CostUSD != nil:
			out.Cost, out.HasCost = *wire.CostUSD, true
		}
		return out, nil
	default:
		return nil, nil
	}
}

func decodeBlocks(raw json.RawMessage) ([]Block, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("%w: content: %v", ErrMalformedLine, err)
		}
		return []Block{TextBlock{Text: text}}, nil
	}

	var wireBlocks []wireBlock
	if err := json.Unmarshal(raw, &wireBlocks); err != nil {
		return nil, fmt.Errorf("%w: content: %v", ErrMalformedLine, err)
	}
	blocks := make([]Block, 0, len(wireBlocks))
	for _, b := range wireBlocks {
		switch b.Type {
		case "text":
			blocks = append(blocks, TextBlock{Text: b.Text})
		case "tool_use", "server_tool_use":
			blocks = append(blocks, ToolInvocation{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	return blocks, nil
}
