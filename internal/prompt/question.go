package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ToolName is the tool the agent invokes to ask the user a multiple-choice
// question.
const ToolName = "AskUserQuestion"

var ErrNoQuestions = errors.New("choice prompt has no questions")

type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

type Question struct {
	Text        string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []Option `json:"options"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// ParseQuestions reads the questions out of a choice-prompt tool input.
// Questions without a usable option are dropped.
func ParseQuestions(input json.RawMessage) ([]Question, error) {
	var payload struct {
		Questions []Question `json:"questions"`
	}
	if err := json.Unmarshal(input, &payload); err != nil {
		return nil, fmt.Errorf("decode choice prompt: %w", err)
	}

	questions := make([]Question, 0, len(payload.Questions))
	for _, q := range payload.Questions {
		q.Text = strings.TrimSpace(q.Text)
		q.Header = strings.TrimSpace(q.Header)
		options := make([]Option, 0, len(q.Options))
		for _, opt := range q.Options {
			opt.Label = strings.TrimSpace(opt.Label)
			if opt.Label == "" {
				continue
			}
			opt.Description = strings.TrimSpace(opt.Description)
			options = append(options, opt)
		}
		if len(options) == 0 {
			continue
		}
		q.Options = options
		questions = append(questions, q)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	return questions, nil
}

func (q Question) title() string {
	switch {
	case q.Text != "":
		return q.Text
	case q.Header != "":
		return q.Header
	default:
		return "Question"
	}
}

func (q Question) optionIndex(label string) int {
	for i, opt := range q.Options {
		if opt.Label == label {
			return i
		}
	}
	return -1
}
