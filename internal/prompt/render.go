package prompt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	valuePrefix = "choice:"
	submitToken = "submit"

	// MaxValueLength bounds a control value; chat platforms cap the opaque
	// payload attached to a button.
	MaxValueLength = 100
	// MaxControlsPerRow matches the widest button row chat platforms render.
	MaxControlsPerRow = 5
	maxLabelLength    = 80
)

var ErrInvalidValue = errors.New("invalid choice value")

type Control struct {
	Value    string
	Label    string
	Selected bool
	Submit   bool
}

// Rendered is a choice prompt ready to be posted: a text body and rows of
// clickable controls.
type Rendered struct {
	Text string
	Rows [][]Control
}

// Choice is a decoded control value. Nonce identifies the prompt the control
// was rendered for.
type Choice struct {
	Nonce    string
	Question int
	Option   int
	Label    string
	Submit   bool
}

// Render builds the controls for questions, marking the selected label per
// question index. Every control value carries nonce. A submit control is
// added when there is more than one question.
func Render(nonce string, questions []Question, selections map[int]string) Rendered {
	var body strings.Builder
	rows := make([][]Control, 0, len(questions)+1)
	for qi, q := range questions {
		if qi > 0 {
			body.WriteString("\n")
		}
		if len(questions) > 1 {
			fmt.Fprintf(&body, "**%d. %s**\n", qi+1, q.title())
		} else {
			fmt.Fprintf(&body, "**%s**\n", q.title())
		}
		for _, opt := range q.Options {
			if opt.Description != "" {
				fmt.Fprintf(&body, "- %s: %s\n", opt.Label, opt.Description)
			} else {
				fmt.Fprintf(&body, "- %s\n", opt.Label)
			}
		}

		row := make([]Control, 0, len(q.Options))
		for oi, opt := range q.Options {
			if len(row) == MaxControlsPerRow {
				rows = append(rows, row)
				row = make([]Control, 0, len(q.Options)-oi)
			}
			row = append(row, Control{
				Value:    EncodeValue(nonce, qi, oi, opt.Label),
				Label:    truncate(opt.Label, maxLabelLength),
				Selected: selections[qi] == opt.Label,
			})
		}
		rows = append(rows, row)
	}
	if len(questions) > 1 {
		rows = append(rows, []Control{{Value: SubmitValue(nonce), Label: "Submit", Submit: true}})
	}
	return Rendered{Text: strings.TrimRight(body.String(), "\n"), Rows: rows}
}

// EncodeValue packs a prompt nonce, question index, option index and label
// into an opaque control value. The label may be cut to fit MaxValueLength.
func EncodeValue(nonce string, question, option int, label string) string {
	value := valuePrefix + nonce + ":" + strconv.Itoa(question) + ":" + strconv.Itoa(option) + ":" + label
	return truncate(value, MaxValueLength)
}

func SubmitValue(nonce string) string {
	return valuePrefix + nonce + ":" + submitToken
}

// IsValue reports whether raw looks like a control value produced by Render.
func IsValue(raw string) bool {
	return strings.HasPrefix(raw, valuePrefix)
}

func DecodeValue(raw string) (Choice, error) {
	if !strings.HasPrefix(raw, valuePrefix) {
		return Choice{}, fmt.Errorf("%w: %q", ErrInvalidValue, raw)
	}
	parts := strings.SplitN(strings.TrimPrefix(raw, valuePrefix), ":", 4)
	if len(parts) < 2 || parts[0] == "" {
		return Choice{}, fmt.Errorf("%w: %q", ErrInvalidValue, raw)
	}
	nonce := parts[0]
	if len(parts) == 2 {
		if parts[1] != submitToken {
			return Choice{}, fmt.Errorf("%w: %q", ErrInvalidValue, raw)
		}
		return Choice{Nonce: nonce, Submit: true}, nil
	}
	question, err := strconv.Atoi(parts[1])
	if err != nil || question < 0 {
		return Choice{}, fmt.Errorf("%w: question index %q", ErrInvalidValue, parts[1])
	}
	option, err := strconv.Atoi(parts[2])
	if err != nil || option < 0 {
		return Choice{}, fmt.Errorf("%w: option index %q", ErrInvalidValue, parts[2])
	}
	choice := Choice{Nonce: nonce, Question: question, Option: option}
	if len(parts) == 4 {
		choice.Label = parts[3]
	}
	return choice, nil
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}
