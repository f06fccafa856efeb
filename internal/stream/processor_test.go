package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type recordingHandler struct {
	sessions []string
	progress []string
	segments []Segment
}

func (h *recordingHandler) OnSession(id string)    { h.sessions = append(h.sessions, id) }
func (h *recordingHandler) OnProgress(text string) { h.progress = append(h.progress, text) }
func (h *recordingHandler) OnSegment(s Segment)    { h.segments = append(h.segments, s) }

func (h *recordingHandler) kinds() []SegmentKind {
	out := make([]SegmentKind, 0, len(h.segments))
	for _, s := range h.segments {
		out = append(out, s.Kind)
	}
	return out
}

func consume(t *testing.T, lines ...string) (*recordingHandler, Result) {
	t.Helper()
	handler := &recordingHandler{}
	processor := NewProcessor(handler, nil)
	result, err := processor.Consume(context.Background(), strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	return handler, result
}

const (
	initLine   = `{"type":"system","subtype":"init","session_id":"sess-1","model":"m"}`
	userLine   = `{"type":"user","session_id":"sess-1","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}`
	resultLine = `{"type":"result","subtype":"success","is_error":false,"result":"Hi there","total_cost_usd":0.0123,"session_id":"sess-1"}`
)

func textLine(messageID, text string) string {
	payload, _ := json.Marshal(map[string]any{
		"type":       "assistant",
		"session_id": "sess-1",
		"message": map[string]any{
			"id":      messageID,
			"content": []map[string]any{{"type": "text", "text": text}},
		},
	})
	return string(payload)
}

func toolLine(messageID, toolID, name string, input any) string {
	payload, _ := json.Marshal(map[string]any{
		"type":       "assistant",
		"session_id": "sess-1",
		"message": map[string]any{
			"id":      messageID,
			"content": []map[string]any{{"type": "tool_use", "id": toolID, "name": name, "input": input}},
		},
	})
	return string(payload)
}

func TestProcessorSimpleTurn(t *testing.T) {
	handler, result := consume(t,
		initLine,
		textLine("m1", "Hi"),
		textLine("m1", "Hi there"),
		resultLine,
	)
	if len(handler.sessions) != 1 || handler.sessions[0] != "sess-1" {
		t.Fatalf("unexpected sessions: %v", handler.sessions)
	}
	if len(handler.segments) != 0 {
		t.Fatalf("a single turn must not commit segments: %#v", handler.segments)
	}
	if result.FinalText != "Hi there" {
		t.Fatalf("expected final text %q, got %q", "Hi there", result.FinalText)
	}
	if !result.Terminated || !result.HasCost || result.Cost != 0.0123 || result.IsError {
		t.Fatalf("unexpected result: %#v", result)
	}
	if got := handler.progress; len(got) != 2 || got[1] != "Hi there" {
		t.Fatalf("expected full-text progress updates, got %v", got)
	}
}

func TestProcessorReplacesRatherThanAppends(t *testing.T) {
	_, result := consume(t,
		textLine("m1", "The answer"),
		textLine("m1", "The answer is"),
		textLine("m1", "The answer is 42."),
	)
	if result.FinalText != "The answer is 42." {
		t.Fatalf("expected replaced text, got %q", result.FinalText)
	}
}

func TestProcessorFlushesTextBeforeTool(t *testing.T) {
	handler, result := consume(t,
		initLine,
		textLine("m1", "Let me check the file."),
		toolLine("m1", "t1", "Read", map[string]any{"file_path": "/repo/main.go"}),
		userLine,
		textLine("m2", "It defines main."),
		resultLine,
	)
	kinds := handler.kinds()
	if len(kinds) != 2 || kinds[0] != SegmentText || kinds[1] != SegmentTool {
		t.Fatalf("expected text then tool, got %v", kinds)
	}
	if handler.segments[0].Text != "Let me check the file." {
		t.Fatalf("unexpected committed text: %q", handler.segments[0].Text)
	}
	if handler.segments[1].Notice != "📖 Reading `/repo/main.go`" {
		t.Fatalf("unexpected notice: %q", handler.segments[1].Notice)
	}
	if result.FinalText != "It defines main." {
		t.Fatalf("result text must not override captured text, got %q", result.FinalText)
	}
}

func TestProcessorUserContentCommitsTurn(t *testing.T) {
	handler, result := consume(t,
		textLine("m1", "First turn."),
		userLine,
		textLine("m2", "Second turn."),
	)
	if len(handler.segments) != 1 || handler.segments[0].Text != "First turn." {
		t.Fatalf("expected first turn committed, got %#v", handler.segments)
	}
	if result.FinalText != "Second turn." {
		t.Fatalf("unexpected final text: %q", result.FinalText)
	}
}

func TestProcessorWholesaleResendDoesNotDuplicate(t *testing.T) {
	both := `{"type":"assistant","session_id":"sess-1","message":{"id":"m1","content":[` +
		`{"type":"text","text":"Looking."},` +
		`{"type":"tool_use","id":"t1","name":"Grep","input":{"pattern":"TODO"}}]}}`
	handler, result := consume(t,
		textLine("m1", "Looking."),
		both,
		both,
	)
	kinds := handler.kinds()
	if len(kinds) != 2 || kinds[0] != SegmentText || kinds[1] != SegmentTool {
		t.Fatalf("expected one text and one tool segment, got %v", kinds)
	}
	if result.FinalText != "" {
		t.Fatalf("expected nothing left in the buffer, got %q", result.FinalText)
	}
}

func TestProcessorAdoptsResultTextOnlyWhenNothingCaptured(t *testing.T) {
	_, result := consume(t, initLine, resultLine)
	if result.FinalText != "Hi there" {
		t.Fatalf("expected result text adopted, got %q", result.FinalText)
	}

	handler, result := consume(t,
		textLine("m1", "Committed."),
		userLine,
		resultLine,
	)
	if len(handler.segments) != 1 {
		t.Fatalf("expected committed segment, got %#v", handler.segments)
	}
	if result.FinalText != "" {
		t.Fatalf("result text must not be adopted after capture, got %q", result.FinalText)
	}
}

func TestProcessorChoicePromptSuppressesTextAndDedupes(t *testing.T) {
	input := map[string]any{"questions": []map[string]any{{
		"question": "Which?",
		"options":  []map[string]any{{"label": "A"}, {"label": "B"}},
	}}}
	handler, result := consume(t,
		textLine("m1", "I need to ask."),
		toolLine("m1", "q1", "AskUserQuestion", input),
		toolLine("m1", "q1", "AskUserQuestion", input),
		toolLine("m2", "q2", "AskUserQuestion", input),
		textLine("m3", "Waiting for you."),
		resultLine,
	)
	kinds := handler.kinds()
	if len(kinds) != 2 || kinds[0] != SegmentText || kinds[1] != SegmentChoicePrompt {
		t.Fatalf("expected text then a single prompt, got %v", kinds)
	}
	if !result.AwaitingInput {
		t.Fatalf("expected awaiting input")
	}
	if result.FinalText != "" {
		t.Fatalf("text after a prompt must be suppressed, got %q", result.FinalText)
	}
	if handler.segments[1].Tool.ID != "q1" {
		t.Fatalf("unexpected prompt tool: %#v", handler.segments[1].Tool)
	}
}

func TestProcessorDedupesToolInvocationsByID(t *testing.T) {
	handler, _ := consume(t,
		toolLine("m1", "t1", "Bash", map[string]any{"command": "go test ./..."}),
		toolLine("m1", "t1", "Bash", map[string]any{"command": "go test ./..."}),
		toolLine("m2", "t2", "Bash", map[string]any{"command": "go test ./..."}),
	)
	if len(handler.segments) != 2 {
		t.Fatalf("expected two notices, got %#v", handler.segments)
	}
}

func TestProcessorSkipsMalformedAndTrailingLines(t *testing.T) {
	handler, result := consume(t,
		initLine,
		"not json at all",
		`{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]`,
		`{"type":"stream_event","event":{}}`,
		textLine("m1", "Survived."),
		`{"type":"result","result":"trunc`,
	)
	if result.FinalText != "Survived." {
		t.Fatalf("unexpected final text: %q", result.FinalText)
	}
	if result.SkippedLines != 3 {
		t.Fatalf("expected 3 skipped lines, got %d", result.SkippedLines)
	}
	if result.Terminated {
		t.Fatalf("truncated result must not count as terminal")
	}
	if len(handler.sessions) != 1 {
		t.Fatalf("unexpected sessions: %v", handler.sessions)
	}
}

func TestProcessorBindsFirstSessionID(t *testing.T) {
	handler, result := consume(t,
		initLine,
		`{"type":"system","subtype":"init","session_id":"sess-2"}`,
	)
	if len(handler.sessions) != 1 || result.SessionID != "sess-1" {
		t.Fatalf("expected first session bound, got %v / %q", handler.sessions, result.SessionID)
	}
}

func TestProcessorErrorResult(t *testing.T) {
	_, result := consume(t,
		`{"type":"result","subtype":"error_during_execution","is_error":true,"session_id":"sess-1"}`,
	)
	if !result.IsError || result.FinalText != "" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("pipe broke") }

func TestProcessorReportsReadFailure(t *testing.T) {
	processor := NewProcessor(nil, nil)
	if _, err := processor.Consume(context.Background(), failingReader{}); err == nil {
		t.Fatalf("expected read failure")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewProcessor(nil, nil).Consume(ctx, strings.NewReader(initLine)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDecode(t *testing.T) {
	event, err := Decode([]byte(`{"type":"assistant","session_id":"s","message":{"id":"m","content":"plain"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	content, ok := event.(AssistantContent)
	if !ok || len(content.Blocks) != 1 {
		t.Fatalf("unexpected event: %#v", event)
	}
	if text, ok := content.Blocks[0].(TextBlock); !ok || text.Text != "plain" {
		t.Fatalf("unexpected block: %#v", content.Blocks[0])
	}

	event, err = Decode([]byte(`{"type":"result","cost_usd":0.5,"result":"  "}`))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	res := event.(TerminalResult)
	if !res.HasCost || res.Cost != 0.5 || res.HasFinalText {
		t.Fatalf("unexpected result event: %#v", res)
	}

	if event, err := Decode([]byte("   ")); event != nil || err != nil {
		t.Fatalf("blank line must decode to nothing, got %#v %v", event, err)
	}
	if _, err := Decode([]byte(`{"type":"assistant"}`)); !errors.Is(err, ErrMalformedLine) {
		t.Fatalf("expected ErrMalformedLine, got %v", err)
	}
}

func TestDescribeTool(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "Bash", input: `{"command":"ls\n -la"}`, want: "💻 Running `ls -la`"},
		{name: "Grep", input: `{"pattern":"func main"}`, want: "🔎 Searching for `func main`"},
		{name: "TodoWrite", input: `{"todos":[]}`, want: "🗒️ Updating the task list"},
		{name: "mcp__db__query", input: `{"query":"select 1"}`, want: "🔧 Using mcp__db__query `select 1`"},
		{name: "Custom", input: `not json`, want: "🔧 Using Custom"},
	}
	for _, tc := range cases {
		if got := DescribeTool(tc.name, json.RawMessage(tc.input)); got != tc.want {
			t.Fatalf("DescribeTool(%s) = %q, want %q", tc.name, got, tc.want)
		}
	}
}
