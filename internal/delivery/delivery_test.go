package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type call struct {
	op        string
	messageID string
	text      string
}

type mockPlatform struct {
	mu        sync.Mutex
	calls     []call
	next      int
	maxRunes  int
	failEdits error
	failPosts error
}

func (m *mockPlatform) Post(_ context.Context, _ string, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPosts != nil {
		return "", m.failPosts
	}
	if m.maxRunes > 0 && len([]rune(text)) > m.maxRunes {
		return "", fmt.Errorf("rejected: %w", ErrMessageTooLong)
	}
	m.next++
	id := fmt.Sprintf("msg-%d", m.next)
	m.calls = append(m.calls, call{op: "post", messageID: id, text: text})
	return id, nil
}

func (m *mockPlatform) Edit(_ context.Context, _ string, messageID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEdits != nil {
		return m.failEdits
	}
	if m.maxRunes > 0 && len([]rune(text)) > m.maxRunes {
		return fmt.Errorf("rejected: %w", ErrMessageTooLong)
	}
	m.calls = append(m.calls, call{op: "edit", messageID: messageID, text: text})
	return nil
}

func (m *mockPlatform) snapshot() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]call, len(m.calls))
	copy(out, m.calls)
	return out
}

func count(calls []call, op string) int {
	n := 0
	for _, c := range calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func TestSplitPreservesTextAndLimit(t *testing.T) {
	paragraph := strings.Repeat("word ", 30)
	text := paragraph + "\n\n" + paragraph + "\n" + strings.Repeat("x", 250) + " tail"
	for _, limit := range []int{40, 100, 137} {
		chunks := Split(text, limit)
		if strings.Join(chunks, "") != text {
			t.Fatalf("limit %d: chunks do not reassemble the text", limit)
		}
		for i, chunk := range chunks {
			if n := len([]rune(chunk)); n > limit {
				t.Fatalf("limit %d: chunk %d has %d runes", limit, i, n)
			}
		}
	}
}

func TestSplitPrefersParagraphBreaks(t *testing.T) {
	text := strings.Repeat("a", 30) + "\n\n" + strings.Repeat("b", 20) + "\n" + strings.Repeat("c", 20)
	chunks := Split(text, 60)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %q", len(chunks), chunks)
	}
	if chunks[0] != strings.Repeat("a", 30)+"\n\n" {
		t.Fatalf("expected a paragraph cut, got %q", chunks[0])
	}
}

func TestSplitFindsParagraphBreakNearChunkStart(t *testing.T) {
	text := "intro\n\n" + strings.Repeat("word ", 40)
	chunks := Split(text, 60)
	if chunks[0] != "intro\n\n" {
		t.Fatalf("expected the paragraph to end the first chunk, got %q", chunks[0])
	}
	if strings.Join(chunks, "") != text {
		t.Fatalf("chunks do not reassemble the text")
	}
}

func TestSplitCountsRunes(t *testing.T) {
	text := strings.Repeat("é", 25)
	chunks := Split(text, 10)
	if len(chunks) != 3 || chunks[0] != strings.Repeat("é", 10) {
		t.Fatalf("unexpected chunks: %q", chunks)
	}
	if Split("", 10) != nil {
		t.Fatalf("empty text must produce no chunks")
	}
	if got := Split("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected short split: %q", got)
	}
}

func TestClip(t *testing.T) {
	if got := Clip("abcdef", 4, ".."); got != "ab.." {
		t.Fatalf("unexpected clip: %q", got)
	}
	if got := Clip("abc", 4, ".."); got != "abc" {
		t.Fatalf("unexpected clip: %q", got)
	}
	if got := Clip("abcdef", 1, ".."); got != "." {
		t.Fatalf("unexpected clip: %q", got)
	}
}

func TestLiveDefaultDebounceInterval(t *testing.T) {
	live := NewLive(context.Background(), &mockPlatform{}, "thread-1", Config{}, nil)
	if live.cfg.DebounceInterval != 500*time.Millisecond {
		t.Fatalf("unexpected default interval %s", live.cfg.DebounceInterval)
	}
}

func TestLiveDebouncesProgressEdits(t *testing.T) {
	platform := &mockPlatform{}
	live := NewLive(context.Background(), platform, "thread-1", Config{DebounceInterval: 80 * time.Millisecond}, nil)
	if err := live.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 1; i <= 20; i++ {
		live.Update(fmt.Sprintf("partial %d", i))
	}
	if edits := count(platform.snapshot(), "edit"); edits != 0 {
		t.Fatalf("updates inside the first window must wait, got %d edits", edits)
	}

	deadline := time.After(2 * time.Second)
	for live.Edits() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for debounced edit")
		case <-time.After(10 * time.Millisecond):
		}
	}
	calls := platform.snapshot()
	if count(calls, "edit") != 1 || calls[len(calls)-1].text != "partial 20" {
		t.Fatalf("expected one edit with the latest text, got %#v", calls)
	}

	if err := live.Finalize(context.Background(), "final answer"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	live.Update("late")
	time.Sleep(120 * time.Millisecond)

	calls = platform.snapshot()
	if count(calls, "post") != 1 || count(calls, "edit") != 2 {
		t.Fatalf("expected placeholder, one progress edit and one final edit, got %#v", calls)
	}
	last := calls[len(calls)-1]
	if last.messageID != "msg-1" || last.text != "final answer" {
		t.Fatalf("unexpected final edit: %#v", last)
	}
}

func TestLiveFlushesImmediatelyAfterQuietPeriod(t *testing.T) {
	platform := &mockPlatform{}
	live := NewLive(context.Background(), platform, "thread-1", Config{DebounceInterval: 20 * time.Millisecond}, nil)
	if err := live.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	live.Update("now")
	if live.Edits() != 1 {
		t.Fatalf("expected an immediate edit after the window elapsed")
	}
}

func TestLiveFinalizeSplitsLongAnswer(t *testing.T) {
	platform := &mockPlatform{}
	live := NewLive(context.Background(), platform, "thread-1", Config{MaxLength: 50}, nil)
	if err := live.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	answer := strings.Repeat("lorem ipsum ", 12)
	if err := live.Finalize(context.Background(), answer); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	calls := platform.snapshot()
	if calls[1].op != "edit" || calls[1].messageID != "msg-1" {
		t.Fatalf("expected the first chunk to replace the status message, got %#v", calls[1])
	}
	var rebuilt strings.Builder
	for _, c := range calls[1:] {
		if len([]rune(c.text)) > 50 {
			t.Fatalf("message over limit: %q", c.text)
		}
		rebuilt.WriteString(c.text)
	}
	if rebuilt.String() != answer {
		t.Fatalf("answer lost characters:\n%q\n%q", rebuilt.String(), answer)
	}
}

func TestLiveFinalizeShortAnswerIsSingleEdit(t *testing.T) {
	platform := &mockPlatform{}
	live := NewLive(context.Background(), platform, "thread-1", Config{}, nil)
	if err := live.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := live.Finalize(context.Background(), "Hi there"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	calls := platform.snapshot()
	if len(calls) != 2 || calls[0].text != DefaultPlaceholder || calls[1].text != "Hi there" {
		t.Fatalf("unexpected calls: %#v", calls)
	}
	if err := live.Finalize(context.Background(), "again"); err != nil || len(platform.snapshot()) != 2 {
		t.Fatalf("second finalize must be a no-op")
	}
}

func TestLiveFallsBackWhenPlatformRejectsLength(t *testing.T) {
	platform := &mockPlatform{maxRunes: 80}
	live := NewLive(context.Background(), platform, "thread-1", Config{MaxLength: 100}, nil)
	if err := live.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := live.Finalize(context.Background(), strings.Repeat("z", 100)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	calls := platform.snapshot()
	last := calls[len(calls)-1]
	if !strings.HasSuffix(last.text, DefaultTruncatedMarker) || len([]rune(last.text)) != 75 {
		t.Fatalf("expected truncated fallback, got %d runes: %q", len([]rune(last.text)), last.text)
	}
}

func TestLivePostSendsDiscreteMessages(t *testing.T) {
	platform := &mockPlatform{}
	live := NewLive(context.Background(), platform, "thread-1", Config{MaxLength: 20, DebounceInterval: time.Millisecond}, nil)
	if err := live.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	live.Update("thinking")
	if err := live.Post(context.Background(), "📖 Reading `main.go`"); err != nil {
		t.Fatalf("post: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	calls := platform.snapshot()
	if count(calls, "post") != 2 {
		t.Fatalf("expected placeholder and notice posts, got %#v", calls)
	}
	last := calls[len(calls)-1]
	if last.op != "edit" || last.text != DefaultPlaceholder {
		t.Fatalf("expected status reset to placeholder, got %#v", last)
	}
}

func TestLiveFinalizeWithoutStatusMessagePosts(t *testing.T) {
	platform := &mockPlatform{}
	live := NewLive(context.Background(), platform, "thread-1", Config{}, nil)
	if err := live.Fail(context.Background(), "⚠️ failed"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	calls := platform.snapshot()
	if len(calls) != 1 || calls[0].op != "post" || calls[0].text != "⚠️ failed" {
		t.Fatalf("unexpected calls: %#v", calls)
	}
}

func TestLiveFinalizePostsWhenEditFails(t *testing.T) {
	platform := &mockPlatform{}
	live := NewLive(context.Background(), platform, "thread-1", Config{}, nil)
	if err := live.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	platform.mu.Lock()
	platform.failEdits = errors.New("500 internal")
	platform.mu.Unlock()
	if err := live.Finalize(context.Background(), "the answer"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	calls := platform.snapshot()
	if len(calls) != 2 || calls[0].text != DefaultPlaceholder || calls[1].op != "post" || calls[1].text != "the answer" {
		t.Fatalf("expected the answer as a new message, got %#v", calls)
	}
}

func TestLiveFinalizeReportsUndeliveredAnswer(t *testing.T) {
	platform := &mockPlatform{}
	live := NewLive(context.Background(), platform, "thread-1", Config{}, nil)
	if err := live.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	platform.mu.Lock()
	platform.failEdits = errors.New("500 internal")
	platform.failPosts = errors.New("503 unavailable")
	platform.mu.Unlock()
	err := live.Fail(context.Background(), "⚠️ failed")
	if err == nil || !strings.Contains(err.Error(), "500 internal") || !strings.Contains(err.Error(), "503 unavailable") {
		t.Fatalf("expected both failures reported, got %v", err)
	}
}
