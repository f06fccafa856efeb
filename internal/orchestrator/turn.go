package orchestrator

import (
	"context"

	"crabstack.local/projects/crab-desk/internal/delivery"
	"crabstack.local/projects/crab-desk/internal/prompt"
	"crabstack.local/projects/crab-desk/internal/session"
	"crabstack.local/projects/crab-desk/internal/stream"
)

// turn routes one invocation's stream decisions to the platform.
type turn struct {
	o    *Orchestrator
	ctx  context.Context
	rec  session.ThreadSession
	live *delivery.Live

	promptOpened bool
	// undelivered counts segments the platform refused.
	undelivered int
}

func (t *turn) OnSession(sessionID string) {
	if sessionID != t.rec.SessionID {
		t.o.logger.Printf("agent reported unexpected session thread=%s want=%s got=%s", t.rec.Key, t.rec.SessionID, sessionID)
		return
	}
	if !t.rec.Started {
		t.o.registry.MarkStarted(t.ctx, t.rec.Key)
	}
}

func (t *turn) OnProgress(text string) {
	t.live.Update(text)
}

func (t *turn) OnSegment(segment stream.Segment) {
	switch segment.Kind {
	case stream.SegmentText:
		t.post(segment.Text)
	case stream.SegmentTool:
		t.post(segment.Notice)
	case stream.SegmentChoicePrompt:
		t.openPrompt(segment.Tool)
	}
}

func (t *turn) post(text string) {
	if err := t.live.Post(t.ctx, text); err != nil {
		t.undelivered++
		t.o.logger.Printf("segment post failed thread=%s err=%v", t.rec.Key, err)
	}
}

func (t *turn) openPrompt(tool stream.ToolInvocation) {
	questions, err := prompt.ParseQuestions(tool.Input)
	if err != nil {
		t.o.logger.Printf("choice prompt unreadable thread=%s tool_id=%s err=%v", t.rec.Key, tool.ID, err)
		t.post(stream.DescribeTool(tool.Name, tool.Input))
		return
	}
	rendered, err := t.o.prompts.Open(t.rec.Key, questions)
	if err != nil {
		t.o.logger.Printf("choice prompt open failed thread=%s err=%v", t.rec.Key, err)
		return
	}
	if _, err := t.o.platform.PostPrompt(t.ctx, Target(t.rec.Key), rendered); err != nil {
		t.o.logger.Printf("choice prompt post failed thread=%s err=%v", t.rec.Key, err)
		t.o.prompts.Abandon(t.rec.Key)
		return
	}
	t.promptOpened = true
}
