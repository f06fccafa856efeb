package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"crabstack.local/projects/crab-desk/internal/agent"
	"crabstack.local/projects/crab-desk/internal/delivery"
	"crabstack.local/projects/crab-desk/internal/desk"
	"crabstack.local/projects/crab-desk/internal/ids"
	"crabstack.local/projects/crab-desk/internal/prompt"
	"crabstack.local/projects/crab-desk/internal/session"
	"crabstack.local/projects/crab-desk/internal/stream"
)

// EnvBoundaryManifest names the environment variable carrying the path of
// the session's boundary manifest to the agent.
const EnvBoundaryManifest = "CRAB_DESK_BOUNDARY_MANIFEST"

// EnvRelayURL carries the URL the agent can POST {"text": ...} to in order
// to speak into its own thread outside a turn.
const EnvRelayURL = "CRAB_DESK_RELAY_URL"

const (
	DefaultReactionWorking = "👀"
	DefaultReactionDone    = "✅"
	DefaultReactionFailed  = "⚠️"
	DefaultReactionWaiting = "❓"
	DefaultWaitingMarker = "❓ Waiting for your input above."
	DefaultErrorMarker   = "⚠️ Something went wrong while working on this."
)

var (
	ErrEmptyMessage   = errors.New("message has no text or attachments")
	ErrUnknownSession = errors.New("unknown session")
)

// Platform is the chat surface the orchestrator talks to.
type Platform interface {
	delivery.Platform
	PostPrompt(ctx context.Context, target string, rendered prompt.Rendered) (string, error)
	React(ctx context.Context, target, messageID, emoji string) error
	Unreact(ctx context.Context, target, messageID, emoji string) error
}

type Agent interface {
	Run(ctx context.Context, req agent.Request, stream agent.StreamFunc) error
}

type DeskResolver interface {
	Resolve(token string) (desk.Desk, bool)
	ResolveText(text string) (desk.Desk, bool)
}

// Inbound is one piece of conversational input for a thread.
type Inbound struct {
	Key         session.ThreadKey
	OwnerID     string
	Text        string
	Attachments []string
	// MessageID is the platform message that carried the input, if any.
	MessageID string
	// MessageTarget is where MessageID lives when that is not the thread
	// itself, as with the message that opened the thread.
	MessageTarget string
}

type Config struct {
	Delivery      delivery.Config
	ManifestDir   string
	WaitingMarker string
	ErrorMarker   string
	ChoiceTool    string
	Reactions     Reactions
	// RelayBaseURL is the relay server root, e.g. http://127.0.0.1:8787.
	RelayBaseURL string
}

// Reactions are the emoji set on the inbound message while it is handled
// and once the outcome is known.
type Reactions struct {
	Working string
	Done    string
	Failed  string
	Waiting string
}

func (r Reactions) withDefaults() Reactions {
	if strings.TrimSpace(r.Working) == "" {
		r.Working = DefaultReactionWorking
	}
	if strings.TrimSpace(r.Done) == "" {
		r.Done = DefaultReactionDone
	}
	if strings.TrimSpace(r.Failed) == "" {
		r.Failed = DefaultReactionFailed
	}
	if strings.TrimSpace(r.Waiting) == "" {
		r.Waiting = DefaultReactionWaiting
	}
	return r
}

type Deps struct {
	Registry  *session.Registry
	Scheduler *session.Scheduler
	Prompts   *prompt.Manager
	Agent     Agent
	Platform  Platform
	// Desks may be nil when no desk catalog is configured.
	Desks DeskResolver
}

type Orchestrator struct {
	registry  *session.Registry
	scheduler *session.Scheduler
	prompts   *prompt.Manager
	agent     Agent
	platform  Platform
	desks     DeskResolver
	cfg       Config
	logger    *log.Logger
	now       func() time.Time

	// ctx bounds every invocation; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(deps Deps, cfg Config, logger *log.Logger) (*Orchestrator, error) {
	if deps.Registry == nil || deps.Scheduler == nil || deps.Prompts == nil {
		return nil, errors.New("registry, scheduler and prompt manager are required")
	}
	if deps.Agent == nil || deps.Platform == nil {
		return nil, errors.New("agent and platform are required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	cfg.Reactions = cfg.Reactions.withDefaults()
	if strings.TrimSpace(cfg.WaitingMarker) == "" {
		cfg.WaitingMarker = DefaultWaitingMarker
	}
	if strings.TrimSpace(cfg.ErrorMarker) == "" {
		cfg.ErrorMarker = DefaultErrorMarker
	}
	if strings.TrimSpace(cfg.ChoiceTool) == "" {
		cfg.ChoiceTool = prompt.ToolName
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		registry:  deps.Registry,
		scheduler: deps.Scheduler,
		prompts:   deps.Prompts,
		agent:     deps.Agent,
		platform:  deps.Platform,
		desks:     deps.Desks,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Target returns the platform destination for a thread.
func Target(key session.ThreadKey) string {
	return key.RootMessageID
}

// Handle queues in behind any earlier input for the same thread. It returns
// once the input is queued; ctx only bounds the wait for queue space.
func (o *Orchestrator) Handle(ctx context.Context, in Inbound) error {
	if err := in.Key.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 {
		return ErrEmptyMessage
	}
	return o.scheduler.Enqueue(ctx, in.Key, func() {
		o.process(o.ctx, in)
	})
}

// SelectChoice applies a clicked prompt control. When the selection
// completes the prompt, the composed answer is fed back through Handle.
func (o *Orchestrator) SelectChoice(ctx context.Context, key session.ThreadKey, ownerID, value string) (prompt.Outcome, error) {
	outcome, err := o.prompts.Handle(key, value)
	if err != nil {
		return prompt.Outcome{}, err
	}
	if !outcome.Submitted {
		return outcome, nil
	}
	o.logger.Printf("choice prompt answered thread=%s owner=%s", key, ownerID)
	if err := o.Handle(ctx, Inbound{Key: key, OwnerID: ownerID, Text: outcome.Answer}); err != nil {
		return outcome, fmt.Errorf("queue prompt answer: %w", err)
	}
	return outcome, nil
}

// Deliver posts text into the thread backing sessionID.
func (o *Orchestrator) Deliver(ctx context.Context, sessionID, text string) error {
	rec, ok := o.registry.FindBySessionID(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	target := Target(rec.Key)
	limit := o.cfg.Delivery.MaxLength
	if limit <= 0 {
		limit = delivery.DefaultMaxLength
	}
	for _, chunk := range delivery.Split(text, limit) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if _, err := o.platform.Post(ctx, target, chunk); err != nil {
			return fmt.Errorf("deliver to thread %s: %w", rec.Key, err)
		}
	}
	o.registry.Touch(ctx, rec.Key)
	return nil
}

// Close stops accepting input, cancels running invocations and waits for
// queued work to wind down.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()
	return o.scheduler.Close(ctx)
}

// Drain waits for queued work to finish without cancelling it. No input is
// accepted afterwards.
func (o *Orchestrator) Drain(ctx context.Context) error {
	err := o.scheduler.Close(ctx)
	o.cancel()
	return err
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeFailed
	outcomeWaiting
)

func (o *Orchestrator) process(ctx context.Context, in Inbound) {
	key := in.Key
	target := Target(key)
	invocation := ids.New()
	started := o.now()

	if o.prompts.Abandon(key) {
		o.logger.Printf("pending choice prompt dropped by new input thread=%s invocation=%s", key, invocation)
	}

	rec, created, err := o.registry.Resolve(ctx, key, in.OwnerID)
	if err != nil {
		o.logger.Printf("session resolve failed thread=%s invocation=%s err=%v", key, invocation, err)
		if _, postErr := o.platform.Post(ctx, target, o.cfg.ErrorMarker); postErr != nil {
			o.logger.Printf("error marker post failed thread=%s err=%v", key, postErr)
		}
		return
	}
	if created {
		rec = o.bindDesk(ctx, rec, in.Text)
	} else {
		o.registry.Touch(ctx, key)
	}
	d, manifestPath := o.deskContext(rec)

	reactTarget := target
	if in.MessageTarget != "" {
		reactTarget = in.MessageTarget
	}
	o.react(ctx, reactTarget, in.MessageID, o.cfg.Reactions.Working)

	live := delivery.NewLive(ctx, o.platform, target, o.cfg.Delivery, o.logger)
	if err := live.Start(ctx); err != nil {
		o.logger.Printf("status message failed thread=%s invocation=%s err=%v", key, invocation, err)
	}

	turn := &turn{o: o, ctx: ctx, rec: rec, live: live}
	processor := stream.NewProcessor(turn, o.logger, stream.WithChoiceTool(o.cfg.ChoiceTool))

	req := agent.Request{
		SessionID:    rec.SessionID,
		Resume:       rec.Started,
		Prompt:       composePrompt(in),
		SystemPrompt: d.SystemPromptSuffix(),
	}
	if manifestPath != "" {
		req.Env = append(req.Env, EnvBoundaryManifest+"="+manifestPath)
	}
	if base := strings.TrimRight(o.cfg.RelayBaseURL, "/"); base != "" {
		req.Env = append(req.Env, EnvRelayURL+"="+base+"/v1/sessions/"+rec.SessionID+"/messages")
	}
	o.logger.Printf("invocation started thread=%s invocation=%s session_id=%s resume=%t desk=%s", key, invocation, rec.SessionID, req.Resume, rec.Desk)

	var result stream.Result
	runErr := o.agent.Run(ctx, req, func(stdout io.Reader) error {
		var err error
		result, err = processor.Consume(ctx, stdout)
		return err
	})

	final, out := o.finalText(key, invocation, result, runErr, turn.promptOpened)
	if turn.undelivered > 0 && out == outcomeDone {
		final, out = joinNonEmpty(final, o.cfg.ErrorMarker), outcomeFailed
	}
	finish := live.Finalize
	if out == outcomeFailed {
		finish = live.Fail
	}
	if err := finish(ctx, final); err != nil {
		o.logger.Printf("final answer undelivered thread=%s invocation=%s err=%v", key, invocation, err)
		out = outcomeFailed
	}
	o.registry.Touch(ctx, key)

	if in.MessageID != "" {
		if err := o.platform.Unreact(ctx, reactTarget, in.MessageID, o.cfg.Reactions.Working); err != nil {
			o.logger.Printf("reaction removal failed thread=%s message=%s err=%v", key, in.MessageID, err)
		}
	}
	switch out {
	case outcomeFailed:
		o.react(ctx, reactTarget, in.MessageID, o.cfg.Reactions.Failed)
	case outcomeWaiting:
		o.react(ctx, reactTarget, in.MessageID, o.cfg.Reactions.Waiting)
	default:
		o.react(ctx, reactTarget, in.MessageID, o.cfg.Reactions.Done)
	}

	cost := "unknown"
	if result.HasCost {
		cost = fmt.Sprintf("%.4f", result.Cost)
	}
	o.logger.Printf("invocation finished thread=%s invocation=%s session_id=%s duration=%s cost_usd=%s skipped_lines=%d status_edits=%d undelivered=%d",
		key, invocation, rec.SessionID, o.now().Sub(started).Round(time.Millisecond), cost, result.SkippedLines, live.Edits(), turn.undelivered)
}

func (o *Orchestrator) react(ctx context.Context, target, messageID, emoji string) {
	if messageID == "" {
		return
	}
	if err := o.platform.React(ctx, target, messageID, emoji); err != nil {
		o.logger.Printf("reaction failed target=%s message=%s emoji=%s err=%v", target, messageID, emoji, err)
	}
}

func (o *Orchestrator) finalText(key session.ThreadKey, invocation string, result stream.Result, runErr error, promptOpened bool) (string, outcome) {
	switch {
	case runErr != nil:
		o.logger.Printf("agent invocation failed thread=%s invocation=%s err=%v", key, invocation, runErr)
		return joinNonEmpty(result.FinalText, o.cfg.ErrorMarker), outcomeFailed
	case result.AwaitingInput && promptOpened:
		return o.cfg.WaitingMarker, outcomeWaiting
	case result.IsError:
		o.logger.Printf("agent reported an error result thread=%s invocation=%s", key, invocation)
		return joinNonEmpty(result.FinalText, o.cfg.ErrorMarker), outcomeFailed
	default:
		return result.FinalText, outcomeDone
	}
}

// bindDesk attaches the desk mentioned in the first message of a thread.
func (o *Orchestrator) bindDesk(ctx context.Context, rec session.ThreadSession, text string) session.ThreadSession {
	if o.desks == nil {
		return rec
	}
	d, ok := o.desks.ResolveText(text)
	if !ok {
		return rec
	}
	bound, ok := o.registry.BindDesk(ctx, rec.Key, d.Name)
	if !ok {
		return rec
	}
	o.logger.Printf("desk bound thread=%s session_id=%s desk=%s", rec.Key, rec.SessionID, d.Name)
	return bound
}

// deskContext looks up the session's desk and makes sure its manifest is on
// disk. Both are re-derived on every invocation.
func (o *Orchestrator) deskContext(rec session.ThreadSession) (desk.Desk, string) {
	if rec.Desk == "" || o.desks == nil {
		return desk.Desk{}, ""
	}
	d, ok := o.desks.Resolve(rec.Desk)
	if !ok {
		o.logger.Printf("bound desk missing from catalog thread=%s desk=%s", rec.Key, rec.Desk)
		return desk.Desk{}, ""
	}
	if strings.TrimSpace(o.cfg.ManifestDir) == "" {
		return d, ""
	}
	path, err := desk.WriteManifest(o.cfg.ManifestDir, rec.SessionID, d, o.now())
	if err != nil {
		o.logger.Printf("boundary manifest write failed thread=%s err=%v", rec.Key, err)
		return d, ""
	}
	return d, path
}

func composePrompt(in Inbound) string {
	text := strings.TrimSpace(in.Text)
	if len(in.Attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	if text != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Attached files:")
	for _, path := range in.Attachments {
		b.WriteString("\n- ")
		b.WriteString(path)
	}
	return b.String()
}

func joinNonEmpty(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, "\n\n")
}
