package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/singleflight"

	"crabstack.local/projects/crab-desk/internal/orchestrator"
	"crabstack.local/projects/crab-desk/internal/prompt"
	"crabstack.local/projects/crab-desk/internal/session"
)

const (
	handleTimeout         = 30 * time.Second
	threadArchiveMinutes  = 1440
	maxThreadNameRunes    = 80
	defaultThreadName     = "conversation"
	expiredPromptResponse = "This question is no longer waiting for an answer."
)

// Handler receives conversational input from Discord.
type Handler interface {
	Handle(ctx context.Context, in orchestrator.Inbound) error
	SelectChoice(ctx context.Context, key session.ThreadKey, ownerID, value string) (prompt.Outcome, error)
}

// Sessions tells the listener which threads already belong to the bridge.
type Sessions interface {
	Get(key session.ThreadKey) (session.ThreadSession, bool)
}

// Gateway is the live connection events arrive on.
type Gateway interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
}

type Options struct {
	// AttachmentDir is where inbound attachments are saved; empty disables
	// downloads.
	AttachmentDir string
	HTTPClient    *http.Client
}

// Listener turns Discord messages and button clicks into orchestrator input.
// A mention of the bot in a channel opens a thread; every later message in
// that thread continues the same conversation.
type Listener struct {
	api      API
	gateway  Gateway
	handler  Handler
	sessions Sessions
	opts     Options
	logger   *log.Logger

	lookups singleflight.Group

	mu       sync.RWMutex
	botID    string
	channels map[string]*discordgo.Channel
	started  bool
}

func NewListener(api API, gateway Gateway, handler Handler, sessions Sessions, opts Options, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: handleTimeout}
	}
	return &Listener{
		api:      api,
		gateway:  gateway,
		handler:  handler,
		sessions: sessions,
		opts:     opts,
		logger:   logger,
		channels: make(map[string]*discordgo.Channel),
	}
}

func (l *Listener) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return fmt.Errorf("listener already started")
	}
	l.gateway.AddHandler(l.handleReady)
	l.gateway.AddHandler(l.handleMessage)
	l.gateway.AddHandler(l.handleInteraction)
	if err := l.gateway.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	l.started = true
	l.logger.Printf("discord listener started")
	return nil
}

func (l *Listener) Stop() error {
	l.mu.Lock()
	started := l.started
	l.started = false
	l.mu.Unlock()

	if !started {
		return nil
	}
	if err := l.gateway.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	l.logger.Printf("discord listener stopped")
	return nil
}

func (l *Listener) setBotID(id string) {
	l.mu.Lock()
	l.botID = id
	l.mu.Unlock()
}

func (l *Listener) currentBotID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.botID
}

func (l *Listener) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r == nil || r.User == nil {
		return
	}
	l.setBotID(r.User.ID)
	l.logger.Printf("discord ready bot_id=%s guilds=%d", r.User.ID, len(r.Guilds))
}

func (l *Listener) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if err := l.route(ctx, m.Message); err != nil {
		l.logger.Printf("discord message dropped channel_id=%s message_id=%s err=%v", m.ChannelID, m.ID, err)
	}
}

func (l *Listener) route(ctx context.Context, msg *discordgo.Message) error {
	botID := l.currentBotID()
	mentioned := mentions(msg, botID)
	text := stripMention(msg.Content, botID)

	ch, err := l.channel(ctx, msg.ChannelID)
	if err != nil {
		return err
	}

	var key session.ThreadKey
	switch {
	case ch.IsThread():
		key = session.ThreadKey{ConversationID: ch.ParentID, RootMessageID: ch.ID}
		if _, known := l.sessions.Get(key); !known && !mentioned {
			return nil
		}
	case ch.Type == discordgo.ChannelTypeDM:
		key = session.ThreadKey{ConversationID: ch.ID, RootMessageID: ch.ID}
	case mentioned:
		thread, err := l.api.MessageThreadStart(msg.ChannelID, msg.ID, threadName(text), threadArchiveMinutes, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("start thread: %w", err)
		}
		l.remember(thread)
		key = session.ThreadKey{ConversationID: msg.ChannelID, RootMessageID: thread.ID}
		l.logger.Printf("discord thread started channel_id=%s thread_id=%s", msg.ChannelID, thread.ID)
	default:
		return nil
	}

	attachments, err := l.downloadAttachments(ctx, key, msg)
	if err != nil {
		l.logger.Printf("attachment download failed thread=%s message_id=%s err=%v", key, msg.ID, err)
	}
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return nil
	}
	return l.handler.Handle(ctx, orchestrator.Inbound{
		Key:           key,
		OwnerID:       msg.Author.ID,
		Text:          text,
		Attachments:   attachments,
		MessageID:     msg.ID,
		MessageTarget: msg.ChannelID,
	})
}

func (l *Listener) handleInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	value := i.MessageComponentData().CustomID
	if !prompt.IsValue(value) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	ch, err := l.channel(ctx, i.ChannelID)
	if err != nil {
		l.logger.Printf("choice dropped channel_id=%s err=%v", i.ChannelID, err)
		return
	}
	key := session.ThreadKey{ConversationID: ch.ID, RootMessageID: ch.ID}
	if ch.IsThread() {
		key.ConversationID = ch.ParentID
	}

	outcome, err := l.handler.SelectChoice(ctx, key, interactionUserID(i), value)
	if err != nil {
		if !errors.Is(err, prompt.ErrNoPending) {
			l.logger.Printf("choice selection failed thread=%s err=%v", key, err)
		}
		l.respond(ctx, i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: expiredPromptResponse,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		})
		return
	}
	content := ""
	if i.Message != nil {
		content = i.Message.Content
	}
	l.respond(ctx, i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: components(outcome.Rendered),
		},
	})
}

func (l *Listener) respond(ctx context.Context, i *discordgo.InteractionCreate, resp *discordgo.InteractionResponse) {
	if err := l.api.InteractionRespond(i.Interaction, resp, discordgo.WithContext(ctx)); err != nil {
		l.logger.Printf("interaction response failed channel_id=%s err=%v", i.ChannelID, err)
	}
}

// channel returns channel metadata, asking Discord at most once per channel
// even when several events race on a cold cache.
func (l *Listener) channel(ctx context.Context, id string) (*discordgo.Channel, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("channel id is required")
	}
	l.mu.RLock()
	ch, ok := l.channels[id]
	l.mu.RUnlock()
	if ok {
		return ch, nil
	}

	v, err, _ := l.lookups.Do(id, func() (interface{}, error) {
		ch, err := l.api.Channel(id, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("fetch channel %s: %w", id, err)
		}
		l.remember(ch)
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*discordgo.Channel), nil
}

func (l *Listener) remember(ch *discordgo.Channel) {
	if ch == nil || ch.ID == "" {
		return
	}
	l.mu.Lock()
	l.channels[ch.ID] = ch
	l.mu.Unlock()
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func mentions(msg *discordgo.Message, botID string) bool {
	if botID == "" {
		return false
	}
	for _, user := range msg.Mentions {
		if user != nil && user.ID == botID {
			return true
		}
	}
	return false
}

var spaceRun = regexp.MustCompile(`[ \t]+`)

func stripMention(content, botID string) string {
	if botID != "" {
		content = strings.ReplaceAll(content, "<@"+botID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(spaceRun.ReplaceAllString(content, " "))
}

func threadName(text string) string {
	name := strings.Join(strings.Fields(text), " ")
	if name == "" {
		return defaultThreadName
	}
	runes := []rune(name)
	if len(runes) > maxThreadNameRunes {
		return strings.TrimSpace(string(runes[:maxThreadNameRunes-1])) + "…"
	}
	return name
}
