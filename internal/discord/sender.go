package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"crabstack.local/projects/crab-desk/internal/delivery"
	"crabstack.local/projects/crab-desk/internal/prompt"
)

const (
	// MessageLimit is the most characters Discord accepts in message content.
	MessageLimit = 2000

	errCodeInvalidFormBody = 50035
	maxActionRows          = 5
)

// Sender delivers bridge output to Discord channels and threads.
type Sender struct {
	api API
}

func NewSender(api API) *Sender {
	return &Sender{api: api}
}

func (s *Sender) Post(ctx context.Context, channelID, text string) (string, error) {
	if err := checkMessage(channelID, text); err != nil {
		return "", err
	}
	msg, err := s.api.ChannelMessageSend(channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError("send message", err)
	}
	return msg.ID, nil
}

func (s *Sender) Edit(ctx context.Context, channelID, messageID, text string) error {
	if err := checkMessage(channelID, text); err != nil {
		return err
	}
	if strings.TrimSpace(messageID) == "" {
		return errors.New("message id is required")
	}
	if _, err := s.api.ChannelMessageEdit(channelID, messageID, text, discordgo.WithContext(ctx)); err != nil {
		return mapError("edit message", err)
	}
	return nil
}

// PostPrompt sends a rendered choice prompt with one button per option.
func (s *Sender) PostPrompt(ctx context.Context, channelID string, rendered prompt.Rendered) (string, error) {
	content := delivery.Clip(rendered.Text, MessageLimit, "…")
	if err := checkMessage(channelID, content); err != nil {
		return "", err
	}
	msg, err := s.api.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    content,
		Components: components(rendered),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError("send prompt", err)
	}
	return msg.ID, nil
}

func (s *Sender) React(ctx context.Context, channelID, messageID, emoji string) error {
	if err := s.api.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return mapError("add reaction", err)
	}
	return nil
}

func (s *Sender) Unreact(ctx context.Context, channelID, messageID, emoji string) error {
	if err := s.api.MessageReactionRemove(channelID, messageID, emoji, "@me", discordgo.WithContext(ctx)); err != nil {
		return mapError("remove reaction", err)
	}
	return nil
}

func checkMessage(channelID, text string) error {
	if strings.TrimSpace(channelID) == "" {
		return errors.New("channel id is required")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("message content is required")
	}
	if utf8.RuneCountInString(text) > MessageLimit {
		return fmt.Errorf("%w: %d characters", delivery.ErrMessageTooLong, utf8.RuneCountInString(text))
	}
	return nil
}

// mapError turns Discord's length rejection into delivery.ErrMessageTooLong
// so callers can fall back to a shorter message.
func mapError(op string, err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusBadRequest {
		if restErr.Message != nil && restErr.Message.Code == errCodeInvalidFormBody && bytes.Contains(restErr.ResponseBody, []byte("MAX_LENGTH")) {
			return fmt.Errorf("%s: %w: %v", op, delivery.ErrMessageTooLong, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func components(rendered prompt.Rendered) []discordgo.MessageComponent {
	rows := make([]discordgo.MessageComponent, 0, len(rendered.Rows))
	for _, row := range rendered.Rows {
		buttons := make([]discordgo.MessageComponent, 0, len(row))
		for _, control := range row {
			style := discordgo.SecondaryButton
			switch {
			case control.Submit:
				style = discordgo.PrimaryButton
			case control.Selected:
				style = discordgo.SuccessButton
			}
			buttons = append(buttons, discordgo.Button{
				Label:    control.Label,
				Style:    style,
				CustomID: control.Value,
			})
		}
		if len(buttons) > 0 {
			rows = append(rows, discordgo.ActionsRow{Components: buttons})
		}
	}
	if len(rows) > maxActionRows {
		// keep the submit row reachable
		rows = append(rows[:maxActionRows-1], rows[len(rows)-1])
	}
	return rows
}
