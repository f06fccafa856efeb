package session

import (
	"fmt"
	"strings"
	"time"
)

// ThreadKey identifies one conversation thread: the conversation (channel) it
// lives in and the message that rooted it.
type ThreadKey struct {
	ConversationID string `json:"conversation_id"`
	RootMessageID  string `json:"root_message_id"`
}

func (k ThreadKey) String() string {
	return k.ConversationID + ":" + k.RootMessageID
}

func (k ThreadKey) Validate() error {
	if strings.TrimSpace(k.ConversationID) == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if strings.TrimSpace(k.RootMessageID) == "" {
		return fmt.Errorf("root_message_id is required")
	}
	return nil
}

func ParseThreadKey(raw string) (ThreadKey, error) {
	conversationID, rootID, ok := strings.Cut(strings.TrimSpace(raw), ":")
	key := ThreadKey{ConversationID: conversationID, RootMessageID: rootID}
	if !ok {
		return ThreadKey{}, fmt.Errorf("thread key %q must be conversation:root", raw)
	}
	if err := key.Validate(); err != nil {
		return ThreadKey{}, fmt.Errorf("thread key %q: %w", raw, err)
	}
	return key, nil
}

// ThreadSession maps a thread to the resumable agent session backing it.
// SessionID never changes once the mapping exists.
type ThreadSession struct {
	Key            ThreadKey `json:"key"`
	SessionID      string    `json:"session_id"`
	OwnerID        string    `json:"owner_id"`
	Desk           string    `json:"desk,omitempty"`
	Started        bool      `json:"started"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (s ThreadSession) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}
