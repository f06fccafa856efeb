package session

import "time"

type threadSessionRow struct {
	ConversationID string    `gorm:"primaryKey;size:191"`
	RootMessageID  string    `gorm:"primaryKey;size:191"`
	SessionID      string    `gorm:"size:64;not null;uniqueIndex"`
	OwnerID        string    `gorm:"size:191"`
	Desk           string    `gorm:"size:191"`
	Started        bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null"`
	LastActivityAt time.Time `gorm:"not null;index"`
}

func (threadSessionRow) TableName() string {
	return "thread_sessions"
}

func (r threadSessionRow) toRecord() ThreadSession {
	return ThreadSession{
		Key: ThreadKey{
			ConversationID: r.ConversationID,
			RootMessageID:  r.RootMessageID,
		},
		SessionID:      r.SessionID,
		OwnerID:        r.OwnerID,
		Desk:           r.Desk,
		Started:        r.Started,
		CreatedAt:      r.CreatedAt.UTC(),
		LastActivityAt: r.LastActivityAt.UTC(),
	}
}

func threadSessionRowFromRecord(rec ThreadSession) threadSessionRow {
	return threadSessionRow{
		ConversationID: rec.Key.ConversationID,
		RootMessageID:  rec.Key.RootMessageID,
		SessionID:      rec.SessionID,
		OwnerID:        rec.OwnerID,
		Desk:           rec.Desk,
		Started:        rec.Started,
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
	}
}
