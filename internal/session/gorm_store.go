package session

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "crabstack.local/projects/crab-desk/internal/db"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.db.AutoMigrate(&threadSessionRow{}); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate thread sessions: %w", err)
	}
	return store, nil
}

func (s *GormStore) LoadSessions(ctx context.Context) ([]ThreadSession, error) {
	var rows []threadSessionRow
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load thread sessions: %w", err)
	}
	out := make([]ThreadSession, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) SaveSession(ctx context.Context, rec ThreadSession) error {
	if err := rec.Key.Validate(); err != nil {
		return err
	}
	row := threadSessionRowFromRecord(rec)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "conversation_id"}, {Name: "root_message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"owner_id", "desk", "started", "last_activity_at",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save thread session: %w", err)
	}
	return nil
}

func (s *GormStore) DeleteSessions(ctx context.Context, keys []ThreadKey) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, key := range keys {
			err := tx.Where("conversation_id = ? AND root_message_id = ?", key.ConversationID, key.RootMessageID).
				Delete(&threadSessionRow{}).Error
			if err != nil {
				return fmt.Errorf("delete thread session %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
