// Package store keeps the message timeline and conversation registry in an
// in-memory SQLite database.
package store

import (
	"fmt"
	"sync/atomic"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openCount names each in-memory database uniquely so separate stores do not
// share state while connections within one store still see the same data.
var openCount atomic.Int64

// ChatRecord is one entry of a conversation timeline.
type ChatRecord struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:64;not null;index"`
	Kind           string    `gorm:"size:16;not null"`
	Platform       string    `gorm:"size:16"`
	Content        string    `gorm:"type:text"`
	ToolName       string    `gorm:"size:128"`
	Timestamp      time.Time `gorm:"index"`
}

// Conversation tracks a known agent conversation and which one is active per
// chat. Conversations are never deleted, only marked inactive.
type Conversation struct {
	ID         string `gorm:"primaryKey;size:64"`
	Title      string `gorm:"size:256"`
	Active     bool   `gorm:"default:false;index"`
	LastSeenAt time.Time
	CreatedAt  time.Time
}

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open creates the in-memory database and migrates the schema. Each process
// gets its own database; nothing survives a restart.
func Open() (*Store, error) {
	dsn := fmt.Sprintf("file:switchboard-%d?mode=memory&cache=shared", openCount.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.AutoMigrate(&ChatRecord{}, &Conversation{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveMessage inserts a timeline record. Saving the same id twice updates the
// existing record in place, which is how streaming messages settle into their
// final content.
func (s *Store) SaveMessage(rec ChatRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("store: save message: missing id")
	}
	err := s.db.Save(&rec).Error
	if err != nil {
		return fmt.Errorf("store: save message %s: %w", rec.ID, err)
	}
	return nil
}

// History returns the most recent n records of a conversation in
// chronological order.
func (s *Store) History(conversationID string, n int) ([]ChatRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	var recs []ChatRecord
	err := s.db.
		Where("conversation_id = ?", conversationID).
		Order("timestamp DESC").
		Limit(n).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("store: history %s: %w", conversationID, err)
	}
	// Reverse to chronological order.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// UpsertConversation records a conversation sighting, creating it on first
// contact and refreshing LastSeenAt afterwards.
func (s *Store) UpsertConversation(id, title string) error {
	if id == "" {
		return fmt.Errorf("store: upsert conversation: missing id")
	}
	now := time.Now()
	var conv Conversation
	err := s.db.First(&conv, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		conv = Conversation{ID: id, Title: title, LastSeenAt: now, CreatedAt: now}
		if err := s.db.Create(&conv).Error; err != nil {
			return fmt.Errorf("store: create conversation %s: %w", id, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: lookup conversation %s: %w", id, err)
	}

	updates := map[string]interface{}{"last_seen_at": now}
	if title != "" {
		updates["title"] = title
	}
	if err := s.db.Model(&conv).Updates(updates).Error; err != nil {
		return fmt.Errorf("store: update conversation %s: %w", id, err)
	}
	return nil
}

// SwitchConversation marks the given conversation active and every other one
// inactive. The previously active conversation is kept, not deleted.
func (s *Store) SwitchConversation(id string) error {
	var conv Conversation
	if err := s.db.First(&conv, "id = ?", id).Error; err != nil {
		return fmt.Errorf("store: switch to unknown conversation %s: %w", id, err)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Conversation{}).Where("active = ?", true).
			Update("active", false).Error; err != nil {
			return fmt.Errorf("store: deactivate conversations: %w", err)
		}
		if err := tx.Model(&Conversation{}).Where("id = ?", id).
			Update("active", true).Error; err != nil {
			return fmt.Errorf("store: activate conversation %s: %w", id, err)
		}
		return nil
	})
}

// ActiveConversation returns the currently active conversation, or nil when
// none is selected.
func (s *Store) ActiveConversation() (*Conversation, error) {
	var conv Conversation
	err := s.db.First(&conv, "active = ?", true).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: active conversation: %w", err)
	}
	return &conv, nil
}

// Conversations lists all known conversations, most recently seen first.
func (s *Store) Conversations() ([]Conversation, error) {
	var convs []Conversation
	err := s.db.Order("last_seen_at DESC").Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	return convs, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return sqlDB.Close()
}
