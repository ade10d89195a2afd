package store

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/harmonia-app/chatcore/internal/config"
)

// Conversation is the locally archived row of the conversation list: one
// room with its counterpart, last message and unread count. The server list
// is authoritative; this copy exists so the messages screen renders
// instantly on startup, before the fetch lands.
type Conversation struct {
	RoomID        string `gorm:"primaryKey;size:64"`
	PartnerID     string `gorm:"size:64;not null;index"`
	LastMessage   string
	LastTimestamp time.Time `gorm:"index"`
	UnreadCount   int       `gorm:"default:0"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// Open initializes the sqlite-backed archive at the configured path.
func Open(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Store.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	// AutoMigrate keeps the local schema in sync with the model.
	if err := db.AutoMigrate(&Conversation{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive schema: %w", err)
	}

	return db, nil
}
