package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRepository provides data access methods for the local
// conversation archive.
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository creates a repository bound to the given archive.
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// ReplaceAll overwrites the archive with a freshly fetched conversation
// list. Server wins wholesale, matching how room history replaces the
// in-memory timeline.
func (r *ConversationRepository) ReplaceAll(ctx context.Context, convs []Conversation) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM conversations").Error; err != nil {
			return err
		}
		if len(convs) == 0 {
			return nil
		}
		return tx.Create(&convs).Error
	})
}

// List returns archived conversations, most recent activity first.
func (r *ConversationRepository) List(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	err := r.db.WithContext(ctx).
		Order("last_timestamp DESC").
		Find(&convs).Error
	return convs, err
}

// Bump records a newly arrived message against its room.
//
// Behavior:
//   - Existing row → last message/timestamp updated, unread incremented
//     when the message was not sent by this session's user.
//   - Missing row → inserted, so a first message in a brand-new room still
//     shows up in the list before the next full fetch.
func (r *ConversationRepository) Bump(ctx context.Context, roomID, partnerID, lastMessage string, ts time.Time, unread bool) error {
	conv := Conversation{
		RoomID:        roomID,
		PartnerID:     partnerID,
		LastMessage:   lastMessage,
		LastTimestamp: ts,
	}
	if unread {
		conv.UnreadCount = 1
	}

	assignments := map[string]any{
		"last_message":   lastMessage,
		"last_timestamp": ts,
	}
	if unread {
		assignments["unread_count"] = gorm.Expr("unread_count + 1")
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.Assignments(assignments),
		}).
		Create(&conv).Error
}

// MarkRead zeroes the unread counter for a room.
func (r *ConversationRepository) MarkRead(ctx context.Context, roomID string) error {
	return r.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("room_id = ?", roomID).
		Update("unread_count", 0).Error
}

// TotalUnread sums unread counts across all rooms, for the app badge.
func (r *ConversationRepository) TotalUnread(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&Conversation{}).
		Select("COALESCE(SUM(unread_count), 0)").
		Scan(&total).Error
	return total, err
}
