package api

import (
	"context"
	"net/http"
	"time"

	apperr "github.com/harmonia-app/chatcore/internal/errors"
)

// Room is the create-or-fetch result for a participant pair. The server is
// the arbiter of room identity: the same unordered pair always resolves to
// the same room id.
type Room struct {
	ID           string   `json:"room_id"`
	Participants []string `json:"participants"`
}

// Conversation is one row of the conversation list: a room plus its last
// message and unread count.
type Conversation struct {
	RoomID        string    `json:"roomId"`
	PartnerID     string    `json:"partnerId"`
	LastMessage   string    `json:"lastMessage"`
	LastTimestamp time.Time `json:"lastTimestamp"`
	UnreadCount   int       `json:"unreadCount"`
}

// CreateRoom creates or fetches the room for the two participants.
func (c *Client) CreateRoom(ctx context.Context, participant1, participant2 string) (*Room, error) {
	if participant1 == "" || participant2 == "" {
		return nil, apperr.InvalidArg("both participants are required")
	}
	body := map[string]string{
		"participant_1": participant1,
		"participant_2": participant2,
	}
	var room Room
	if err := c.do(ctx, http.MethodPost, "/chat/room", body, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// GetRoom fetches the participant pair for a room id.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	if roomID == "" {
		return nil, apperr.InvalidArg("room id is required")
	}
	var room Room
	if err := c.do(ctx, http.MethodGet, "/chat/room/"+roomID, nil, &room); err != nil {
		return nil, err
	}
	if room.ID == "" {
		room.ID = roomID
	}
	return &room, nil
}

// ListConversations returns the user's rooms with last message and unread
// count.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// MarkAsRead clears the unread counter for a room. Callers treat this as
// fire-and-forget; a failure only delays the badge update.
func (c *Client) MarkAsRead(ctx context.Context, roomID string) error {
	if roomID == "" {
		return apperr.InvalidArg("room id is required")
	}
	return c.do(ctx, http.MethodPatch, "/chat/markAsRead", map[string]string{"roomId": roomID}, nil)
}

// BlockUser submits a directed block edge.
func (c *Client) BlockUser(ctx context.Context, blockedUserID, roomID, reason string) error {
	if blockedUserID == "" {
		return apperr.InvalidArg("blocked user id is required")
	}
	body := map[string]string{
		"blockedUserId": blockedUserID,
		"roomId":        roomID,
		"reason":        reason,
	}
	return c.do(ctx, http.MethodPost, "/chat/block-user", body, nil)
}

// IsBlocked reports whether a block edge exists in either direction between
// the two users.
func (c *Client) IsBlocked(ctx context.Context, userID, otherID string) (bool, error) {
	var out struct {
		IsBlocked bool `json:"isBlocked"`
	}
	path := "/chat/is-blocked" + query(map[string]string{
		"userId":        userID,
		"blockedUserId": otherID,
	})
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.IsBlocked, nil
}
