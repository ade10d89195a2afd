package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harmonia-app/chatcore/internal/conn"
	apperr "github.com/harmonia-app/chatcore/internal/errors"
)

// Sender is the slice of the connection manager the pipeline needs.
type Sender interface {
	SendWithAck(ctx context.Context, event string, payload any, ackID string) (conn.Ack, error)
	Emit(event string, payload any) error
	State() conn.State
	RoomID() string
}

// Entitlements is the slice of the entitlement engine the pipeline consults
// before and after a send.
type Entitlements interface {
	CanMessage(profileID string, fromLikedList bool) bool
	RecordMessageAttempt(ctx context.Context, profileID string, isMatchCard bool) bool
}

// BlockChecker answers whether composition between two users is disabled.
// The check is expected to be memoized per room-open so Compose rejects
// locally, without a network round-trip.
type BlockChecker interface {
	Blocked(selfID, otherID string) bool
}

// ReadMarker clears a room's unread counter on the server.
type ReadMarker interface {
	MarkAsRead(ctx context.Context, roomID string) error
}

// Pipeline composes, optimistically applies, transmits and reconciles the
// messages of one open room.
type Pipeline struct {
	userID    string
	partnerID string
	matchCard bool

	sender   Sender
	engine   Entitlements
	safety   BlockChecker
	reader   ReadMarker
	timeline *Timeline
	log      *slog.Logger
}

// NewPipeline builds the pipeline for one open room. matchCard records
// which quota set the counterpart belongs to (personality match vs. "who
// liked me" list).
func NewPipeline(userID, partnerID string, matchCard bool, sender Sender, engine Entitlements, safety BlockChecker, reader ReadMarker, log *slog.Logger) *Pipeline {
	return &Pipeline{
		userID:    userID,
		partnerID: partnerID,
		matchCard: matchCard,
		sender:    sender,
		engine:    engine,
		safety:    safety,
		reader:    reader,
		timeline:  NewTimeline(),
		log:       log,
	}
}

// Timeline exposes the room's visible sequence.
func (p *Pipeline) Timeline() *Timeline { return p.timeline }

// Compose validates, optimistically inserts and transmits one message,
// returning the tempId of the entry on success.
//
// Behavior:
//  1. Empty body, no joined room, or a block in either direction reject
//     immediately with no network round-trip.
//  2. A quota check runs before transmission; it is advisory (the cache
//     may be stale) and the server re-validates on the ack.
//  3. The message enters the sequence in optimistic state before the send,
//     then flips to acked or is retracted on the ack outcome. Quota
//     rejections come back coded FREE_CAP_REACHED so callers can show the
//     upgrade path instead of a generic failure.
//  4. The quota counter commits only after a successful ack, mirroring the
//     server's own accounting.
func (p *Pipeline) Compose(ctx context.Context, body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", apperr.InvalidArg("message body is empty")
	}

	roomID := p.sender.RoomID()
	if p.sender.State() != conn.StateJoined || roomID == "" {
		return "", apperr.ConnectionUnavailable("no room joined")
	}

	if p.safety.Blocked(p.userID, p.partnerID) {
		return "", apperr.Blocked("messaging is disabled between these users")
	}

	if !p.engine.CanMessage(p.partnerID, !p.matchCard) {
		return "", apperr.QuotaExceeded("message limit reached")
	}

	tempID := uuid.NewString()
	now := time.Now().UTC()
	p.timeline.Upsert(Message{
		TempID:    tempID,
		SenderID:  p.userID,
		RoomID:    roomID,
		Body:      body,
		Timestamp: now,
		State:     StateOptimistic,
	})

	payload := map[string]string{
		"tempId":    tempID,
		"sender_id": p.userID,
		"message":   body,
		"room_id":   roomID,
		"timestamp": now.Format(time.RFC3339Nano),
	}

	ack, err := p.sender.SendWithAck(ctx, conn.EventSendMessage, payload, tempID)
	if err != nil {
		p.timeline.Remove(tempID)
		return "", err
	}
	if !ack.Success {
		p.timeline.Remove(tempID)
		if ack.Code == string(apperr.CodeQuotaExceeded) {
			return "", apperr.QuotaExceeded("message limit reached")
		}
		msg := ack.Message
		if msg == "" {
			msg = "failed to send message"
		}
		return "", apperr.New(apperr.CodeSendFailed, msg)
	}

	p.timeline.Ack(tempID, "", time.Time{})
	p.engine.RecordMessageAttempt(ctx, p.partnerID, p.matchCard)
	return tempID, nil
}

// HandleIncoming applies a new_message broadcast to the sequence and, for
// counterpart messages, marks the room read server-side. Returns the
// message and whether it was newly inserted.
//
// Runs on the connection read loop, so the markAsRead POST is fired on its
// own goroutine; a slow server must not stall frame reads (an ack waiting
// behind a blocked read loop would time out a perfectly healthy send).
func (p *Pipeline) HandleIncoming(ctx context.Context, data json.RawMessage) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		p.log.Warn("malformed incoming message", "err", err)
		return Message{}, false
	}
	msg.State = StateAcked

	inserted := p.timeline.Upsert(msg)
	if msg.SenderID != p.userID {
		roomID := p.sender.RoomID()
		go func() {
			if err := p.reader.MarkAsRead(ctx, roomID); err != nil {
				p.log.Debug("markAsRead failed", "err", err)
			}
		}()
	}
	return msg, inserted
}

// HandleHistory replaces the visible sequence with a fetched room history.
func (p *Pipeline) HandleHistory(data json.RawMessage) int {
	var payload struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		p.log.Warn("malformed message history", "err", err)
		return p.timeline.Len()
	}
	p.timeline.Replace(payload.Messages)
	return p.timeline.Len()
}

// RequestHistory asks the server for the room's full history; the response
// arrives as a message_history event.
func (p *Pipeline) RequestHistory() error {
	roomID := p.sender.RoomID()
	if roomID == "" {
		return apperr.ConnectionUnavailable("no room joined")
	}
	return p.sender.Emit(conn.EventGetMessageHistory, map[string]string{
		"room_id":   roomID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// ReceivedTodayFrom counts today's messages from the given sender, feeding
// the notice a free user sees when a premium counterpart exhausts the daily
// receive allowance.
func (p *Pipeline) ReceivedTodayFrom(senderID string) int {
	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return p.timeline.CountSince(senderID, startOfDay)
}
