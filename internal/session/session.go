package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/harmonia-app/chatcore/internal/api"
	"github.com/harmonia-app/chatcore/internal/chat"
	"github.com/harmonia-app/chatcore/internal/config"
	"github.com/harmonia-app/chatcore/internal/conn"
	"github.com/harmonia-app/chatcore/internal/entitlement"
	apperr "github.com/harmonia-app/chatcore/internal/errors"
	"github.com/harmonia-app/chatcore/internal/presence"
	"github.com/harmonia-app/chatcore/internal/safety"
	"github.com/harmonia-app/chatcore/internal/store"
)

// Session is the authenticated user identity plus everything it owns: the
// REST client, the entitlement engine, exactly one live connection, the
// presence tracker, the blocklist and the (at most one) open room pipeline.
type Session struct {
	UserID string

	API      *api.Client
	Engine   *entitlement.Engine
	Conn     *conn.Manager
	Presence *presence.Tracker
	Safety   *safety.Blocklist

	// OnMessage fires for every newly inserted incoming message.
	// OnMatchesChanged fires on matches_updated/matches_refreshed.
	// Both optional; set before Start.
	OnMessage        func(chat.Message)
	OnMatchesChanged func()

	cache    *entitlementCacheRef
	convs    *store.ConversationRepository
	log      *slog.Logger
	tokenExp *time.Time

	mu        sync.Mutex
	pipeline  *chat.Pipeline
	partnerID string
}

// entitlementCacheRef keeps the concrete cache around for logout cleanup
// while the engine only sees the interface.
type entitlementCacheRef struct {
	delete func(ctx context.Context, userID string) error
}

// Options carries the optional collaborators a session can run without.
type Options struct {
	Cache    entitlement.SnapshotCache
	ConvRepo *store.ConversationRepository

	// DeleteSnapshot clears the cached snapshot on logout; usually
	// cache.DeleteSnapshot.
	DeleteSnapshot func(ctx context.Context, userID string) error
}

// New builds a session from the bearer credential in config. The token is
// parsed unverified, client-side, for its identity and expiry claims only;
// cryptographic verification is the server's job.
func New(cfg *config.Config, client *api.Client, opts Options, log *slog.Logger) (*Session, error) {
	userID, exp, err := introspectToken(cfg.API.Token)
	if err != nil {
		return nil, err
	}

	s := &Session{
		UserID:   userID,
		API:      client,
		Presence: presence.NewTracker(),
		Safety:   safety.NewBlocklist(client, log),
		convs:    opts.ConvRepo,
		log:      log,
		tokenExp: exp,
	}
	if opts.DeleteSnapshot != nil {
		s.cache = &entitlementCacheRef{delete: opts.DeleteSnapshot}
	}

	s.Engine = entitlement.NewEngine(userID, client, opts.Cache, log)
	s.Conn = conn.NewManager(cfg, userID, client.Token, conn.Handlers{
		OnDisconnected: s.handleDisconnected,
		OnEvent:        s.handleEvent,
		OnError: func(msg string) {
			log.Warn("server error event", "message", msg)
		},
	}, log)

	return s, nil
}

func introspectToken(token string) (string, *time.Time, error) {
	if token == "" {
		return "", nil, apperr.AuthExpired("no credential present")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", nil, apperr.Wrap(apperr.CodeAuthExpired, "malformed credential", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", nil, apperr.AuthExpired("credential carries no subject")
	}
	var expAt *time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		expAt = &t
	}
	return sub, expAt, nil
}

// checkCredential rejects work attempted with an expired credential so a
// send never silently drops its optimistic message.
func (s *Session) checkCredential() error {
	if s.tokenExp != nil && time.Now().After(*s.tokenExp) {
		return apperr.AuthExpired("credential expired, sign in again")
	}
	return nil
}

// Start seeds the entitlement cache from the authoritative record (server
// wins), then brings the connection up. The first successful connection
// joins the user's personal channel exactly once.
func (s *Session) Start(ctx context.Context) error {
	if err := s.checkCredential(); err != nil {
		return err
	}
	if err := s.Engine.Load(ctx); err != nil {
		return err
	}
	return s.Conn.Connect(ctx)
}

// OpenRoom creates-or-fetches the room for the counterpart, joins it,
// refreshes the pair's block status and requests history. matchCard
// records which quota set the counterpart belongs to.
func (s *Session) OpenRoom(ctx context.Context, partnerID string, matchCard bool) (*chat.Pipeline, error) {
	if err := s.checkCredential(); err != nil {
		return nil, err
	}
	room, err := s.API.CreateRoom(ctx, s.UserID, partnerID)
	if err != nil {
		return nil, err
	}
	return s.enterRoom(ctx, room.ID, partnerID, matchCard)
}

// OpenRoomByID resolves a known room id to its counterpart and enters it,
// the path taken when the user taps a conversation row.
func (s *Session) OpenRoomByID(ctx context.Context, roomID string, matchCard bool) (*chat.Pipeline, error) {
	if err := s.checkCredential(); err != nil {
		return nil, err
	}
	room, err := s.API.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	partnerID := ""
	for _, p := range room.Participants {
		if p != s.UserID {
			partnerID = p
		}
	}
	if partnerID == "" {
		return nil, apperr.InvalidArg("room has no other participant")
	}
	return s.enterRoom(ctx, room.ID, partnerID, matchCard)
}

func (s *Session) enterRoom(ctx context.Context, roomID, partnerID string, matchCard bool) (*chat.Pipeline, error) {
	if _, err := s.Conn.JoinRoom(ctx, roomID, s.UserID, partnerID); err != nil {
		return nil, err
	}
	if _, err := s.Safety.Refresh(ctx, s.UserID, partnerID); err != nil {
		// Composition stays enabled on a failed check; the server still
		// enforces blocks on its side.
		s.log.Warn("block status check failed", "partner", partnerID, "err", err)
	}

	p := chat.NewPipeline(s.UserID, partnerID, matchCard, s.Conn, s.Engine, s.Safety, s.API, s.log)

	s.mu.Lock()
	s.pipeline = p
	s.partnerID = partnerID
	s.mu.Unlock()

	if err := p.RequestHistory(); err != nil {
		s.log.Warn("history request failed", "room", roomID, "err", err)
	}
	if err := s.API.MarkAsRead(ctx, roomID); err != nil {
		s.log.Debug("markAsRead failed", "room", roomID, "err", err)
	}
	if s.convs != nil {
		if err := s.convs.MarkRead(ctx, roomID); err != nil {
			s.log.Debug("local markRead failed", "room", roomID, "err", err)
		}
	}
	return p, nil
}

// CloseRoom leaves the current room pipeline behind (UI navigated away).
func (s *Session) CloseRoom() {
	s.mu.Lock()
	s.pipeline = nil
	s.partnerID = ""
	s.mu.Unlock()
}

// Partner returns the counterpart of the currently open room.
func (s *Session) Partner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partnerID
}

// BlockPartner blocks the counterpart of the open room and closes it, the
// navigate-away the UI performs after a confirmed block.
func (s *Session) BlockPartner(ctx context.Context, reason string) error {
	s.mu.Lock()
	partnerID := s.partnerID
	s.mu.Unlock()
	if partnerID == "" {
		return apperr.InvalidArg("no room open")
	}
	if err := s.Safety.Block(ctx, s.UserID, partnerID, s.Conn.RoomID(), reason); err != nil {
		return err
	}
	s.CloseRoom()
	return nil
}

// SyncConversations fetches the conversation list and replaces the local
// archive with it.
func (s *Session) SyncConversations(ctx context.Context) ([]store.Conversation, error) {
	convs, err := s.API.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]store.Conversation, 0, len(convs))
	for _, c := range convs {
		rows = append(rows, store.Conversation{
			RoomID:        c.RoomID,
			PartnerID:     c.PartnerID,
			LastMessage:   c.LastMessage,
			LastTimestamp: c.LastTimestamp,
			UnreadCount:   c.UnreadCount,
		})
	}
	if s.convs != nil {
		if err := s.convs.ReplaceAll(ctx, rows); err != nil {
			s.log.Warn("conversation archive update failed", "err", err)
		}
	}
	return rows, nil
}

// Conversations reads the local archive, most recent first. Renders
// instantly on startup; SyncConversations refreshes it from the server.
func (s *Session) Conversations(ctx context.Context) ([]store.Conversation, error) {
	if s.convs == nil {
		return s.SyncConversations(ctx)
	}
	return s.convs.List(ctx)
}

// RefreshMatches asks the server to recompute the match list; the result
// arrives as a matches_refreshed event.
func (s *Session) RefreshMatches() error {
	return s.Conn.Emit(conn.EventRefreshMatches, map[string]string{"userId": s.UserID})
}

// Logout announces the logout, tears the connection down and clears the
// cached snapshot.
func (s *Session) Logout(ctx context.Context) {
	if err := s.Conn.Emit(conn.EventLogout, map[string]string{"userId": s.UserID}); err != nil {
		s.log.Debug("logout emit failed", "err", err)
	}
	s.Conn.Close()
	s.Presence.Reset()
	s.CloseRoom()
	if s.cache != nil {
		if err := s.cache.delete(ctx, s.UserID); err != nil {
			s.log.Debug("snapshot cache clear failed", "err", err)
		}
	}
}

func (s *Session) handleDisconnected(err error) {
	// Presence data has no life beyond the connection.
	s.Presence.Reset()
}

// handleEvent routes server events arriving outside the ack path.
func (s *Session) handleEvent(event string, data json.RawMessage) {
	switch event {
	case conn.EventNewMessage:
		s.mu.Lock()
		p := s.pipeline
		s.mu.Unlock()
		if p == nil {
			go s.bumpConversation(data)
			return
		}
		msg, inserted := p.HandleIncoming(context.Background(), data)
		if inserted {
			// The archive write runs off the read loop; a slow disk must
			// not hold up frame reads.
			go s.bumpConversation(data)
			if s.OnMessage != nil && msg.SenderID != s.UserID {
				s.OnMessage(msg)
			}
		}

	case conn.EventMessageHistory:
		s.mu.Lock()
		p := s.pipeline
		s.mu.Unlock()
		if p != nil {
			p.HandleHistory(data)
		}

	case conn.EventUserOnline, conn.EventUserOffline:
		s.Presence.HandleEvent(event, data)

	case conn.EventMatchesUpdated, conn.EventMatchesRefreshed:
		if s.OnMatchesChanged != nil {
			s.OnMatchesChanged()
		}
	}
}

// bumpConversation reflects an incoming message in the local archive so the
// conversation list stays fresh between full syncs.
func (s *Session) bumpConversation(data json.RawMessage) {
	if s.convs == nil {
		return
	}
	var msg chat.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.RoomID == "" {
		return
	}
	unread := msg.SenderID != s.UserID
	partner := msg.SenderID
	if !unread {
		partner = s.Partner()
	}
	if err := s.convs.Bump(context.Background(), msg.RoomID, partner, msg.Body, msg.Timestamp, unread); err != nil {
		s.log.Debug("conversation bump failed", "room", msg.RoomID, "err", err)
	}
}
