package conn

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harmonia-app/chatcore/internal/config"
	apperr "github.com/harmonia-app/chatcore/internal/errors"
)

// Manager owns the one authenticated, long-lived realtime connection of a
// session and drives the lifecycle
//
//	idle → connecting → connected → joined(room)
//
// with automatic reconnection on unexpected drops. Each successful dial
// starts a new generation; in-flight acknowledgments belong to the
// generation they were sent on and fail when it dies, and acks arriving for
// an older generation are dropped rather than resolved.
type Manager struct {
	url          string
	ackTimeout   time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration

	userID   string
	token    func() string
	handlers Handlers
	log      *slog.Logger
	dialer   *websocket.Dialer

	mu             sync.Mutex
	ws             *websocket.Conn
	state          State
	gen            int
	closed         bool
	joinedUserRoom bool
	roomID         string
	rejoin         *joinRequest
	pending        map[string]*pendingAck
	joinCh         chan joinResult

	writeMu sync.Mutex
}

type pendingAck struct {
	gen int
	ch  chan ackOutcome
}

type ackOutcome struct {
	ack Ack
	err error
}

type joinResult struct {
	roomID string
	err    error
}

type joinRequest struct {
	roomID string
	p1, p2 string
}

// NewManager builds a manager for one session. token is called on every
// dial so a rotated credential is always re-presented.
func NewManager(cfg *config.Config, userID string, token func() string, handlers Handlers, log *slog.Logger) *Manager {
	return &Manager{
		url:          cfg.Socket.URL,
		ackTimeout:   cfg.Socket.AckTimeout,
		reconnectMin: cfg.Socket.ReconnectMin,
		reconnectMax: cfg.Socket.ReconnectMax,
		userID:       userID,
		token:        token,
		handlers:     handlers,
		log:          log,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:        StateIdle,
		pending:      make(map[string]*pendingAck),
	}
}

// State returns the current lifecycle position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RoomID returns the currently joined room, empty when none.
func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateJoined {
		return ""
	}
	return m.roomID
}

// Generation returns the current connection generation, for tests.
func (m *Manager) Generation() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Connect dials the realtime channel and joins the user's personal channel
// exactly once per session; reconnects do not re-send a join that already
// landed, which would duplicate server-side membership.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apperr.ConnectionUnavailable("connection is closed")
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	ws, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		return apperr.Wrap(apperr.CodeConnectionUnavailable, "dial failed", err)
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.ws = ws
	m.state = StateConnected
	needJoin := !m.joinedUserRoom
	m.mu.Unlock()

	go m.readLoop(gen, ws)

	if needJoin {
		m.joinUserRoom()
	}
	if m.handlers.OnConnected != nil {
		m.handlers.OnConnected()
	}
	return nil
}

// joinUserRoom emits the personal-channel join and records success. The
// guard flips only after the write lands, so a failed emit leaves the join
// owed and the next reconnect retries it.
func (m *Manager) joinUserRoom() {
	if err := m.Emit(EventJoinUserRoom, map[string]string{"userId": m.userID}); err != nil {
		m.log.Warn("join_user_room emit failed", "err", err)
		return
	}
	m.mu.Lock()
	m.joinedUserRoom = true
	m.mu.Unlock()
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if t := m.token(); t != "" {
		header.Set("Authorization", "Bearer "+t)
	}
	ws, _, err := m.dialer.DialContext(ctx, m.url, header)
	return ws, err
}

// Close tears the connection down for good (explicit logout). Pending acks
// fail, join state resets, and no reconnect is attempted.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.state = StateIdle
	m.joinedUserRoom = false
	m.roomID = ""
	m.rejoin = nil
	ws := m.ws
	m.ws = nil
	m.failPendingLocked(apperr.ConnectionUnavailable("connection closed"))
	m.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
}

// JoinRoom issues the join-room handshake carrying both participant ids and
// a client timestamp, and waits for the server's joined_chat (or error)
// response. The server is the arbiter of room identity: the same unordered
// participant pair resolves to the same room.
func (m *Manager) JoinRoom(ctx context.Context, roomID, participant1, participant2 string) (string, error) {
	m.mu.Lock()
	if m.state != StateConnected && m.state != StateJoined {
		m.mu.Unlock()
		return "", apperr.ConnectionUnavailable("no live connection")
	}
	if m.joinCh != nil {
		m.mu.Unlock()
		return "", apperr.InvalidArg("a room join is already in flight")
	}
	ch := make(chan joinResult, 1)
	m.joinCh = ch
	m.rejoin = &joinRequest{roomID: roomID, p1: participant1, p2: participant2}
	m.mu.Unlock()

	payload := map[string]string{
		"room_id":       roomID,
		"participant_1": participant1,
		"participant_2": participant2,
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := m.Emit(EventJoinChat, payload); err != nil {
		m.clearJoin()
		return "", err
	}

	timer := time.NewTimer(m.ackTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.roomID, res.err
	case <-ctx.Done():
		m.clearJoin()
		return "", apperr.MapTransport(ctx.Err())
	case <-timer.C:
		m.clearJoin()
		return "", apperr.Wrap(apperr.CodeAckTimeout, "join room timed out", context.DeadlineExceeded)
	}
}

// clearJoin abandons a failed join attempt. The saved rejoin goes with it:
// a reconnect must not re-enter a room the caller was told it never joined.
func (m *Manager) clearJoin() {
	m.mu.Lock()
	m.joinCh = nil
	m.rejoin = nil
	m.mu.Unlock()
}

// Emit writes a fire-and-forget event frame.
func (m *Manager) Emit(event string, payload any) error {
	return m.writeFrame(Frame{Event: event}, payload)
}

// SendWithAck writes an event frame correlated by ackID and waits for the
// matching acknowledgment. For send_message the ackID is the message
// tempId, so the ack path and the broadcast path share a dedup key.
func (m *Manager) SendWithAck(ctx context.Context, event string, payload any, ackID string) (Ack, error) {
	m.mu.Lock()
	if m.ws == nil {
		m.mu.Unlock()
		return Ack{}, apperr.ConnectionUnavailable("no live connection")
	}
	p := &pendingAck{gen: m.gen, ch: make(chan ackOutcome, 1)}
	m.pending[ackID] = p
	m.mu.Unlock()

	if err := m.writeFrame(Frame{Event: event, AckID: ackID}, payload); err != nil {
		m.dropPending(ackID)
		return Ack{}, err
	}

	timer := time.NewTimer(m.ackTimeout)
	defer timer.Stop()

	select {
	case out := <-p.ch:
		return out.ack, out.err
	case <-ctx.Done():
		m.dropPending(ackID)
		return Ack{}, apperr.MapTransport(ctx.Err())
	case <-timer.C:
		m.dropPending(ackID)
		return Ack{}, apperr.Wrap(apperr.CodeAckTimeout, "no acknowledgment received", context.DeadlineExceeded)
	}
}

func (m *Manager) dropPending(ackID string) {
	m.mu.Lock()
	delete(m.pending, ackID)
	m.mu.Unlock()
}

func (m *Manager) failPendingLocked(err error) {
	for id, p := range m.pending {
		p.ch <- ackOutcome{err: err}
		delete(m.pending, id)
	}
	if m.joinCh != nil {
		m.joinCh <- joinResult{err: err}
		m.joinCh = nil
		m.rejoin = nil
	}
}

func (m *Manager) writeFrame(f Frame, payload any) error {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return apperr.ConnectionUnavailable("no live connection")
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return apperr.Wrap(apperr.CodeInternal, "encode event payload", err)
		}
		f.Data = raw
	}

	// gorilla/websocket allows one concurrent writer.
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := ws.WriteJSON(f); err != nil {
		return apperr.Wrap(apperr.CodeConnectionUnavailable, "write failed", err)
	}
	return nil
}

func (m *Manager) readLoop(gen int, ws *websocket.Conn) {
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			m.handleDrop(gen, err)
			return
		}
		m.dispatch(gen, f)
	}
}

func (m *Manager) dispatch(gen int, f Frame) {
	switch f.Event {
	case EventAck:
		m.resolveAck(gen, f)

	case EventJoinedChat:
		var data struct {
			Room string `json:"room"`
		}
		_ = json.Unmarshal(f.Data, &data)

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.state = StateJoined
		m.roomID = data.Room
		ch := m.joinCh
		m.joinCh = nil
		m.mu.Unlock()

		if ch != nil {
			ch <- joinResult{roomID: data.Room}
		}
		if m.handlers.OnRoomJoined != nil {
			m.handlers.OnRoomJoined(data.Room)
		}

	case EventError:
		var data struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(f.Data, &data)

		// A server error during a pending join is terminal for that join:
		// the session never enters joined.
		m.mu.Lock()
		ch := m.joinCh
		m.joinCh = nil
		if ch != nil {
			m.rejoin = nil
		}
		m.mu.Unlock()

		if ch != nil {
			ch <- joinResult{err: apperr.New(apperr.CodeSendFailed, data.Message)}
		}
		if m.handlers.OnError != nil {
			m.handlers.OnError(data.Message)
		}

	default:
		if m.handlers.OnEvent != nil {
			m.handlers.OnEvent(f.Event, f.Data)
		}
	}
}

func (m *Manager) resolveAck(gen int, f Frame) {
	m.mu.Lock()
	if gen != m.gen {
		// Stale ack from a previous connection generation.
		m.mu.Unlock()
		return
	}
	p, ok := m.pending[f.AckID]
	if ok {
		delete(m.pending, f.AckID)
	}
	m.mu.Unlock()

	if !ok || p.gen != gen {
		return
	}

	var ack Ack
	if err := json.Unmarshal(f.Data, &ack); err != nil {
		p.ch <- ackOutcome{err: apperr.Wrap(apperr.CodeSendFailed, "malformed acknowledgment", err)}
		return
	}
	p.ch <- ackOutcome{ack: ack}
}

// handleDrop reacts to a read failure: an explicit Close lands in idle,
// anything else fails the generation's pending acks and starts the
// reconnect loop.
func (m *Manager) handleDrop(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.closed {
		m.state = StateIdle
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.ws = nil
	m.failPendingLocked(apperr.Wrap(apperr.CodeConnectionUnavailable, "connection dropped", err))
	m.mu.Unlock()

	m.log.Warn("connection dropped, reconnecting", "err", err)
	if m.handlers.OnDisconnected != nil {
		m.handlers.OnDisconnected(err)
	}

	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	backoff := m.reconnectMin
	for {
		m.mu.Lock()
		if m.closed {
			m.state = StateIdle
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		ws, err := m.dial(context.Background())
		if err != nil {
			m.log.Debug("reconnect attempt failed", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > m.reconnectMax {
				backoff = m.reconnectMax
			}
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = ws.Close()
			return
		}
		m.gen++
		gen := m.gen
		m.ws = ws
		m.state = StateConnected
		rejoin := m.rejoin
		needJoin := !m.joinedUserRoom
		m.mu.Unlock()

		go m.readLoop(gen, ws)

		m.log.Info("reconnected", "generation", gen)
		// Normally a no-op: the personal channel is joined once per session.
		// Only owed when the original emit never made it onto the wire.
		if needJoin {
			m.joinUserRoom()
		}
		if m.handlers.OnConnected != nil {
			m.handlers.OnConnected()
		}

		// Re-enter the previously joined room; joined_chat will flip the
		// state back to joined when the server confirms.
		if rejoin != nil {
			payload := map[string]string{
				"room_id":       rejoin.roomID,
				"participant_1": rejoin.p1,
				"participant_2": rejoin.p2,
				"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
			}
			if err := m.Emit(EventJoinChat, payload); err != nil {
				m.log.Warn("room rejoin failed", "room", rejoin.roomID, "err", err)
			}
		}
		return
	}
}
