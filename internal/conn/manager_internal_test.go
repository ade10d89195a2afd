package conn

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonia-app/chatcore/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// The personal-channel guard flips only after the emit lands; a failed
// write leaves the join owed.
func TestJoinUserRoomGuardStaysUnsetOnEmitFailure(t *testing.T) {
	cfg := &config.Config{}
	m := NewManager(cfg, "me", func() string { return "" }, Handlers{}, discardLogger())

	// No live socket, so the emit fails.
	m.joinUserRoom()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.False(t, m.joinedUserRoom)
}

// An owed personal-channel join is re-sent on the next reconnect.
func TestReconnectRetriesOwedUserRoomJoin(t *testing.T) {
	var (
		mu    sync.Mutex
		joins int
		conns []*websocket.Conn
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		mu.Lock()
		conns = append(conns, ws)
		mu.Unlock()
		for {
			var f Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			if f.Event == EventJoinUserRoom {
				mu.Lock()
				joins++
				mu.Unlock()
			}
		}
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Socket.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.Socket.AckTimeout = 500 * time.Millisecond
	cfg.Socket.ReconnectMin = 10 * time.Millisecond
	cfg.Socket.ReconnectMax = 50 * time.Millisecond

	m := NewManager(cfg, "me", func() string { return "" }, Handlers{}, discardLogger())
	t.Cleanup(m.Close)
	require.NoError(t, m.Connect(context.Background()))

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return joins == 1
	})

	// Pretend the first join never made it onto the wire.
	m.mu.Lock()
	m.joinedUserRoom = false
	m.mu.Unlock()

	mu.Lock()
	first := conns[0]
	mu.Unlock()
	_ = first.Close()

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return joins == 2
	})
	m.mu.Lock()
	rejoined := m.joinedUserRoom
	m.mu.Unlock()
	assert.True(t, rejoined)
}
