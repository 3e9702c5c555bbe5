package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FinAgent/pkg/logger"
)

func TestStreamReadsQuotes(t *testing.T) {
	var upgrader websocket.Upgrader
	subscribed := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var sub struct {
			Type    string   `json:"type"`
			Symbols []string `json:"symbols"`
		}
		require.NoError(t, conn.ReadJSON(&sub))
		subscribed <- sub.Symbols

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"quote","data":[{"s":"EURUSD","b":1.1,"a":1.1002,"t":1704189600000}]}`))
		// keep the connection open until the client leaves
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := New("ws"+strings.TrimPrefix(srv.URL, "http"), "secret", []string{"EURUSD"}, 10*time.Millisecond, time.Second, logger.NewNop())
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Subscribe(ctx))
	assert.Equal(t, []string{"EURUSD"}, <-subscribed)
	assert.True(t, s.IsConnected())

	quotes, _ := s.Read(ctx)
	select {
	case q := <-quotes:
		require.NotNil(t, q)
		assert.Equal(t, "EURUSD", q.Symbol)
		assert.InDelta(t, 1.1001, q.Mid(), 1e-9)
		assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), q.Timestamp)
	case <-ctx.Done():
		t.Fatal("no quote received")
	}
	require.NoError(t, s.Close())
	assert.False(t, s.IsConnected())
}

func TestReadWithoutConnectionFails(t *testing.T) {
	s := New("ws://127.0.0.1:1", "", nil, 0, 0, logger.NewNop())
	quotes, errs := s.Read(context.Background())
	assert.ErrorIs(t, <-errs, errNotConnected)
	_, ok := <-quotes
	assert.False(t, ok)
}
