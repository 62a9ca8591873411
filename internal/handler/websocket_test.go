package handler

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

func newHubServer(t *testing.T, hub *SessionHub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/v1/session", hub.HandleWebSocket)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestSessionHub_WelcomeThenStatus(t *testing.T) {
	hub := NewSessionHub(utils.NewNopLogger())
	hub.SetStatusSource(func() models.SessionStatus {
		return models.SessionStatus{State: models.SessionRecording, TrackID: "track-1", AcceptedPoints: 3}
	})
	srv := newHubServer(t, hub)
	conn := dialHub(t, srv)

	welcome := readEnvelope(t, conn)
	assert.Equal(t, MessageWelcome, welcome.Type)
	assert.Equal(t, "track-1", welcome.Status.TrackID)
	assert.Equal(t, 3, welcome.Status.AcceptedPoints)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), models.SessionStatus{
		State:          models.SessionFinalizing,
		TrackID:        "track-1",
		AcceptedPoints: 4,
	}))

	update := readEnvelope(t, conn)
	assert.Equal(t, MessageStatus, update.Type)
	assert.Equal(t, models.SessionFinalizing, update.Status.State)
	assert.Greater(t, update.Sequence, welcome.Sequence)
}

func TestSessionHub_WelcomeWithoutStatusSource(t *testing.T) {
	hub := NewSessionHub(utils.NewNopLogger())
	srv := newHubServer(t, hub)
	conn := dialHub(t, srv)

	welcome := readEnvelope(t, conn)
	assert.Equal(t, MessageWelcome, welcome.Type)
	assert.Empty(t, welcome.Status.TrackID)
}

func TestSessionHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewSessionHub(utils.NewNopLogger())
	srv := newHubServer(t, hub)
	conn := dialHub(t, srv)

	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Повторное закрытие и рассылка после отключения безопасны
	hub.Close()
	assert.NoError(t, hub.Notify(context.Background(), models.SessionStatus{State: models.SessionIdle}))
}

func TestClient_EnqueueFullQueue(t *testing.T) {
	hub := NewSessionHub(utils.NewNopLogger())
	client := &Client{send: make(chan []byte, 1), hub: hub}

	assert.True(t, client.enqueue([]byte("a")))
	assert.False(t, client.enqueue([]byte("b")))

	hub.clients[client] = struct{}{}
	hub.unregister(client)
	assert.True(t, client.enqueue([]byte("c")), "closed client reports no backpressure")
	assert.Equal(t, 0, hub.ClientCount())
}
