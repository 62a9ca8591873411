package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/flybeeper/track-recorder/internal/config"
	"github.com/flybeeper/track-recorder/internal/models"
	"github.com/flybeeper/track-recorder/internal/repository"
	"github.com/flybeeper/track-recorder/internal/settings"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

type staticConnectivity struct {
	online  bool
	changed time.Time
}

func (c staticConnectivity) Current() bool         { return c.online }
func (c staticConnectivity) LastChange() time.Time { return c.changed }

func newTestServer(t *testing.T, token string) (*Server, *MockSession) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := utils.NewNopLogger()

	cfg := &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Address:   ":0",
			RateLimit: 1000,
			RateBurst: 1000,
		},
		Auth: config.AuthConfig{APIToken: token},
	}

	settingsStore, err := settings.NewStore(settings.Default(), nil, logger)
	require.NoError(t, err)

	sess := &MockSession{}
	srv := NewServer(cfg, Deps{
		Session:      sess,
		Sync:         &MockSync{},
		Store:        repository.NewMemoryStore(),
		Settings:     settingsStore,
		Hub:          NewSessionHub(logger),
		Connectivity: staticConnectivity{online: true, changed: time.Now()},
	}, logger)
	return srv, sess
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["primary_store_reachable"])
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestServer_AuthOnMutatingRoutes(t *testing.T) {
	srv, sess := newTestServer(t, "secret")
	sess.On("Pause", mock.Anything).Return(nil)
	sess.On("Status").Return(models.SessionStatus{State: models.SessionRecording, Paused: true})

	tests := []struct {
		name   string
		method string
		path   string
		header string
		status int
	}{
		{"read without token", http.MethodGet, "/api/v1/session", "", http.StatusOK},
		{"missing token", http.MethodPost, "/api/v1/session/pause", "", http.StatusUnauthorized},
		{"wrong scheme", http.MethodPost, "/api/v1/session/pause", "Basic c2VjcmV0", http.StatusUnauthorized},
		{"wrong token", http.MethodPost, "/api/v1/session/pause", "Bearer nope", http.StatusUnauthorized},
		{"valid token", http.MethodPost, "/api/v1/session/pause", "Bearer secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(0.001, 1))
	router.GET("/limited", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/limited", nil))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/limited", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
