package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCounter int

func (c staticCounter) Count() int { return int(c) }

func newTestServer(peers int) *Server {
	logger := zerolog.New(io.Discard)
	return NewServer(Config{
		Logger:      &logger,
		PeerCounter: staticCounter(peers),
		ListenAddr:  ":0",
	})
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(3)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "online", resp.Status)
	assert.Equal(t, "Yumee Signaling Server", resp.Service)
	assert.Equal(t, 3, resp.ConnectedUsers)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(7)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 7, resp.UsersOnline)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(0)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
