package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adwski/beacon/backend/auth"
	"github.com/adwski/beacon/backend/model"
	"github.com/adwski/beacon/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct{}

func (fakeStats) Stats() (int, int) { return 2, 5 }

func newTestAPI(t *testing.T) (*Server, *auth.Verifier, *memory.MemStore) {
	t.Helper()
	logger := zerolog.Nop()
	verifier := auth.NewVerifier("test-secret")
	rooms := memory.NewMemStore()
	srv := NewServer(Config{
		Logger:        &logger,
		Authenticator: verifier,
		Rooms:         rooms,
		Stats:         fakeStats{},
		ICEServers:    []ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
	})
	return srv, verifier, rooms
}

func do(t *testing.T, srv *Server, method, path, token string) (*httptest.ResponseRecorder, GenericResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	var resp GenericResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestServer_Health(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	rec, resp := do(t, srv, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", resp.Message)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Preflight(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	rec, _ := do(t, srv, http.MethodOptions, "/api/ice-servers", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_ICEServers(t *testing.T) {
	srv, verifier, _ := newTestAPI(t)

	rec, _ := do(t, srv, http.MethodGet, "/api/ice-servers", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := verifier.Issue(model.User{ID: "u1", Username: "alice"}, time.Hour)
	require.NoError(t, err)
	rec, resp := do(t, srv, http.MethodGet, "/api/ice-servers", token)
	require.Equal(t, http.StatusOK, rec.Code)

	servers, ok := resp.Data.([]any)
	require.True(t, ok)
	assert.Len(t, servers, 1)
}

func TestServer_GetRoom(t *testing.T) {
	srv, verifier, rooms := newTestAPI(t)
	_, err := rooms.CreateOrJoinRoom("ABCD1234", model.Participant{ID: "u1", Username: "alice", EndpointID: "e1"})
	require.NoError(t, err)

	alice, err := verifier.Issue(model.User{ID: "u1", Username: "alice"}, time.Hour)
	require.NoError(t, err)
	mallory, err := verifier.Issue(model.User{ID: "u9", Username: "mallory"}, time.Hour)
	require.NoError(t, err)

	rec, _ := do(t, srv, http.MethodGet, "/api/rooms/ABCD1234", alice)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, srv, http.MethodGet, "/api/rooms/ABCD1234", mallory)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = do(t, srv, http.MethodGet, "/api/rooms/NOPE", alice)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
