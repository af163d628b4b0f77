package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/beacon/backend/auth"
	"github.com/adwski/beacon/backend/model"
	"github.com/adwski/beacon/backend/service"
	"github.com/adwski/beacon/backend/storage/memory"
	_switch "github.com/adwski/beacon/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *auth.Verifier) {
	t.Helper()
	logger := zerolog.Nop()
	verifier := auth.NewVerifier("test-secret")
	svc := service.NewService(service.Config{
		RoomStore:     memory.NewMemStore(),
		ShareStore:    memory.NewShareStore(0),
		Switch:        _switch.NewSwitch(&logger),
		Authenticator: verifier,
		Logger:        &logger,
	})
	srv := NewServer(Config{Logger: &logger, SignalingService: svc})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, verifier
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

func readAnnouncement(t *testing.T, conn *websocket.Conn) model.Announcement {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ann model.Announcement
	require.NoError(t, conn.ReadJSON(&ann))
	return ann
}

func TestServer_RejectsMissingCredentials(t *testing.T) {
	ts, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts)+"?token=bogus", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_ConnectAndProbeClock(t *testing.T) {
	ts, verifier := newTestServer(t)
	token, err := verifier.Issue(model.User{ID: "u1", Username: "alice"}, time.Hour)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	defer conn.Close()

	ann := readAnnouncement(t, conn)
	require.Equal(t, model.TypeConnected, ann.Type)
	var greeting model.Connected
	require.NoError(t, ann.Decode(&greeting))
	assert.Equal(t, "alice", greeting.User.Username)
	assert.NotEmpty(t, greeting.EndpointID)

	before := time.Now().UnixMilli()
	require.NoError(t, conn.WriteJSON(model.Announcement{Type: model.TypeGetServerTime, Ack: 3}))
	ann = readAnnouncement(t, conn)
	require.Equal(t, model.TypeGetServerTime, ann.Type)
	assert.Equal(t, uint64(3), ann.Ack)

	var st model.ServerTime
	require.NoError(t, ann.Decode(&st))
	assert.GreaterOrEqual(t, st.ServerTimeMs, before)
}
