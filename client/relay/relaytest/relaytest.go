// Package relaytest runs an in-process relay for client tests.
package relaytest

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/beacon/backend/auth"
	"github.com/adwski/beacon/backend/model"
	wsserver "github.com/adwski/beacon/backend/server/websocket"
	"github.com/adwski/beacon/backend/service"
	"github.com/adwski/beacon/backend/storage/memory"
	_switch "github.com/adwski/beacon/backend/switch"
	"github.com/rs/zerolog"
)

const testSecret = "relaytest-secret"

type Relay struct {
	URL      string
	Rooms    *memory.MemStore
	Shares   *memory.ShareStore
	verifier *auth.Verifier
}

// Start launches a relay backed by fresh registries. It is torn down with t.
func Start(t testing.TB) *Relay {
	t.Helper()
	logger := zerolog.Nop()
	verifier := auth.NewVerifier(testSecret)
	rooms := memory.NewMemStore()
	shares := memory.NewShareStore(memory.DefaultShareTTL)

	svc := service.NewService(service.Config{
		RoomStore:     rooms,
		ShareStore:    shares,
		Switch:        _switch.NewSwitch(&logger),
		Authenticator: verifier,
		Logger:        &logger,
		SweepInterval: time.Minute,
	})
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go svc.Run(ctx, wg, make(chan error, 1))

	srv := wsserver.NewServer(wsserver.Config{Logger: &logger, SignalingService: svc})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		wg.Wait()
	})

	return &Relay{
		URL:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal",
		Rooms:    rooms,
		Shares:   shares,
		verifier: verifier,
	}
}

// Token issues a credential for the given user.
func (r *Relay) Token(t testing.TB, id, username string) string {
	t.Helper()
	token, err := r.verifier.Issue(model.User{ID: id, Username: username}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}
