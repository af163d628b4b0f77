package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/beacon/backend/model"
	"github.com/adwski/beacon/backend/storage/memory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultSweepInterval = time.Minute
)

var (
	ErrConnect     = errors.New("unable to connect")
	ErrDisconnect  = errors.New("unable to disconnect")
	ErrUnknownType = errors.New("unknown announcement type")
	ErrBadPayload  = errors.New("malformed payload")
	ErrNoSession   = errors.New("no such signaling session")
	ErrOffline     = errors.New("recipient is offline")
)

type (
	RoomStore interface {
		CreateOrJoinRoom(roomID string, p model.Participant) (model.Room, error)
		GetRoom(roomID string) (model.Room, error)
		LeaveRoom(roomID, userID string) (memory.LeaveResult, error)
		LeaveEndpoint(endpointID string) []memory.LeaveResult
		SetPlayback(roomID, userID string, cmd model.PlaybackCommand, position float64, ts int64) (model.PlaybackState, error)
		SetVideoURL(roomID, userID, url string) (model.PlaybackState, error)
		SetPendingShare(roomID, userID string, share model.PendingShare) error
		ClearPendingShare(roomID, userID string) error
		Count() int
	}

	ShareStore interface {
		Create(code string, files []model.FileInfo, ownerEndpointID string) (model.ShareEntry, error)
		Resolve(code string) (model.ShareEntry, error)
		Cancel(code, ownerEndpointID string) error
		DropOwner(ownerEndpointID string) int
		Sweep() int
		Count() int
	}

	Switch interface {
		Connect(endpoint string, wire model.Wire)
		Disconnect(endpoint string)
		Online(endpoint string) bool
		Send(ctx context.Context, ann model.Announcement) bool
		Multicast(ctx context.Context, ann model.Announcement, dsts []string, excludeSrc bool) int
		Broadcast(ctx context.Context, ann model.Announcement) int
	}

	Authenticator interface {
		Verify(token string) (model.User, error)
	}

	// Service is the relay: it owns the registries and evaluates commands
	// arriving on every connected endpoint.
	Service struct {
		rooms  RoomStore
		shares ShareStore
		sw     Switch
		auth   Authenticator
		logger zerolog.Logger
		now    func() time.Time

		sweepInterval time.Duration

		mx       *sync.Mutex
		sessions map[string]*session
	}

	Config struct {
		RoomStore     RoomStore
		ShareStore    ShareStore
		Switch        Switch
		Authenticator Authenticator
		Logger        *zerolog.Logger
		SweepInterval time.Duration
	}

	session struct {
		endpoint model.Endpoint
		roomID   string
		done     chan struct{}
	}
)

func NewService(cfg Config) *Service {
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	return &Service{
		rooms:         cfg.RoomStore,
		shares:        cfg.ShareStore,
		sw:            cfg.Switch,
		auth:          cfg.Authenticator,
		logger:        cfg.Logger.With().Str("component", "relay").Logger(),
		now:           time.Now,
		sweepInterval: sweep,
		mx:            &sync.Mutex{},
		sessions:      make(map[string]*session),
	}
}

// Authenticate validates connect credentials.
func (svc *Service) Authenticate(token string) (model.User, error) {
	return svc.auth.Verify(token)
}

// ServerTime answers clock probes. It does nothing else.
func (svc *Service) ServerTime() model.ServerTime {
	return model.ServerTime{ServerTimeMs: svc.now().UnixMilli()}
}

// CreateSignalingSession registers a new endpoint for an authenticated user
// and starts its dispatch loop. ctx lives as long as the connection.
func (svc *Service) CreateSignalingSession(ctx context.Context, user model.User, wire model.Wire) (model.Endpoint, error) {
	if user.ID == "" {
		return model.Endpoint{}, errors.Join(ErrConnect, errors.New("empty user"))
	}
	ep := model.Endpoint{
		ID:   uuid.NewString(),
		User: user,
	}
	sess := &session{
		endpoint: ep,
		done:     make(chan struct{}),
	}

	// the greeting goes out before the endpoint is reachable by others
	greeting, err := model.NewAnnouncement(model.TypeConnected, model.Connected{EndpointID: ep.ID, User: user})
	if err != nil {
		return model.Endpoint{}, errors.Join(ErrConnect, err)
	}
	greeting.DST = ep.ID
	select {
	case wire.TX <- greeting:
	case <-wire.Done:
		return model.Endpoint{}, errors.Join(ErrConnect, errors.New("endpoint is gone"))
	case <-ctx.Done():
		return model.Endpoint{}, errors.Join(ErrConnect, ctx.Err())
	}

	svc.mx.Lock()
	svc.sessions[ep.ID] = sess
	svc.mx.Unlock()

	svc.sw.Connect(ep.ID, wire)
	go svc.dispatch(ctx, sess, wire.RX)

	svc.broadcast(ctx, ep.ID, model.TypeUserOnline, user)

	svc.logger.Debug().
		Str("endpointID", ep.ID).
		Str("userID", user.ID).
		Msg("signaling session connected")
	return ep, nil
}

// DeleteSignalingSession tears down an endpoint: its shares are dropped and
// it leaves every room, with host reassignment where needed.
func (svc *Service) DeleteSignalingSession(ctx context.Context, endpointID string) error {
	svc.mx.Lock()
	sess, ok := svc.sessions[endpointID]
	svc.mx.Unlock()
	if !ok {
		return errors.Join(ErrDisconnect, ErrNoSession)
	}

	select {
	case <-sess.done:
	case <-ctx.Done():
		return errors.Join(ErrDisconnect, ctx.Err())
	}

	svc.sw.Disconnect(endpointID)
	dropped := svc.shares.DropOwner(endpointID)
	for _, res := range svc.rooms.LeaveEndpoint(endpointID) {
		svc.announceLeave(ctx, endpointID, res)
	}

	svc.mx.Lock()
	delete(svc.sessions, endpointID)
	stillOnline := false
	for _, other := range svc.sessions {
		if other.endpoint.User.ID == sess.endpoint.User.ID {
			stillOnline = true
			break
		}
	}
	svc.mx.Unlock()

	if !stillOnline {
		svc.broadcast(ctx, endpointID, model.TypeUserOffline, model.UserOffline{ID: sess.endpoint.User.ID})
	}
	svc.logger.Debug().
		Str("endpointID", endpointID).
		Str("userID", sess.endpoint.User.ID).
		Int("sharesDropped", dropped).
		Msg("signaling session deleted")
	return nil
}

// Run sweeps expired shares until ctx is done.
func (svc *Service) Run(ctx context.Context, wg *sync.WaitGroup, _ chan<- error) {
	ticker := time.NewTicker(svc.sweepInterval)
	defer func() {
		ticker.Stop()
		svc.logger.Debug().Msg("sweeper stopped")
		wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.shares.Sweep(); n > 0 {
				svc.logger.Debug().Int("count", n).Msg("expired shares removed")
			}
		}
	}
}

// Stats returns the number of live rooms and shares.
func (svc *Service) Stats() (rooms int, shares int) {
	return svc.rooms.Count(), svc.shares.Count()
}

func (svc *Service) dispatch(ctx context.Context, sess *session, rx <-chan model.Announcement) {
	defer close(sess.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ann, ok := <-rx:
			if !ok {
				return
			}
			svc.handle(ctx, sess, ann)
		}
	}
}

// userEndpoints lists the live endpoints of a user.
func (svc *Service) userEndpoints(userID string) []string {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	var ids []string
	for id, sess := range svc.sessions {
		if sess.endpoint.User.ID == userID && svc.sw.Online(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (svc *Service) setSessionRoom(sess *session, roomID string) (prev string) {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	prev = sess.roomID
	sess.roomID = roomID
	return prev
}
