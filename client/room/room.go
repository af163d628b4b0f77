// Package room is a participant's view of a relay room.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/beacon/backend/model"
	"github.com/adwski/beacon/client/peer"
	"github.com/adwski/beacon/client/playback"
	"github.com/adwski/beacon/client/relay"
	"github.com/adwski/beacon/client/share"
	"github.com/adwski/beacon/client/transfer"
	"github.com/rs/zerolog"
)

const defaultLeaveTimeout = 2 * time.Second

var (
	ErrNotHost      = errors.New("only the host can do that")
	ErrNoVideoFile  = errors.New("no video file announced")
	ErrFetchAborted = errors.New("video file withdrawn")
	ErrFetchBusy    = errors.New("fetch already in progress")
	ErrLeft         = errors.New("left the room")
)

type Config struct {
	Logger *zerolog.Logger
	Client *relay.Client
	RoomID string
	// Player defaults to a headless VirtualPlayer.
	Player playback.Player
	// Clock defaults to a playback.Clock synced against the relay.
	Clock         playback.SyncedClock
	Tolerance     float64
	NewNegotiator func() (peer.Negotiator, error)

	OnParticipants func([]model.Participant)
	OnHostChanged  func(hostID string, isHost bool)
	OnChat         func(model.ChatMessage)
	OnPrivate      func(model.PrivateMessage)
	OnVideoURL     func(url string)
	OnVideoFile    func(info *model.VideoFileInfo)
}

// Room tracks membership and feeds playback commands to a Coordinator.
type Room struct {
	cfg    Config
	client *relay.Client
	coord  *playback.Coordinator
	logger zerolog.Logger
	self   model.User

	mx           sync.Mutex
	participants []model.Participant
	host         string
	pending      *model.VideoFileInfo
	abortFetch   context.CancelCauseFunc

	// shareSeq identifies the latest ShareVideoFile call; only that one
	// may withdraw the room's announcement.
	shareMx  sync.Mutex
	shareSeq uint64

	sub    *relay.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

var roomEvents = []string{
	model.TypeParticipantJoined,
	model.TypeParticipantLeft,
	model.TypeHostChanged,
	model.TypeChatMessage,
	model.TypePrivateMessage,
	model.TypeVideoURLSet,
	model.TypeVideoPlay,
	model.TypeVideoPause,
	model.TypeVideoSeek,
	model.TypeVideoFileInfo,
	model.TypeVideoFileCancel,
}

// Join enters the room and starts following its events.
func Join(ctx context.Context, cfg Config) (*Room, error) {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.NewNegotiator == nil {
		cfg.NewNegotiator = peer.PionFactory(peer.PionConfig{Logger: cfg.Logger})
	}
	if cfg.Player == nil {
		cfg.Player = playback.NewVirtualPlayer(nil)
	}
	r := &Room{
		cfg:    cfg,
		client: cfg.Client,
		self:   cfg.Client.User(),
		logger: logger.With().
			Str("component", "room").
			Str("roomID", cfg.RoomID).
			Logger(),
		done: make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if cfg.Clock == nil {
		clock := playback.NewClock(playback.ClockConfig{Logger: cfg.Logger, Prober: cfg.Client})
		r.wg.Add(1)
		go clock.Run(runCtx, &r.wg)
		r.cfg.Clock = clock
	}
	r.coord = playback.NewCoordinator(playback.CoordinatorConfig{
		Logger:    cfg.Logger,
		Player:    cfg.Player,
		Clock:     r.cfg.Clock,
		Publisher: r,
		Tolerance: cfg.Tolerance,
	})

	// subscribe first so nothing sent right after the join is missed
	r.sub = cfg.Client.Subscribe(roomEvents...)
	reply, err := cfg.Client.Request(ctx, model.TypeJoinRoom, model.JoinRoom{RoomID: cfg.RoomID, User: r.self})
	if err == nil {
		var joined model.RoomJoined
		if err = reply.Decode(&joined); err == nil {
			r.joined(joined)
		}
	}
	if err != nil {
		r.sub.Close()
		cancel()
		r.wg.Wait()
		return nil, err
	}

	r.wg.Add(1)
	go r.loop(runCtx)
	return r, nil
}

func (r *Room) joined(j model.RoomJoined) {
	r.mx.Lock()
	r.participants = j.Participants
	r.host = j.Host
	if j.PendingInboundShare != nil {
		r.pending = &model.VideoFileInfo{
			FileInfo:       j.PendingInboundShare.FileInfo,
			HostEndpointID: j.PendingInboundShare.HostEndpointID,
		}
	}
	r.mx.Unlock()

	r.coord.SetHost(j.IsHost)
	r.coord.ApplyState(j.PlaybackState)
	r.logger.Debug().
		Bool("isHost", j.IsHost).
		Int("participants", len(j.Participants)).
		Msg("joined room")
}

func (r *Room) loop(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ann, ok := <-r.sub.C:
			if !ok {
				r.abort(ErrLeft)
				return
			}
			if err := r.handle(ann); err != nil {
				r.logger.Warn().Err(err).Str("type", ann.Type).Msg("room event ignored")
			}
		}
	}
}

func (r *Room) handle(ann model.Announcement) error {
	switch ann.Type {
	case model.TypeParticipantJoined, model.TypeParticipantLeft:
		var ev model.ParticipantEvent
		if err := ann.Decode(&ev); err != nil {
			return err
		}
		r.mx.Lock()
		r.participants = ev.Participants
		r.mx.Unlock()
		if r.cfg.OnParticipants != nil {
			r.cfg.OnParticipants(ev.Participants)
		}

	case model.TypeHostChanged:
		var ev model.HostChanged
		if err := ann.Decode(&ev); err != nil {
			return err
		}
		r.mx.Lock()
		r.host = ev.NewHost
		r.mx.Unlock()
		isHost := ev.NewHost == r.self.ID
		r.coord.SetHost(isHost)
		// the new host knows nothing about the old host's transfer
		r.clearVideoFile()
		r.logger.Debug().Str("newHost", ev.NewHost).Bool("isHost", isHost).Msg("host changed")
		if r.cfg.OnHostChanged != nil {
			r.cfg.OnHostChanged(ev.NewHost, isHost)
		}

	case model.TypeChatMessage:
		var msg model.ChatMessage
		if err := ann.Decode(&msg); err != nil {
			return err
		}
		if r.cfg.OnChat != nil {
			r.cfg.OnChat(msg)
		}

	case model.TypePrivateMessage:
		var msg model.PrivateMessage
		if err := ann.Decode(&msg); err != nil {
			return err
		}
		if r.cfg.OnPrivate != nil {
			r.cfg.OnPrivate(msg)
		}

	case model.TypeVideoURLSet:
		var ev model.VideoURL
		if err := ann.Decode(&ev); err != nil {
			return err
		}
		r.coord.ResetTimeline(ev.URL)
		if r.cfg.OnVideoURL != nil {
			r.cfg.OnVideoURL(ev.URL)
		}

	case model.TypeVideoPlay, model.TypeVideoPause, model.TypeVideoSeek:
		var ctl model.VideoControl
		if err := ann.Decode(&ctl); err != nil {
			return err
		}
		r.coord.Apply(model.PlaybackCommand(ann.Type), ctl)

	case model.TypeVideoFileInfo:
		var info model.VideoFileInfo
		if err := ann.Decode(&info); err != nil {
			return err
		}
		r.mx.Lock()
		r.pending = &info
		r.mx.Unlock()
		if r.cfg.OnVideoFile != nil {
			r.cfg.OnVideoFile(&info)
		}

	case model.TypeVideoFileCancel:
		r.clearVideoFile()
	}
	return nil
}

func (r *Room) clearVideoFile() {
	r.mx.Lock()
	had := r.pending != nil
	r.pending = nil
	r.mx.Unlock()
	r.abort(ErrFetchAborted)
	if had && r.cfg.OnVideoFile != nil {
		r.cfg.OnVideoFile(nil)
	}
}

func (r *Room) abort(cause error) {
	r.mx.Lock()
	abort := r.abortFetch
	r.abortFetch = nil
	r.mx.Unlock()
	if abort != nil {
		abort(cause)
	}
}

func (r *Room) ID() string {
	return r.cfg.RoomID
}

func (r *Room) Participants() []model.Participant {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]model.Participant(nil), r.participants...)
}

// Host returns the user id of the current host.
func (r *Room) Host() string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.host
}

func (r *Room) IsHost() bool {
	return r.coord.IsHost()
}

func (r *Room) Coordinator() *playback.Coordinator {
	return r.coord
}

// VideoFile returns the announced video file, if any.
func (r *Room) VideoFile() *model.VideoFileInfo {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.pending == nil {
		return nil
	}
	info := *r.pending
	return &info
}

// Publish sends a host playback command. It makes Room the coordinator's
// Publisher.
func (r *Room) Publish(ctx context.Context, cmd model.PlaybackCommand, position float64, timestamp int64) error {
	return r.client.Send(ctx, string(cmd), model.VideoControl{
		RoomID:      r.cfg.RoomID,
		CurrentTime: position,
		Timestamp:   timestamp,
	})
}

func (r *Room) SetVideoURL(ctx context.Context, url string) error {
	if !r.IsHost() {
		return ErrNotHost
	}
	if err := r.client.Send(ctx, model.TypeVideoURLSet, model.VideoURL{RoomID: r.cfg.RoomID, URL: url}); err != nil {
		return err
	}
	r.coord.ResetTimeline(url)
	return nil
}

func (r *Room) Chat(ctx context.Context, text string) error {
	return r.client.Send(ctx, model.TypeChatMessage, model.ChatMessage{
		RoomID:    r.cfg.RoomID,
		Username:  r.self.Username,
		Message:   text,
		Timestamp: r.cfg.Clock.NowMs(),
	})
}

// SendPrivate messages one user directly. The relay answers with an error
// if the user is not connected.
func (r *Room) SendPrivate(ctx context.Context, userID, text string) error {
	return r.client.Send(ctx, model.TypePrivateMessage, model.PrivateMessage{
		To:        userID,
		Message:   text,
		Timestamp: r.cfg.Clock.NowMs(),
	})
}

// ShareVideoFile announces src to the room and serves it to every
// participant that asks until ctx is done. The announcement is withdrawn
// on return.
func (r *Room) ShareVideoFile(ctx context.Context, src transfer.Source, sender transfer.SenderConfig) error {
	if !r.IsHost() {
		return ErrNotHost
	}
	r.shareMx.Lock()
	r.shareSeq++
	seq := r.shareSeq
	r.shareMx.Unlock()

	seeder, err := share.NewSeeder(share.SeederConfig{
		Logger:        &r.logger,
		Client:        r.client,
		Events:        share.VideoFileEvents,
		Files:         []transfer.Source{src},
		NewNegotiator: r.cfg.NewNegotiator,
		Sender:        sender,
	})
	if err != nil {
		return err
	}
	info := share.Manifest([]transfer.Source{src})[0]

	runErr := make(chan error, 1)
	seedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { runErr <- seeder.Run(seedCtx) }()
	select {
	case <-seeder.Ready():
	case err = <-runErr:
		return err
	}

	if err = r.client.Send(ctx, model.TypeVideoFileShare, model.VideoFileShare{RoomID: r.cfg.RoomID, FileInfo: info}); err != nil {
		cancel()
		<-runErr
		return err
	}
	r.logger.Debug().Str("file", info.Name).Int64("size", info.Size).Msg("video file announced")

	err = <-runErr
	r.withdraw(seq)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// withdraw cancels the announcement unless a newer share replaced it.
func (r *Room) withdraw(seq uint64) {
	r.shareMx.Lock()
	defer r.shareMx.Unlock()
	if r.shareSeq != seq {
		r.logger.Debug().Msg("video file share replaced, announcement kept")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultLeaveTimeout)
	defer cancel()
	_ = r.client.Send(ctx, model.TypeVideoFileCancel, model.RoomRef{RoomID: r.cfg.RoomID})
}

// FetchVideoFile downloads the announced video file from the host. It is
// aborted with ErrFetchAborted if the host withdraws the file or loses host
// status before the transfer finishes.
func (r *Room) FetchVideoFile(ctx context.Context, rcfg transfer.ReceiverConfig) (*transfer.Delivery, error) {
	fetchCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	r.mx.Lock()
	info := r.pending
	if info == nil {
		r.mx.Unlock()
		return nil, ErrNoVideoFile
	}
	if r.abortFetch != nil {
		r.mx.Unlock()
		return nil, ErrFetchBusy
	}
	r.abortFetch = abort
	r.mx.Unlock()
	defer func() {
		r.mx.Lock()
		r.abortFetch = nil
		r.mx.Unlock()
	}()

	fileInfo, err := json.Marshal(info.FileInfo)
	if err != nil {
		return nil, err
	}
	rcfg.Expected = 1
	delivery, err := share.Fetch(fetchCtx, share.FetchConfig{
		Logger:        &r.logger,
		Client:        r.client,
		Events:        share.VideoFileEvents,
		HostID:        info.HostEndpointID,
		NewNegotiator: r.cfg.NewNegotiator,
		Receiver:      rcfg,
		FileInfo:      fileInfo,
	})
	if err != nil {
		if cause := context.Cause(fetchCtx); ctx.Err() == nil && cause != nil {
			err = errors.Join(cause, err)
		}
	}
	return delivery, err
}

// Leave exits the room and stops following it.
func (r *Room) Leave(ctx context.Context) error {
	err := r.client.Send(ctx, model.TypeLeaveRoom, model.LeaveRoom{RoomID: r.cfg.RoomID, UserID: r.self.ID})
	r.stop()
	return err
}

// Done is closed when the room stops following events.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

func (r *Room) stop() {
	r.abort(ErrLeft)
	r.cancel()
	r.sub.Close()
	r.wg.Wait()
}
