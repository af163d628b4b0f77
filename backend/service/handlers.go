package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/adwski/beacon/backend/model"
	"github.com/adwski/beacon/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const (
	msgShareInvalid = "Invalid or expired share code"
	msgShareExpired = "Share code has expired"
)

func (svc *Service) handle(ctx context.Context, sess *session, ann model.Announcement) {
	ep := sess.endpoint
	logger := svc.logger.With().
		Str("endpointID", ep.ID).
		Str("userID", ep.User.ID).
		Str("type", ann.Type).
		Logger()
	logger.Trace().RawJSON("payload", rawOrNull(ann.Payload)).Msg("announcement received")

	var err error
	switch ann.Type {
	case model.TypeGetServerTime:
		svc.sendTo(ctx, ep.ID, "", model.TypeGetServerTime, ann.Ack, svc.ServerTime())
	case model.TypeJoinRoom:
		err = svc.joinRoom(ctx, sess, ann, &logger)
	case model.TypeLeaveRoom:
		err = svc.leaveRoom(ctx, sess, ann)
	case model.TypeVideoPlay, model.TypeVideoPause, model.TypeVideoSeek:
		err = svc.setPlayback(ctx, ep, ann, &logger)
	case model.TypeVideoURLSet:
		err = svc.setVideoURL(ctx, ep, ann, &logger)
	case model.TypeChatMessage:
		err = svc.chat(ctx, ep, ann)
	case model.TypePrivateMessage:
		err = svc.privateMessage(ctx, ep, ann)
	case model.TypeFileShareCreate:
		svc.createShare(ctx, ep, ann)
	case model.TypeFileShareJoin:
		svc.resolveShare(ctx, ep, ann)
	case model.TypeFileShareCancel:
		svc.cancelShare(ctx, ep, ann)
	case model.TypeFileShareRequest, model.TypeFileShareReady, model.TypeFileShareSignal,
		model.TypeVideoFileRequest, model.TypeVideoFileReady, model.TypeVideoFileSignal:
		err = svc.relaySignal(ctx, ep, ann)
	case model.TypeVideoFileShare:
		err = svc.announceVideoFile(ctx, ep, ann, &logger)
	case model.TypeVideoFileCancel:
		err = svc.cancelVideoFile(ctx, ep, ann, &logger)
	default:
		err = ErrUnknownType
	}

	if err != nil {
		logger.Warn().Err(err).Msg("announcement rejected")
		svc.sendTo(ctx, ep.ID, "", model.TypeError, ann.Ack, model.ErrorMessage{Message: err.Error()})
	}
}

func (svc *Service) joinRoom(ctx context.Context, sess *session, ann model.Announcement, logger *zerolog.Logger) error {
	var req model.JoinRoom
	if err := ann.Decode(&req); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	ep := sess.endpoint

	if prev := svc.setSessionRoom(sess, req.RoomID); prev != "" && prev != req.RoomID {
		svc.leave(ctx, ep, prev)
	}

	room, err := svc.rooms.CreateOrJoinRoom(req.RoomID, model.Participant{
		ID:         ep.User.ID,
		Username:   ep.User.Username,
		EndpointID: ep.ID,
	})
	if err != nil {
		svc.setSessionRoom(sess, "")
		return err
	}
	if logger.GetLevel() <= zerolog.TraceLevel {
		logger.Trace().Str("room", spew.Sdump(room)).Msg("room state after join")
	}

	svc.sendTo(ctx, ep.ID, "", model.TypeRoomJoined, ann.Ack, model.RoomJoined{
		RoomID:              room.ID,
		Participants:        room.Participants,
		Host:                room.Host,
		IsHost:              room.Host == ep.User.ID,
		PlaybackState:       room.Playback,
		PendingInboundShare: room.PendingShare,
	})
	svc.roomcast(ctx, room, ep.ID, model.TypeParticipantJoined, model.ParticipantEvent{
		Participants: room.Participants,
		User:         ep.User,
	})
	logger.Debug().Str("roomID", room.ID).Msg("user joined room")
	return nil
}

func (svc *Service) leaveRoom(ctx context.Context, sess *session, ann model.Announcement) error {
	var req model.LeaveRoom
	if err := ann.Decode(&req); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	if req.UserID != "" && req.UserID != sess.endpoint.User.ID {
		return memory.ErrNotAMember
	}
	svc.mx.Lock()
	if sess.roomID == req.RoomID {
		sess.roomID = ""
	}
	svc.mx.Unlock()

	svc.leave(ctx, sess.endpoint, req.RoomID)
	return nil
}

func (svc *Service) leave(ctx context.Context, ep model.Endpoint, roomID string) {
	res, err := svc.rooms.LeaveRoom(roomID, ep.User.ID)
	if err != nil {
		svc.logger.Debug().Err(err).
			Str("roomID", roomID).
			Str("userID", ep.User.ID).
			Msg("leave ignored")
		return
	}
	svc.announceLeave(ctx, ep.ID, res)
}

func (svc *Service) announceLeave(ctx context.Context, src string, res memory.LeaveResult) {
	if res.Deleted {
		svc.logger.Debug().Str("roomID", res.Room.ID).Msg("room deleted")
		return
	}
	if res.HostChanged {
		svc.roomcast(ctx, res.Room, src, model.TypeHostChanged, model.HostChanged{NewHost: res.Room.Host})
		svc.logger.Debug().
			Str("roomID", res.Room.ID).
			Str("newHost", res.Room.Host).
			Msg("host reassigned")
	}
	if res.ShareCleared {
		svc.roomcast(ctx, res.Room, src, model.TypeVideoFileCancel, model.RoomRef{RoomID: res.Room.ID})
	}
	svc.roomcast(ctx, res.Room, src, model.TypeParticipantLeft, model.ParticipantEvent{
		Participants: res.Room.Participants,
		User:         model.User{ID: res.Left.ID, Username: res.Left.Username},
	})
}

func (svc *Service) setPlayback(ctx context.Context, ep model.Endpoint, ann model.Announcement, logger *zerolog.Logger) error {
	var req model.VideoControl
	if err := ann.Decode(&req); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	state, err := svc.rooms.SetPlayback(req.RoomID, ep.User.ID, model.PlaybackCommand(ann.Type), req.CurrentTime, req.Timestamp)
	if errors.Is(err, memory.ErrNotHost) {
		logger.Debug().Str("roomID", req.RoomID).Msg("playback command from non-host dropped")
		return nil
	}
	if err != nil {
		return err
	}
	room, err := svc.rooms.GetRoom(req.RoomID)
	if err != nil {
		return err
	}
	svc.roomcast(ctx, room, ep.ID, ann.Type, model.VideoControl{
		CurrentTime: state.CurrentTime,
		Timestamp:   state.LastChangeServerTime,
	})
	return nil
}

func (svc *Service) setVideoURL(ctx context.Context, ep model.Endpoint, ann model.Announcement, logger *zerolog.Logger) error {
	var req model.VideoURL
	if err := ann.Decode(&req); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	state, err := svc.rooms.SetVideoURL(req.RoomID, ep.User.ID, req.URL)
	if errors.Is(err, memory.ErrNotHost) {
		logger.Debug().Str("roomID", req.RoomID).Msg("video url from non-host dropped")
		return nil
	}
	if err != nil {
		return err
	}
	room, err := svc.rooms.GetRoom(req.RoomID)
	if err != nil {
		return err
	}
	svc.roomcast(ctx, room, ep.ID, model.TypeVideoURLSet, model.VideoURL{URL: state.URL})
	return nil
}

func (svc *Service) chat(ctx context.Context, ep model.Endpoint, ann model.Announcement) error {
	var msg model.ChatMessage
	if err := ann.Decode(&msg); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	room, err := svc.rooms.GetRoom(msg.RoomID)
	if err != nil {
		return err
	}
	if _, ok := room.Member(ep.User.ID); !ok {
		return memory.ErrNotAMember
	}
	out := model.Announcement{SRC: ep.ID, Type: model.TypeChatMessage, Payload: ann.Payload}
	svc.sw.Multicast(ctx, out, endpoints(room), true)
	return nil
}

// privateMessage delivers to every endpoint of the recipient. Nothing is
// stored for offline users.
func (svc *Service) privateMessage(ctx context.Context, ep model.Endpoint, ann model.Announcement) error {
	var msg model.PrivateMessage
	if err := ann.Decode(&msg); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	if msg.To == "" || msg.Message == "" {
		return errors.Join(ErrBadPayload, errors.New("missing recipient or message"))
	}
	from := ep.User
	out := model.PrivateMessage{From: &from, Message: msg.Message, Timestamp: msg.Timestamp}

	var delivered int
	for _, dst := range svc.userEndpoints(msg.To) {
		if svc.sendTo(ctx, dst, ep.ID, model.TypePrivateMessage, 0, out) {
			delivered++
		}
	}
	if delivered == 0 {
		return ErrOffline
	}
	return nil
}

func (svc *Service) createShare(ctx context.Context, ep model.Endpoint, ann model.Announcement) {
	var req model.ShareCreate
	if err := ann.Decode(&req); err != nil {
		svc.shareError(ctx, ep.ID, ann.Ack, ErrBadPayload.Error())
		return
	}
	entry, err := svc.shares.Create(req.Code, req.Files, ep.ID)
	if err != nil {
		svc.shareError(ctx, ep.ID, ann.Ack, err.Error())
		return
	}
	svc.logger.Debug().
		Str("endpointID", ep.ID).
		Str("code", entry.Code).
		Int("files", len(entry.Files)).
		Time("expiresAt", entry.ExpiresAt).
		Msg("share created")
}

func (svc *Service) resolveShare(ctx context.Context, ep model.Endpoint, ann model.Announcement) {
	var req model.ShareCode
	if err := ann.Decode(&req); err != nil {
		svc.shareError(ctx, ep.ID, ann.Ack, msgShareInvalid)
		return
	}
	entry, err := svc.shares.Resolve(req.Code)
	switch {
	case errors.Is(err, memory.ErrShareExpired):
		svc.shareError(ctx, ep.ID, ann.Ack, msgShareExpired)
	case err != nil:
		svc.shareError(ctx, ep.ID, ann.Ack, msgShareInvalid)
	default:
		svc.sendTo(ctx, ep.ID, "", model.TypeFileShareInfo, ann.Ack, model.ShareInfo{
			Files:          entry.Files,
			HostEndpointID: entry.OwnerEndpointID,
			Code:           entry.Code,
		})
	}
}

func (svc *Service) cancelShare(ctx context.Context, ep model.Endpoint, ann model.Announcement) {
	var req model.ShareCode
	if err := ann.Decode(&req); err != nil {
		svc.shareError(ctx, ep.ID, ann.Ack, ErrBadPayload.Error())
		return
	}
	if err := svc.shares.Cancel(req.Code, ep.ID); err != nil {
		svc.shareError(ctx, ep.ID, ann.Ack, err.Error())
	}
}

// relaySignal is a pure forward: the payload stays opaque except that "to"
// is replaced by "from".
func (svc *Service) relaySignal(ctx context.Context, ep model.Endpoint, ann model.Announcement) error {
	var fields map[string]json.RawMessage
	if err := ann.Decode(&fields); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	var to string
	if err := json.Unmarshal(fields["to"], &to); err != nil || to == "" {
		return errors.Join(ErrBadPayload, errors.New("missing target endpoint"))
	}
	delete(fields, "to")
	from, _ := json.Marshal(ep.ID)
	fields["from"] = from

	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	// offline targets are dropped; callers time out on their own
	svc.sw.Send(ctx, model.Announcement{DST: to, SRC: ep.ID, Type: ann.Type, Payload: payload})
	return nil
}

func (svc *Service) announceVideoFile(ctx context.Context, ep model.Endpoint, ann model.Announcement, logger *zerolog.Logger) error {
	var req model.VideoFileShare
	if err := ann.Decode(&req); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	share := model.PendingShare{FileInfo: req.FileInfo, HostEndpointID: ep.ID}
	err := svc.rooms.SetPendingShare(req.RoomID, ep.User.ID, share)
	if errors.Is(err, memory.ErrNotHost) {
		logger.Debug().Str("roomID", req.RoomID).Msg("video file share from non-host dropped")
		return nil
	}
	if err != nil {
		return err
	}
	room, err := svc.rooms.GetRoom(req.RoomID)
	if err != nil {
		return err
	}
	svc.roomcast(ctx, room, ep.ID, model.TypeVideoFileInfo, model.VideoFileInfo{
		FileInfo:       share.FileInfo,
		HostEndpointID: share.HostEndpointID,
	})
	return nil
}

func (svc *Service) cancelVideoFile(ctx context.Context, ep model.Endpoint, ann model.Announcement, logger *zerolog.Logger) error {
	var req model.RoomRef
	if err := ann.Decode(&req); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	err := svc.rooms.ClearPendingShare(req.RoomID, ep.User.ID)
	if errors.Is(err, memory.ErrNotHost) {
		logger.Debug().Str("roomID", req.RoomID).Msg("video file cancel from non-host dropped")
		return nil
	}
	if err != nil {
		return err
	}
	room, err := svc.rooms.GetRoom(req.RoomID)
	if err != nil {
		return err
	}
	svc.roomcast(ctx, room, ep.ID, model.TypeVideoFileCancel, req)
	return nil
}

func (svc *Service) shareError(ctx context.Context, dst string, ack uint64, msg string) {
	svc.sendTo(ctx, dst, "", model.TypeFileShareError, ack, model.ErrorMessage{Message: msg})
}

func (svc *Service) sendTo(ctx context.Context, dst, src, typ string, ack uint64, payload any) bool {
	ann, err := model.NewAnnouncement(typ, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to marshal announcement")
		return false
	}
	ann.DST = dst
	ann.SRC = src
	ann.Ack = ack
	return svc.sw.Send(ctx, ann)
}

// roomcast sends to every member of room except src.
func (svc *Service) roomcast(ctx context.Context, room model.Room, src, typ string, payload any) {
	ann, err := model.NewAnnouncement(typ, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to marshal announcement")
		return
	}
	ann.SRC = src
	svc.sw.Multicast(ctx, ann, endpoints(room), true)
}

func (svc *Service) broadcast(ctx context.Context, src, typ string, payload any) {
	ann, err := model.NewAnnouncement(typ, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to marshal announcement")
		return
	}
	ann.SRC = src
	svc.sw.Broadcast(ctx, ann)
}

func endpoints(room model.Room) []string {
	dsts := make([]string, 0, len(room.Participants))
	for _, p := range room.Participants {
		dsts = append(dsts, p.EndpointID)
	}
	return dsts
}

func rawOrNull(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
