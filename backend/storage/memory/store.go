package memory

import (
	"errors"
	"sync"
	"time"

	"github.com/adwski/beacon/backend/model"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
	ErrEmptyRoomID  = errors.New("room id is empty")
	ErrNotAMember   = errors.New("user is not a member of this room")
	ErrNotHost      = errors.New("user is not the room host")
)

// LeaveResult describes what a removal did to a room.
type LeaveResult struct {
	Room        model.Room
	Left        model.Participant
	HostChanged bool
	// ShareCleared is set when host reassignment dropped a pending share.
	ShareCleared bool
	Deleted      bool
}

// MemStore is the volatile room registry. Every mutation is a short step
// under a single mutex, which serializes joins and leaves per room.
type MemStore struct {
	mx  *sync.Mutex
	db  map[string]*model.Room
	now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:  &sync.Mutex{},
		db:  make(map[string]*model.Room),
		now: time.Now,
	}
}

// CreateOrJoinRoom upserts the participant. A missing room is created with
// the caller as host. Rejoining refreshes the endpoint id only.
func (ms *MemStore) CreateOrJoinRoom(roomID string, p model.Participant) (model.Room, error) {
	if roomID == "" {
		return model.Room{}, ErrEmptyRoomID
	}
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		room = &model.Room{
			ID:   roomID,
			Host: p.ID,
		}
		ms.db[roomID] = room
	}

	for i := range room.Participants {
		if room.Participants[i].ID == p.ID {
			room.Participants[i].EndpointID = p.EndpointID
			room.Participants[i].Username = p.Username
			return room.Clone(), nil
		}
	}
	room.Participants = append(room.Participants, p)
	return room.Clone(), nil
}

func (ms *MemStore) GetRoom(roomID string) (model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return model.Room{}, ErrRoomNotFound
	}
	return room.Clone(), nil
}

// LeaveRoom removes a participant by user id.
func (ms *MemStore) LeaveRoom(roomID, userID string) (LeaveResult, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return LeaveResult{}, ErrRoomNotFound
	}
	idx := -1
	for i, p := range room.Participants {
		if p.ID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return LeaveResult{}, ErrNotAMember
	}
	return ms.remove(room, idx), nil
}

// LeaveEndpoint removes the participants bound to a closing connection from
// every room. Participants that already reconnected on another endpoint stay.
func (ms *MemStore) LeaveEndpoint(endpointID string) []LeaveResult {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	var results []LeaveResult
	for _, room := range ms.db {
		for i, p := range room.Participants {
			if p.EndpointID == endpointID {
				results = append(results, ms.remove(room, i))
				break
			}
		}
	}
	return results
}

// remove must be called with the lock held. The host moves to the earliest
// joined remaining participant, which is always the head of the slice.
func (ms *MemStore) remove(room *model.Room, idx int) LeaveResult {
	res := LeaveResult{Left: room.Participants[idx]}
	room.Participants = append(room.Participants[:idx], room.Participants[idx+1:]...)

	if len(room.Participants) == 0 {
		delete(ms.db, room.ID)
		res.Deleted = true
		room.Host = ""
		res.Room = room.Clone()
		return res
	}
	if room.Host == res.Left.ID {
		room.Host = room.Participants[0].ID
		res.HostChanged = true
		if room.PendingShare != nil {
			room.PendingShare = nil
			res.ShareCleared = true
		}
	}
	res.Room = room.Clone()
	return res
}

// SetPlayback applies a host command and stamps it. A timestamp in the
// future of the server clock (or a missing one) is replaced by server time.
func (ms *MemStore) SetPlayback(
	roomID, userID string,
	cmd model.PlaybackCommand,
	position float64,
	timestamp int64,
) (model.PlaybackState, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, err := ms.hostRoom(roomID, userID)
	if err != nil {
		return model.PlaybackState{}, err
	}
	nowMs := ms.now().UnixMilli()
	if timestamp <= 0 || timestamp > nowMs {
		timestamp = nowMs
	}
	switch cmd {
	case model.CommandPlay:
		room.Playback.IsPlaying = true
	case model.CommandPause:
		room.Playback.IsPlaying = false
	case model.CommandSeek:
	default:
		return room.Playback, errors.New("unknown playback command")
	}
	room.Playback.CurrentTime = position
	room.Playback.LastChangeServerTime = timestamp
	return room.Playback, nil
}

// SetVideoURL switches the room source and rewinds the timeline.
func (ms *MemStore) SetVideoURL(roomID, userID, url string) (model.PlaybackState, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, err := ms.hostRoom(roomID, userID)
	if err != nil {
		return model.PlaybackState{}, err
	}
	room.Playback = model.PlaybackState{
		URL:                  url,
		LastChangeServerTime: ms.now().UnixMilli(),
	}
	return room.Playback, nil
}

func (ms *MemStore) SetPendingShare(roomID, userID string, share model.PendingShare) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, err := ms.hostRoom(roomID, userID)
	if err != nil {
		return err
	}
	room.PendingShare = &share
	return nil
}

func (ms *MemStore) ClearPendingShare(roomID, userID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, err := ms.hostRoom(roomID, userID)
	if err != nil {
		return err
	}
	room.PendingShare = nil
	return nil
}

// Count returns the number of live rooms.
func (ms *MemStore) Count() int {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return len(ms.db)
}

func (ms *MemStore) hostRoom(roomID, userID string) (*model.Room, error) {
	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if room.Host != userID {
		return nil, ErrNotHost
	}
	return room, nil
}
