package model

import (
	"encoding/json"
	"time"
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Endpoint is a single authenticated relay connection.
type Endpoint struct {
	ID   string `json:"endpointId"`
	User User   `json:"user"`
}

type Participant struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	EndpointID string `json:"endpointId"`
}

// PlaybackState is the room's shared timeline. CurrentTime is only meaningful
// relative to LastChangeServerTime: while playing, consumers extrapolate.
type PlaybackState struct {
	URL                  string  `json:"url,omitempty"`
	IsPlaying            bool    `json:"isPlaying"`
	CurrentTime          float64 `json:"currentTime"`
	LastChangeServerTime int64   `json:"lastChangeServerTime"`
}

// PositionAt returns the extrapolated position at server time nowMs.
func (ps PlaybackState) PositionAt(nowMs int64) float64 {
	if !ps.IsPlaying || nowMs <= ps.LastChangeServerTime {
		return ps.CurrentTime
	}
	return ps.CurrentTime + float64(nowMs-ps.LastChangeServerTime)/1000
}

type FileInfo struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// PendingShare is the host's announced inbound file, kept for late joiners.
type PendingShare struct {
	FileInfo       FileInfo `json:"fileInfo"`
	HostEndpointID string   `json:"hostEndpointId"`
}

type Room struct {
	ID           string        `json:"roomId"`
	Participants []Participant `json:"participants"`
	Host         string        `json:"host"`
	Playback     PlaybackState `json:"playbackState"`
	PendingShare *PendingShare `json:"pendingInboundShare,omitempty"`
}

// Clone returns a deep copy safe to hand out of a registry.
func (r *Room) Clone() Room {
	c := *r
	c.Participants = append([]Participant(nil), r.Participants...)
	if r.PendingShare != nil {
		ps := *r.PendingShare
		c.PendingShare = &ps
	}
	return c
}

func (r *Room) Member(userID string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

type ShareEntry struct {
	Code            string     `json:"code"`
	Files           []FileInfo `json:"files"`
	OwnerEndpointID string     `json:"ownerEndpointId"`
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       time.Time  `json:"expiresAt"`
}

// Announcement is the relay envelope. For inbound messages the server
// re-assigns SRC based on the websocket session.
type Announcement struct {
	DST     string          `json:"dst,omitempty"`
	SRC     string          `json:"src,omitempty"`
	Type    string          `json:"type"`
	Ack     uint64          `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewAnnouncement marshals payload into an announcement of the given type.
func NewAnnouncement(typ string, payload any) (Announcement, error) {
	ann := Announcement{Type: typ}
	if payload == nil {
		return ann, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ann, err
	}
	ann.Payload = b
	return ann, nil
}

func (ann Announcement) Decode(v any) error {
	if len(ann.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(ann.Payload, v)
}

// Wire connects a transport connection with the relay service.
// Done is closed when the connection is gone.
type Wire struct {
	RX   chan Announcement
	TX   chan Announcement
	Done <-chan struct{}
}

const defaultWireBuffer = 64

func NewWire(done <-chan struct{}) Wire {
	return Wire{
		RX:   make(chan Announcement),
		TX:   make(chan Announcement, defaultWireBuffer),
		Done: done,
	}
}
