package model

import (
	"encoding/json"
	"errors"
)

var ErrEmptyPayload = errors.New("empty payload")

// Relay event types.
const (
	TypeConnected     = "connected"
	TypeUserOnline    = "user-online"
	TypeUserOffline   = "user-offline"
	TypeError         = "error"
	TypeGetServerTime = "get-server-time"

	TypeJoinRoom          = "join-room"
	TypeRoomJoined        = "room-joined"
	TypeLeaveRoom         = "leave-room"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeHostChanged       = "host-changed"
	TypeChatMessage       = "chat-message"
	TypePrivateMessage    = "private-message"

	TypeVideoURLSet = "video-url-set"
	TypeVideoPlay   = "video-play"
	TypeVideoPause  = "video-pause"
	TypeVideoSeek   = "video-seek"

	TypeFileShareCreate  = "file-share-create"
	TypeFileShareJoin    = "file-share-join"
	TypeFileShareInfo    = "file-share-info"
	TypeFileShareError   = "file-share-error"
	TypeFileShareCancel  = "file-share-cancel"
	TypeFileShareRequest = "file-share-request"
	TypeFileShareReady   = "file-share-ready"
	TypeFileShareSignal  = "file-share-signal"

	TypeVideoFileShare   = "video-file-share"
	TypeVideoFileInfo    = "video-file-info"
	TypeVideoFileRequest = "video-file-request"
	TypeVideoFileReady   = "video-file-ready"
	TypeVideoFileSignal  = "video-file-signal"
	TypeVideoFileCancel  = "video-file-cancel"
)

// PlaybackCommand is one of the host-only timeline commands.
type PlaybackCommand string

const (
	CommandPlay  PlaybackCommand = TypeVideoPlay
	CommandPause PlaybackCommand = TypeVideoPause
	CommandSeek  PlaybackCommand = TypeVideoSeek
)

type Connected struct {
	EndpointID string `json:"endpointId"`
	User       User   `json:"user"`
}

type UserOffline struct {
	ID string `json:"id"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

// PrivateMessage is addressed by user id. The relay replaces To with From.
type PrivateMessage struct {
	To        string `json:"to,omitempty"`
	From      *User  `json:"from,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type ServerTime struct {
	ServerTimeMs int64 `json:"serverTimeMs"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
	User   User   `json:"user"`
}

type RoomJoined struct {
	RoomID              string        `json:"roomId"`
	Participants        []Participant `json:"participants"`
	Host                string        `json:"host"`
	IsHost              bool          `json:"isHost"`
	PlaybackState       PlaybackState `json:"playbackState"`
	PendingInboundShare *PendingShare `json:"pendingInboundShare"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type ParticipantEvent struct {
	Participants []Participant `json:"participants"`
	User         User          `json:"user"`
}

type HostChanged struct {
	NewHost string `json:"newHost"`
}

type ChatMessage struct {
	RoomID    string `json:"roomId"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type VideoURL struct {
	RoomID string `json:"roomId,omitempty"`
	URL    string `json:"url"`
}

type VideoControl struct {
	RoomID      string  `json:"roomId,omitempty"`
	CurrentTime float64 `json:"currentTime"`
	Timestamp   int64   `json:"timestamp"`
}

type ShareCreate struct {
	Code  string     `json:"code"`
	Files []FileInfo `json:"files"`
}

type ShareCode struct {
	Code string `json:"code"`
}

type ShareInfo struct {
	Files          []FileInfo `json:"files"`
	HostEndpointID string     `json:"hostEndpointId"`
	Code           string     `json:"code"`
}

// Directed is the common shape of pure forwards (request/ready/signal).
// On the way in To names the target; on the way out From names the sender.
type Directed struct {
	To       string          `json:"to,omitempty"`
	From     string          `json:"from,omitempty"`
	FileInfo json.RawMessage `json:"fileInfo,omitempty"`
	Signal   json.RawMessage `json:"signal,omitempty"`
}

type VideoFileShare struct {
	RoomID   string   `json:"roomId"`
	FileInfo FileInfo `json:"fileInfo"`
}

type VideoFileInfo struct {
	FileInfo       FileInfo `json:"fileInfo"`
	HostEndpointID string   `json:"hostEndpointId"`
}

type RoomRef struct {
	RoomID string `json:"roomId"`
}
