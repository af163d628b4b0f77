// Package transfer moves files over a peer.Channel.
//
// Control messages are JSON text messages with a "type" tag. Every
// chunk-header is followed by exactly one binary message holding that
// chunk's bytes; nothing else may be sent between the two.
package transfer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeFileMeta       = "file-meta"
	TypeChunkHeader    = "chunk-header"
	TypeFileComplete   = "file-complete"
	TypeTransferCancel = "transfer-cancel"
)

var (
	ErrUnknownControl     = errors.New("unknown control message")
	ErrProtocol           = errors.New("transfer protocol violation")
	ErrTransferStalled    = errors.New("transfer stalled")
	ErrIncompleteTransfer = errors.New("transfer incomplete")
	ErrCanceled           = errors.New("transfer canceled")
	ErrChunkSend          = errors.New("chunk send failed")
	ErrAborted            = errors.New("transfer aborted")
	ErrTooLarge           = errors.New("file too large")
)

type FileMeta struct {
	Type        string `json:"type"`
	FileIndex   int    `json:"fileIndex"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileType    string `json:"fileType"`
	TotalChunks int    `json:"totalChunks"`
}

type ChunkHeader struct {
	Type      string `json:"type"`
	FileIndex int    `json:"fileIndex"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
	Size      int    `json:"size"`
}

type FileComplete struct {
	Type      string `json:"type"`
	FileIndex int    `json:"fileIndex"`
	FileName  string `json:"fileName,omitempty"`
}

type TransferCancel struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ParseControl decodes a control message into one of FileMeta, ChunkHeader,
// FileComplete or TransferCancel. Unknown fields are rejected.
func ParseControl(data []byte) (any, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	var v any
	switch tag.Type {
	case TypeFileMeta:
		v = &FileMeta{}
	case TypeChunkHeader:
		v = &ChunkHeader{}
	case TypeFileComplete:
		v = &FileComplete{}
	case TypeTransferCancel:
		v = &TransferCancel{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownControl, tag.Type)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return v, nil
}

// TotalChunks returns ceil(size/chunkSize).
func TotalChunks(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// chunkOffset locates a chunk without knowing the sender's chunk size: all
// chunks but the last are full, and the last one ends the file.
func chunkOffset(h *ChunkHeader, fileSize int64) int64 {
	if h.Index == h.Total-1 {
		return fileSize - int64(h.Size)
	}
	return int64(h.Index) * int64(h.Size)
}
