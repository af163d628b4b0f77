package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/adwski/beacon/client/peer"
	"github.com/rs/zerolog"
)

const (
	DefaultChunkSize    = 64 * 1024
	DefaultHighWater    = 256 * 1024
	DefaultLowWater     = 64 * 1024
	defaultStallTimeout = 10 * time.Second
	defaultRetryDelay   = 100 * time.Millisecond

	// upper bound of a marshaled chunk-header
	maxHeaderSize = 256
)

var ErrBadConfig = errors.New("invalid transfer config")

// Progress reports per-file progress on either side.
type Progress struct {
	FileIndex   int
	FileName    string
	Chunks      int
	TotalChunks int
	Bytes       int64
	Size        int64
}

func (p Progress) Fraction() float64 {
	if p.TotalChunks == 0 {
		return 1
	}
	return float64(p.Chunks) / float64(p.TotalChunks)
}

type SenderConfig struct {
	Logger    *zerolog.Logger
	ChunkSize int
	// Sending pauses while more than HighWater bytes are buffered and
	// resumes once the channel drains to LowWater.
	HighWater uint64
	LowWater  uint64
	// StallTimeout bounds a single drain wait.
	StallTimeout time.Duration
	RetryDelay   time.Duration
	Progress     func(Progress)
}

// Sender streams files over a channel with backpressure. A Sender may be
// used by several goroutines; each header and its payload are sent as a unit.
type Sender struct {
	ch     peer.Channel
	cfg    SenderConfig
	logger zerolog.Logger

	mx   sync.Mutex
	lowC chan struct{}

	canceled   chan struct{}
	cancelOnce sync.Once
	reason     string
}

func NewSender(ch peer.Channel, cfg SenderConfig) (*Sender, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.HighWater == 0 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.LowWater == 0 {
		cfg.LowWater = DefaultLowWater
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.LowWater >= cfg.HighWater ||
		uint64(cfg.ChunkSize+maxHeaderSize) > cfg.HighWater-cfg.LowWater {
		return nil, fmt.Errorf("%w: chunk %d does not fit between low %d and high %d water marks",
			ErrBadConfig, cfg.ChunkSize, cfg.LowWater, cfg.HighWater)
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &Sender{
		ch:       ch,
		cfg:      cfg,
		logger:   logger.With().Str("component", "transfer-sender").Logger(),
		lowC:     make(chan struct{}, 1),
		canceled: make(chan struct{}),
	}
	ch.SetBufferedAmountLowThreshold(cfg.LowWater)
	ch.OnBufferedAmountLow(s.drained)
	go s.watchRemote()
	return s, nil
}

func (s *Sender) drained() {
	select {
	case s.lowC <- struct{}{}:
	default:
	}
}

// watchRemote consumes inbound messages; the only one expected is a cancel.
func (s *Sender) watchRemote() {
	for {
		select {
		case <-s.ch.Closed():
			return
		case <-s.canceled:
			return
		case msg := <-s.ch.Messages():
			if !msg.IsString {
				continue
			}
			ctl, err := ParseControl(msg.Data)
			if err != nil {
				s.logger.Warn().Err(err).Msg("unexpected message from receiver")
				continue
			}
			if c, ok := ctl.(*TransferCancel); ok {
				s.logger.Debug().Str("reason", c.Reason).Msg("receiver canceled transfer")
				s.markCanceled(c.Reason)
				return
			}
		}
	}
}

func (s *Sender) markCanceled(reason string) {
	s.cancelOnce.Do(func() {
		s.reason = reason
		close(s.canceled)
	})
}

func (s *Sender) checkCanceled() error {
	select {
	case <-s.canceled:
		return fmt.Errorf("%w: %s", ErrCanceled, s.reason)
	default:
		return nil
	}
}

// SendBatch sends files in order, indexing them from zero, and waits for
// the channel to flush.
func (s *Sender) SendBatch(ctx context.Context, files []Source) error {
	for i, src := range files {
		if err := s.SendFile(ctx, i, src); err != nil {
			return err
		}
	}
	return s.Flush(ctx)
}

// SendFile sends one file as fileIndex: meta, header/payload pairs, complete.
func (s *Sender) SendFile(ctx context.Context, fileIndex int, src Source) error {
	size := src.Size()
	total := TotalChunks(size, s.cfg.ChunkSize)
	logger := s.logger.With().
		Int("fileIndex", fileIndex).
		Str("name", src.Name()).
		Int64("size", size).
		Logger()

	err := s.sendControl(ctx, &FileMeta{
		Type:        TypeFileMeta,
		FileIndex:   fileIndex,
		FileName:    src.Name(),
		FileSize:    size,
		FileType:    src.MimeType(),
		TotalChunks: total,
	})
	if err != nil {
		return err
	}
	logger.Debug().Int("chunks", total).Msg("sending file")

	buf := make([]byte, s.cfg.ChunkSize)
	var sent int64
	for index := 0; index < total; index++ {
		if err = s.checkCanceled(); err != nil {
			return err
		}
		if err = ctx.Err(); err != nil {
			return err
		}

		off := int64(index) * int64(s.cfg.ChunkSize)
		n := int(min(int64(s.cfg.ChunkSize), size-off))
		read, rErr := src.ReadAt(buf[:n], off)
		if read < n {
			if rErr == nil {
				rErr = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read chunk %d: %w", index, rErr)
		}

		hdr := ChunkHeader{Type: TypeChunkHeader, FileIndex: fileIndex, Index: index, Total: total, Size: n}
		if err = s.sendChunk(ctx, &hdr, buf[:n], &logger); err != nil {
			return err
		}
		sent += int64(n)
		if s.cfg.Progress != nil {
			s.cfg.Progress(Progress{
				FileIndex:   fileIndex,
				FileName:    src.Name(),
				Chunks:      index + 1,
				TotalChunks: total,
				Bytes:       sent,
				Size:        size,
			})
		}
	}

	err = s.sendControl(ctx, &FileComplete{Type: TypeFileComplete, FileIndex: fileIndex, FileName: src.Name()})
	if err != nil {
		return err
	}
	logger.Debug().Msg("file sent")
	return nil
}

// sendChunk retries a failed chunk once after RetryDelay.
func (s *Sender) sendChunk(ctx context.Context, hdr *ChunkHeader, payload []byte, logger *zerolog.Logger) error {
	err := s.sendPair(ctx, hdr, payload)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransferStalled) || errors.Is(err, peer.ErrClosed) || ctx.Err() != nil {
		return err
	}
	logger.Warn().Err(err).Int("index", hdr.Index).Msg("chunk send failed, retrying")

	select {
	case <-time.After(s.cfg.RetryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err = s.sendPair(ctx, hdr, payload); err != nil {
		return fmt.Errorf("%w: file %d chunk %d: %w", ErrChunkSend, hdr.FileIndex, hdr.Index, err)
	}
	return nil
}

func (s *Sender) sendPair(ctx context.Context, hdr *ChunkHeader, payload []byte) error {
	b, err := json.Marshal(hdr)
	if err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if err = s.waitDrain(ctx, uint64(len(b)+len(payload))); err != nil {
		return err
	}
	if err = s.ch.SendText(string(b)); err != nil {
		return err
	}
	return s.ch.Send(payload)
}

func (s *Sender) sendControl(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if err = s.waitDrain(ctx, uint64(len(b))); err != nil {
		return err
	}
	return s.ch.SendText(string(b))
}

// waitDrain blocks until n more bytes fit under the high water mark.
// Callers hold s.mx.
func (s *Sender) waitDrain(ctx context.Context, n uint64) error {
	var stall *time.Timer
	for {
		buffered := s.ch.BufferedAmount()
		if buffered == 0 || buffered+n <= s.cfg.HighWater {
			return nil
		}
		if stall == nil {
			stall = time.NewTimer(s.cfg.StallTimeout)
			defer stall.Stop()
		}
		select {
		case <-s.lowC:
		case <-stall.C:
			return fmt.Errorf("%w: %d bytes buffered for %s", ErrTransferStalled, buffered, s.cfg.StallTimeout)
		case <-s.canceled:
			return s.checkCanceled()
		case <-s.ch.Closed():
			return peer.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush waits until everything sent has left the channel buffer.
func (s *Sender) Flush(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.ch.SetBufferedAmountLowThreshold(0)
	defer s.ch.SetBufferedAmountLowThreshold(s.cfg.LowWater)

	stall := time.NewTimer(s.cfg.StallTimeout)
	defer stall.Stop()
	for s.ch.BufferedAmount() > 0 {
		select {
		case <-s.lowC:
		case <-stall.C:
			return fmt.Errorf("%w: flush", ErrTransferStalled)
		case <-s.ch.Closed():
			return peer.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Cancel tells the receiver to abandon the batch.
func (s *Sender) Cancel(reason string) error {
	s.markCanceled(reason)
	b, err := json.Marshal(&TransferCancel{Type: TypeTransferCancel, Reason: reason})
	if err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.ch.SendText(string(b))
}
