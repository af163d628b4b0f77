package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/adwski/beacon/client/peer"
	"github.com/rs/zerolog"
)

// DefaultMaxFileSize bounds the size a peer may announce for one file.
const DefaultMaxFileSize int64 = 16 << 30

type ReceiverConfig struct {
	Logger *zerolog.Logger
	// Expected is the number of files in the batch, taken from the manifest.
	Expected int
	// Label names the archive of a multi-file batch: files_<label>.zip.
	Label       string
	NewSink     SinkFactory
	Progress    func(Progress)
	MaxFileSize int64
}

// FileResult describes one received file.
type FileResult struct {
	Index    int
	Name     string
	MimeType string
	Size     int64
	// Missing lists chunk indices that never arrived.
	Missing []int
}

// Delivery is a finished batch handed to the consumer. A multi-file batch
// is delivered as one zip archive.
type Delivery struct {
	Name     string
	MimeType string
	Size     int64
	Data     *io.SectionReader
	Files    []FileResult
	Archived bool

	sinks []ByteSink
}

// Close releases the sinks backing Data.
func (d *Delivery) Close() error {
	var errs []error
	for _, s := range d.sinks {
		errs = append(errs, s.Close())
	}
	d.sinks = nil
	return errors.Join(errs...)
}

type fileSession struct {
	meta     FileMeta
	sink     ByteSink
	mask     []bool
	received int
	bytes    int64
	complete bool
}

func (fs *fileSession) missing() []int {
	var out []int
	for i, ok := range fs.mask {
		if !ok {
			out = append(out, i)
		}
	}
	return out
}

// Receiver reassembles a batch from a channel.
type Receiver struct {
	ch     peer.Channel
	cfg    ReceiverConfig
	logger zerolog.Logger

	files     map[int]*fileSession
	completed int
	// header waiting for its payload
	pending *ChunkHeader
}

func NewReceiver(ch peer.Channel, cfg ReceiverConfig) *Receiver {
	if cfg.Expected <= 0 {
		cfg.Expected = 1
	}
	if cfg.NewSink == nil {
		cfg.NewSink = MemorySinks
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Receiver{
		ch:     ch,
		cfg:    cfg,
		logger: logger.With().Str("component", "transfer-receiver").Logger(),
		files:  make(map[int]*fileSession),
	}
}

// Run receives until every expected file is complete. If some file
// completed with missing chunks, the partial delivery is returned together
// with ErrIncompleteTransfer.
func (r *Receiver) Run(ctx context.Context) (*Delivery, error) {
	for {
		var (
			msg peer.Message
			ok  bool
		)
		select {
		case <-ctx.Done():
			r.discard()
			return nil, errors.Join(ErrCanceled, ctx.Err())
		case msg = <-r.ch.Messages():
			ok = true
		case <-r.ch.Closed():
			// messages queued before close still count
			select {
			case msg = <-r.ch.Messages():
				ok = true
			default:
			}
		}
		if !ok {
			r.discard()
			return nil, fmt.Errorf("%w: channel closed with %d of %d files complete",
				ErrAborted, r.completed, r.cfg.Expected)
		}

		done, err := r.handle(msg)
		if err != nil {
			r.discard()
			return nil, err
		}
		if done {
			return r.deliver()
		}
	}
}

// Cancel asks the sender to stop.
func (r *Receiver) Cancel(reason string) error {
	b, err := json.Marshal(&TransferCancel{Type: TypeTransferCancel, Reason: reason})
	if err != nil {
		return err
	}
	return r.ch.SendText(string(b))
}

func (r *Receiver) handle(msg peer.Message) (bool, error) {
	if !msg.IsString {
		return false, r.handlePayload(msg.Data)
	}
	ctl, err := ParseControl(msg.Data)
	if err != nil {
		return false, err
	}
	switch c := ctl.(type) {
	case *FileMeta:
		return false, r.handleMeta(c)
	case *ChunkHeader:
		if r.pending != nil {
			r.logger.Warn().
				Int("fileIndex", r.pending.FileIndex).
				Int("index", r.pending.Index).
				Msg("chunk header superseded before payload")
		}
		fs, ok := r.files[c.FileIndex]
		if !ok {
			return false, fmt.Errorf("%w: chunk for unannounced file %d", ErrProtocol, c.FileIndex)
		}
		if c.Index < 0 || c.Index >= len(fs.mask) || c.Size < 0 {
			return false, fmt.Errorf("%w: chunk %d/%d of file %d", ErrProtocol, c.Index, len(fs.mask), c.FileIndex)
		}
		r.pending = c
	case *FileComplete:
		return r.handleComplete(c)
	case *TransferCancel:
		return false, fmt.Errorf("%w by sender: %s", ErrCanceled, c.Reason)
	}
	return false, nil
}

func (r *Receiver) handleMeta(m *FileMeta) error {
	if fs, ok := r.files[m.FileIndex]; ok {
		r.logger.Warn().
			Int("fileIndex", m.FileIndex).
			Bool("complete", fs.complete).
			Msg("duplicate file meta ignored")
		return nil
	}
	if m.FileSize < 0 || m.TotalChunks < 0 || (m.FileSize > 0) != (m.TotalChunks > 0) ||
		int64(m.TotalChunks) > m.FileSize {
		return fmt.Errorf("%w: bad meta for file %d", ErrProtocol, m.FileIndex)
	}
	if m.FileSize > r.cfg.MaxFileSize {
		return fmt.Errorf("%w: file %d announced as %d bytes, limit is %d",
			ErrTooLarge, m.FileIndex, m.FileSize, r.cfg.MaxFileSize)
	}
	sink, err := r.cfg.NewSink(*m)
	if err != nil {
		return err
	}
	r.files[m.FileIndex] = &fileSession{
		meta: *m,
		sink: sink,
		mask: make([]bool, m.TotalChunks),
	}
	r.logger.Debug().
		Int("fileIndex", m.FileIndex).
		Str("name", m.FileName).
		Int64("size", m.FileSize).
		Int("chunks", m.TotalChunks).
		Msg("receiving file")
	return nil
}

func (r *Receiver) handlePayload(data []byte) error {
	h := r.pending
	r.pending = nil
	if h == nil {
		return fmt.Errorf("%w: binary message without chunk header", ErrProtocol)
	}
	if len(data) != h.Size {
		return fmt.Errorf("%w: chunk %d of file %d is %d bytes, header says %d",
			ErrProtocol, h.Index, h.FileIndex, len(data), h.Size)
	}
	fs := r.files[h.FileIndex]
	if fs.complete {
		// never resurrect a finished file
		return nil
	}
	off := chunkOffset(h, fs.meta.FileSize)
	if off < 0 || off+int64(len(data)) > fs.meta.FileSize {
		return fmt.Errorf("%w: chunk %d of file %d out of bounds", ErrProtocol, h.Index, h.FileIndex)
	}
	if _, err := fs.sink.WriteAt(data, off); err != nil {
		return err
	}
	if !fs.mask[h.Index] {
		fs.mask[h.Index] = true
		fs.received++
		fs.bytes += int64(len(data))
	}
	if r.cfg.Progress != nil {
		r.cfg.Progress(Progress{
			FileIndex:   h.FileIndex,
			FileName:    fs.meta.FileName,
			Chunks:      fs.received,
			TotalChunks: fs.meta.TotalChunks,
			Bytes:       fs.bytes,
			Size:        fs.meta.FileSize,
		})
	}
	return nil
}

func (r *Receiver) handleComplete(c *FileComplete) (bool, error) {
	fs, ok := r.files[c.FileIndex]
	if !ok {
		return false, fmt.Errorf("%w: completion of unannounced file %d", ErrProtocol, c.FileIndex)
	}
	if fs.complete {
		return false, nil
	}
	fs.complete = true
	r.completed++

	if missing := fs.missing(); len(missing) > 0 {
		r.logger.Warn().
			Int("fileIndex", c.FileIndex).
			Int("missing", len(missing)).
			Int("total", fs.meta.TotalChunks).
			Msg("file completed with missing chunks")
	} else {
		r.logger.Debug().Int("fileIndex", c.FileIndex).Msg("file received")
	}
	return r.completed >= r.cfg.Expected, nil
}

func (r *Receiver) ordered() []*fileSession {
	out := make([]*fileSession, 0, len(r.files))
	for _, fs := range r.files {
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].meta.FileIndex < out[j].meta.FileIndex })
	return out
}

func (r *Receiver) deliver() (*Delivery, error) {
	files := r.ordered()
	results := make([]FileResult, 0, len(files))
	var incomplete []string
	for _, fs := range files {
		res := FileResult{
			Index:    fs.meta.FileIndex,
			Name:     fs.meta.FileName,
			MimeType: fs.meta.FileType,
			Size:     fs.meta.FileSize,
			Missing:  fs.missing(),
		}
		if len(res.Missing) > 0 {
			incomplete = append(incomplete, fmt.Sprintf("%s (%d of %d chunks missing)",
				res.Name, len(res.Missing), fs.meta.TotalChunks))
		}
		results = append(results, res)
	}

	var (
		d   *Delivery
		err error
	)
	if len(files) == 1 {
		fs := files[0]
		d = &Delivery{
			Name:     fs.meta.FileName,
			MimeType: fs.meta.FileType,
			Size:     fs.meta.FileSize,
			Data:     io.NewSectionReader(fs.sink, 0, fs.meta.FileSize),
			Files:    results,
			sinks:    []ByteSink{fs.sink},
		}
	} else {
		d, err = r.archive(files, results)
		if err != nil {
			r.discard()
			return nil, err
		}
	}
	r.files = make(map[int]*fileSession)

	if len(incomplete) > 0 {
		return d, fmt.Errorf("%w: %v", ErrIncompleteTransfer, incomplete)
	}
	return d, nil
}

func (r *Receiver) discard() {
	for _, fs := range r.files {
		_ = fs.sink.Close()
	}
	r.files = make(map[int]*fileSession)
}
