package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// Source is a random-access file to send.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
	MimeType() string
}

// FileSource is a file on disk.
type FileSource struct {
	f    *os.File
	name string
	size int64
	mime string
}

// OpenFile opens path for sending and detects its MIME type from content.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, errors.New("cannot send a directory: " + path)
	}
	mt, err := mimetype.DetectReader(io.NewSectionReader(f, 0, st.Size()))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileSource{
		f:    f,
		name: filepath.Base(path),
		size: st.Size(),
		mime: mt.String(),
	}, nil
}

func (fs *FileSource) ReadAt(p []byte, off int64) (int, error) { return fs.f.ReadAt(p, off) }
func (fs *FileSource) Name() string                            { return fs.name }
func (fs *FileSource) Size() int64                             { return fs.size }
func (fs *FileSource) MimeType() string                        { return fs.mime }
func (fs *FileSource) Close() error                            { return fs.f.Close() }

// BytesSource is an in-memory Source.
type BytesSource struct {
	*io.SectionReader
	name string
	mime string
}

// NewBytesSource wraps data. An empty mime is detected from content.
func NewBytesSource(name, mime string, data []byte) *BytesSource {
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}
	return &BytesSource{
		SectionReader: io.NewSectionReader(bytesReaderAt(data), 0, int64(len(data))),
		name:          name,
		mime:          mime,
	}
}

func (bs *BytesSource) Name() string     { return bs.name }
func (bs *BytesSource) MimeType() string { return bs.mime }

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ByteSink receives chunks at arbitrary offsets.
type ByteSink interface {
	io.WriterAt
	io.ReaderAt
	Close() error
}

// SinkFactory creates a sink for an announced file.
type SinkFactory func(meta FileMeta) (ByteSink, error)

// MemorySink is a growable in-memory ByteSink.
type MemorySink struct {
	mx  sync.RWMutex
	buf []byte
}

func NewMemorySink(size int64) *MemorySink {
	return &MemorySink{buf: make([]byte, size)}
}

// MaxMemorySinkSize is the largest file MemorySinks will buffer.
const MaxMemorySinkSize int64 = 1 << 30

// MemorySinks is the default SinkFactory.
func MemorySinks(meta FileMeta) (ByteSink, error) {
	if meta.FileSize > MaxMemorySinkSize {
		return nil, fmt.Errorf("%w: %d bytes do not fit in memory, use a file sink", ErrTooLarge, meta.FileSize)
	}
	return NewMemorySink(meta.FileSize), nil
}

func (ms *MemorySink) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	ms.mx.Lock()
	defer ms.mx.Unlock()
	if end := off + int64(len(p)); end > int64(len(ms.buf)) {
		grown := make([]byte, end)
		copy(grown, ms.buf)
		ms.buf = grown
	}
	return copy(ms.buf[off:], p), nil
}

func (ms *MemorySink) ReadAt(p []byte, off int64) (int, error) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()
	return bytesReaderAt(ms.buf).ReadAt(p, off)
}

func (ms *MemorySink) Len() int64 {
	ms.mx.RLock()
	defer ms.mx.RUnlock()
	return int64(len(ms.buf))
}

func (ms *MemorySink) Close() error { return nil }

// TempFileSinks returns a SinkFactory backed by temporary files in dir.
// The files are removed when the sink is closed.
func TempFileSinks(dir string) SinkFactory {
	return func(meta FileMeta) (ByteSink, error) {
		f, err := os.CreateTemp(dir, "beacon-*.part")
		if err != nil {
			return nil, err
		}
		if err = f.Truncate(meta.FileSize); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return nil, err
		}
		return &tempFileSink{File: f}, nil
	}
}

type tempFileSink struct {
	*os.File
}

func (ts *tempFileSink) Close() error {
	return errors.Join(ts.File.Close(), os.Remove(ts.File.Name()))
}
