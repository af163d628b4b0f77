package transfer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/adwski/beacon/client/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	d   *Delivery
	err error
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func startReceiver(ctx context.Context, ch peer.Channel, cfg ReceiverConfig) (*Receiver, <-chan result) {
	r := NewReceiver(ch, cfg)
	out := make(chan result, 1)
	go func() {
		d, err := r.Run(ctx)
		out <- result{d, err}
	}()
	return r, out
}

func wait(t *testing.T, c <-chan result) result {
	t.Helper()
	select {
	case res := <-c:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("receiver did not finish")
	}
	return result{}
}

func readAll(t *testing.T, d *Delivery) []byte {
	t.Helper()
	b, err := io.ReadAll(d.Data)
	require.NoError(t, err)
	return b
}

func sendText(t *testing.T, ch peer.Channel, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ch.SendText(string(b)))
}

func TestTotalChunks(t *testing.T) {
	tests := []struct {
		size  int64
		chunk int
		want  int
	}{
		{0, 64, 0},
		{1, 64, 1},
		{64, 64, 1},
		{65, 64, 2},
		{10 * 1024 * 1024, DefaultChunkSize, 160},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TotalChunks(tt.size, tt.chunk), "size %d chunk %d", tt.size, tt.chunk)
	}
}

func TestParseControl(t *testing.T) {
	v, err := ParseControl([]byte(`{"type":"chunk-header","fileIndex":1,"index":2,"total":3,"size":10}`))
	require.NoError(t, err)
	assert.Equal(t, &ChunkHeader{Type: TypeChunkHeader, FileIndex: 1, Index: 2, Total: 3, Size: 10}, v)

	_, err = ParseControl([]byte(`{"type":"bogus"}`))
	assert.ErrorIs(t, err, ErrUnknownControl)

	_, err = ParseControl([]byte(`{"type":"file-complete","fileIndex":0,"extra":true}`))
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = ParseControl([]byte(`garbage`))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestTransfer_TenMiB(t *testing.T) {
	data := randomBytes(t, 10*1024*1024)
	tx, rx := peer.NewPipe()
	defer tx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		mx   sync.Mutex
		last Progress
	)
	_, res := startReceiver(ctx, rx, ReceiverConfig{
		Expected: 1,
		Progress: func(p Progress) {
			mx.Lock()
			last = p
			mx.Unlock()
		},
	})

	s, err := NewSender(tx, SenderConfig{})
	require.NoError(t, err)
	require.NoError(t, s.SendBatch(ctx, []Source{NewBytesSource("movie.bin", "application/octet-stream", data)}))

	out := wait(t, res)
	require.NoError(t, out.err)
	defer out.d.Close()

	assert.Equal(t, "movie.bin", out.d.Name)
	assert.False(t, out.d.Archived)
	assert.Equal(t, int64(10485760), out.d.Size)
	assert.True(t, bytes.Equal(data, readAll(t, out.d)))

	mx.Lock()
	assert.Equal(t, 160, last.TotalChunks)
	assert.Equal(t, 160, last.Chunks)
	mx.Unlock()

	assert.LessOrEqual(t, tx.MaxBufferedAmount(), uint64(DefaultHighWater))
}

func TestTransfer_BackpressureBound(t *testing.T) {
	tx, rx := peer.NewPipe()
	defer tx.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// slow reader
	done := make(chan struct{})
	go func() {
		defer close(done)
		r := NewReceiver(newSlowChannel(rx, time.Millisecond), ReceiverConfig{Expected: 1})
		d, err := r.Run(ctx)
		if err == nil {
			_ = d.Close()
		}
	}()

	cfg := SenderConfig{ChunkSize: 4096, HighWater: 32 * 1024, LowWater: 8 * 1024}
	s, err := NewSender(tx, cfg)
	require.NoError(t, err)
	require.NoError(t, s.SendBatch(ctx, []Source{NewBytesSource("a", "", randomBytes(t, 512*1024))}))
	<-done

	assert.LessOrEqual(t, tx.MaxBufferedAmount(), cfg.HighWater)
	assert.Greater(t, tx.MaxBufferedAmount(), cfg.LowWater)
}

// slowChannel delays every inbound message.
type slowChannel struct {
	peer.Channel
	out chan peer.Message
}

func newSlowChannel(ch peer.Channel, delay time.Duration) slowChannel {
	out := make(chan peer.Message)
	go func() {
		for {
			select {
			case msg := <-ch.Messages():
				time.Sleep(delay)
				select {
				case out <- msg:
				case <-ch.Closed():
					return
				}
			case <-ch.Closed():
				return
			}
		}
	}()
	return slowChannel{Channel: ch, out: out}
}

func (s slowChannel) Messages() <-chan peer.Message { return s.out }

func TestTransfer_TwoFilesArchived(t *testing.T) {
	first := randomBytes(t, 100*1024)
	second := []byte("second file contents")
	tx, rx := peer.NewPipe()
	defer tx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, res := startReceiver(ctx, rx, ReceiverConfig{Expected: 2, Label: "ABCD1234"})

	s, err := NewSender(tx, SenderConfig{})
	require.NoError(t, err)
	require.NoError(t, s.SendFile(ctx, 0, NewBytesSource("one.bin", "", first)))
	require.NoError(t, s.Flush(ctx))

	select {
	case <-res:
		t.Fatal("batch reported complete after one of two files")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, s.SendFile(ctx, 1, NewBytesSource("two.txt", "text/plain", second)))
	out := wait(t, res)
	require.NoError(t, out.err)
	defer out.d.Close()

	assert.True(t, out.d.Archived)
	assert.Equal(t, "files_ABCD1234.zip", out.d.Name)
	assert.Equal(t, "application/zip", out.d.MimeType)
	require.Len(t, out.d.Files, 2)

	zr, err := zip.NewReader(out.d.Data, out.d.Size)
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	contents := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		contents[f.Name] = b
	}
	assert.Equal(t, first, contents["one.bin"])
	assert.Equal(t, second, contents["two.txt"])
}

func TestTransfer_InterleavedFiles(t *testing.T) {
	a := randomBytes(t, 40*1024+7)
	b := randomBytes(t, 33*1024)
	tx, rx := peer.NewPipe()
	defer tx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, res := startReceiver(ctx, rx, ReceiverConfig{Expected: 2})

	s, err := NewSender(tx, SenderConfig{ChunkSize: 1024, HighWater: 16 * 1024, LowWater: 4 * 1024})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, data := range [][]byte{a, b} {
		wg.Add(1)
		go func(i int, data []byte) {
			defer wg.Done()
			errs[i] = s.SendFile(ctx, i, NewBytesSource("same.bin", "", data))
		}(i, data)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	out := wait(t, res)
	require.NoError(t, out.err)
	defer out.d.Close()

	zr, err := zip.NewReader(out.d.Data, out.d.Size)
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "same.bin", zr.File[0].Name)
	assert.Equal(t, "same (1).bin", zr.File[1].Name)
	for i, want := range [][]byte{a, b} {
		rc, err := zr.File[i].Open()
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		assert.Equal(t, want, got)
	}
}

func TestSender_RetriesChunkOnce(t *testing.T) {
	data := randomBytes(t, 3000)
	tx, rx := peer.NewPipe()
	defer tx.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, res := startReceiver(ctx, rx, ReceiverConfig{})

	s, err := NewSender(tx, SenderConfig{ChunkSize: 1024, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	// meta goes through, then the first chunk header fails once
	require.NoError(t, s.sendControl(ctx, &FileMeta{
		Type: TypeFileMeta, FileName: "r.bin", FileSize: 3000, TotalChunks: 3,
	}))
	tx.FailSends(1)
	for i := 0; i < 3; i++ {
		n := min(1024, 3000-i*1024)
		hdr := ChunkHeader{Type: TypeChunkHeader, Index: i, Total: 3, Size: n}
		require.NoError(t, s.sendChunk(ctx, &hdr, data[i*1024:i*1024+n], &s.logger))
	}
	require.NoError(t, s.sendControl(ctx, &FileComplete{Type: TypeFileComplete}))

	out := wait(t, res)
	require.NoError(t, out.err)
	assert.Equal(t, data, readAll(t, out.d))
}

func TestSender_SecondFailureAborts(t *testing.T) {
	tx, rx := peer.NewPipe()
	defer tx.Close()
	go func() {
		for range rx.Messages() {
		}
	}()

	s, err := NewSender(tx, SenderConfig{ChunkSize: 1024, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s.sendControl(context.Background(), &FileMeta{Type: TypeFileMeta, FileSize: 10, TotalChunks: 1}))

	tx.FailSends(2)
	hdr := ChunkHeader{Type: TypeChunkHeader, Total: 1, Size: 10}
	err = s.sendChunk(context.Background(), &hdr, make([]byte, 10), &s.logger)
	assert.ErrorIs(t, err, ErrChunkSend)
	assert.ErrorIs(t, err, peer.ErrInjected)
}

func TestSender_Stalled(t *testing.T) {
	tx, _ := peer.NewPipe()
	defer tx.Close()

	s, err := NewSender(tx, SenderConfig{
		ChunkSize:    1024,
		HighWater:    8 * 1024,
		LowWater:     2 * 1024,
		StallTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	err = s.SendFile(context.Background(), 0, NewBytesSource("x", "", make([]byte, 256*1024)))
	assert.ErrorIs(t, err, ErrTransferStalled)
	assert.LessOrEqual(t, tx.MaxBufferedAmount(), uint64(8*1024))
}

func TestSender_BadConfig(t *testing.T) {
	tx, _ := peer.NewPipe()
	defer tx.Close()
	_, err := NewSender(tx, SenderConfig{ChunkSize: 64 * 1024, HighWater: 64 * 1024, LowWater: 32 * 1024})
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestReceiver_IncompleteDelivered(t *testing.T) {
	tx, rx := peer.NewPipe()
	defer tx.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, res := startReceiver(ctx, rx, ReceiverConfig{})

	sendText(t, tx, FileMeta{Type: TypeFileMeta, FileName: "p.bin", FileSize: 25, TotalChunks: 3})
	sendText(t, tx, ChunkHeader{Type: TypeChunkHeader, Index: 0, Total: 3, Size: 10})
	require.NoError(t, tx.Send(bytes.Repeat([]byte{'a'}, 10)))
	sendText(t, tx, ChunkHeader{Type: TypeChunkHeader, Index: 2, Total: 3, Size: 5})
	require.NoError(t, tx.Send(bytes.Repeat([]byte{'c'}, 5)))
	sendText(t, tx, FileComplete{Type: TypeFileComplete, FileName: "p.bin"})

	out := wait(t, res)
	require.ErrorIs(t, out.err, ErrIncompleteTransfer)
	require.NotNil(t, out.d)
	assert.Equal(t, []int{1}, out.d.Files[0].Missing)

	got := readAll(t, out.d)
	want := append(append(bytes.Repeat([]byte{'a'}, 10), make([]byte, 10)...), bytes.Repeat([]byte{'c'}, 5)...)
	assert.Equal(t, want, got)
}

func TestReceiver_PayloadWithoutHeader(t *testing.T) {
	tx, rx := peer.NewPipe()
	defer tx.Close()
	_, res := startReceiver(context.Background(), rx, ReceiverConfig{})

	sendText(t, tx, FileMeta{Type: TypeFileMeta, FileName: "p.bin", FileSize: 5, TotalChunks: 1})
	require.NoError(t, tx.Send([]byte("hello")))

	out := wait(t, res)
	assert.ErrorIs(t, out.err, ErrProtocol)
}

func TestReceiver_NoResurrection(t *testing.T) {
	tx, rx := peer.NewPipe()
	defer tx.Close()
	_, res := startReceiver(context.Background(), rx, ReceiverConfig{Expected: 2})

	sendText(t, tx, FileMeta{Type: TypeFileMeta, FileIndex: 0, FileName: "a", FileSize: 3, TotalChunks: 1})
	sendText(t, tx, ChunkHeader{Type: TypeChunkHeader, FileIndex: 0, Index: 0, Total: 1, Size: 3})
	require.NoError(t, tx.Send([]byte("abc")))
	sendText(t, tx, FileComplete{Type: TypeFileComplete, FileIndex: 0})

	// late duplicate for the finished file is ignored
	sendText(t, tx, ChunkHeader{Type: TypeChunkHeader, FileIndex: 0, Index: 0, Total: 1, Size: 3})
	require.NoError(t, tx.Send([]byte("xyz")))

	sendText(t, tx, FileMeta{Type: TypeFileMeta, FileIndex: 1, FileName: "b", FileSize: 0, TotalChunks: 0})
	sendText(t, tx, FileComplete{Type: TypeFileComplete, FileIndex: 1})

	out := wait(t, res)
	require.NoError(t, out.err)
	zr, err := zip.NewReader(out.d.Data, out.d.Size)
	require.NoError(t, err)
	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestCancel_BothDirections(t *testing.T) {
	t.Run("sender cancels", func(t *testing.T) {
		tx, rx := peer.NewPipe()
		defer tx.Close()
		_, res := startReceiver(context.Background(), rx, ReceiverConfig{})

		s, err := NewSender(tx, SenderConfig{})
		require.NoError(t, err)
		require.NoError(t, s.Cancel("user abort"))

		out := wait(t, res)
		assert.ErrorIs(t, out.err, ErrCanceled)
		assert.ErrorIs(t, s.SendFile(context.Background(), 0, NewBytesSource("x", "", []byte("x"))), ErrCanceled)
	})

	t.Run("receiver cancels", func(t *testing.T) {
		tx, rx := peer.NewPipe()
		defer tx.Close()
		r := NewReceiver(rx, ReceiverConfig{})
		s, err := NewSender(tx, SenderConfig{})
		require.NoError(t, err)

		require.NoError(t, r.Cancel("no space"))
		require.Eventually(t, func() bool {
			return s.checkCanceled() != nil
		}, time.Second, 5*time.Millisecond)
		assert.ErrorIs(t, s.SendFile(context.Background(), 0, NewBytesSource("x", "", []byte("x"))), ErrCanceled)
	})
}

func TestReceiver_ChannelClosed(t *testing.T) {
	tx, rx := peer.NewPipe()
	_, res := startReceiver(context.Background(), rx, ReceiverConfig{})
	sendText(t, tx, FileMeta{Type: TypeFileMeta, FileName: "p.bin", FileSize: 5, TotalChunks: 1})
	require.NoError(t, tx.Close())

	out := wait(t, res)
	assert.ErrorIs(t, out.err, ErrAborted)
}

func TestReceiver_RejectsOversizedMeta(t *testing.T) {
	tests := []struct {
		name string
		cfg  ReceiverConfig
		meta FileMeta
		want error
	}{
		{
			name: "over configured limit",
			cfg:  ReceiverConfig{MaxFileSize: 1 << 20},
			meta: FileMeta{FileSize: 1<<20 + 1, TotalChunks: 17},
			want: ErrTooLarge,
		},
		{
			name: "over default limit",
			cfg:  ReceiverConfig{NewSink: TempFileSinks(t.TempDir())},
			meta: FileMeta{FileSize: 1 << 50, TotalChunks: 1},
			want: ErrTooLarge,
		},
		{
			name: "too big for memory",
			meta: FileMeta{FileSize: MaxMemorySinkSize + 1, TotalChunks: 1},
			want: ErrTooLarge,
		},
		{
			name: "more chunks than bytes",
			meta: FileMeta{FileSize: 2, TotalChunks: 1 << 30},
			want: ErrProtocol,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, rx := peer.NewPipe()
			defer tx.Close()
			_, res := startReceiver(context.Background(), rx, tt.cfg)

			meta := tt.meta
			meta.Type = TypeFileMeta
			meta.FileName = "huge.bin"
			sendText(t, tx, meta)

			out := wait(t, res)
			assert.ErrorIs(t, out.err, tt.want)
			assert.Nil(t, out.d)
		})
	}
}
