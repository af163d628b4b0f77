package transfer

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

const archiveMimeType = "application/zip"

// ArchiveName returns the bundle name for a multi-file batch.
func ArchiveName(label string) string {
	if label == "" {
		label = time.Now().Format("20060102-150405")
	}
	return "files_" + label + ".zip"
}

func (r *Receiver) archive(files []*fileSession, results []FileResult) (*Delivery, error) {
	var total int64
	for _, fs := range files {
		total += fs.meta.FileSize
	}
	name := ArchiveName(r.cfg.Label)
	sink, err := r.cfg.NewSink(FileMeta{FileName: name, FileSize: 0, FileType: archiveMimeType})
	if err != nil {
		return nil, err
	}

	w := io.NewOffsetWriter(sink, 0)
	zw := zip.NewWriter(w)
	seen := make(map[string]int, len(files))
	for _, fs := range files {
		hdr := &zip.FileHeader{
			Name:     uniqueName(fs.meta.FileName, seen),
			Method:   zip.Deflate,
			Modified: time.Now(),
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			_ = sink.Close()
			return nil, err
		}
		if _, err = io.Copy(fw, io.NewSectionReader(fs.sink, 0, fs.meta.FileSize)); err != nil {
			_ = sink.Close()
			return nil, fmt.Errorf("archive %s: %w", fs.meta.FileName, err)
		}
	}
	if err = zw.Close(); err != nil {
		_ = sink.Close()
		return nil, err
	}
	size, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	for _, fs := range files {
		_ = fs.sink.Close()
	}

	r.logger.Debug().
		Str("name", name).
		Int("files", len(files)).
		Int64("bytes", total).
		Int64("archived", size).
		Msg("batch archived")
	return &Delivery{
		Name:     name,
		MimeType: archiveMimeType,
		Size:     size,
		Data:     io.NewSectionReader(sink, 0, size),
		Files:    results,
		Archived: true,
		sinks:    []ByteSink{sink},
	}, nil
}

// uniqueName keeps archive entries distinct: a second "a.txt" becomes "a (1).txt".
func uniqueName(name string, seen map[string]int) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	n, ok := seen[name]
	seen[name] = n + 1
	if !ok {
		return name
	}
	ext := path.Ext(name)
	candidate := fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
	return uniqueName(candidate, seen)
}
