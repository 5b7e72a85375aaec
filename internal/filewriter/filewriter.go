// Package filewriter maps absolute byte offsets into a torrent's content
// onto the correct file(s) on disk and writes through to them. It is the
// only component that opens and holds the torrent's output file handles.
package filewriter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cenkalti/rain-leech/internal/disablereadahead"
	"github.com/cenkalti/rain-leech/logger"
	"github.com/cenkalti/rain-leech/metainfo"
)

// entry is one file in the set, sorted by GlobalStartOffset.
type entry struct {
	start  int64
	length int64
	file   *os.File
}

// Writer owns the open file handles for a torrent's output and routes
// writes of verified piece data to the right byte ranges.
type Writer struct {
	entries []entry
	log     logger.Logger
}

// Open creates (truncating to the right size) every file named by files
// under destDir, creating parent directories as needed, and returns a
// Writer ready to receive piece data.
func Open(destDir string, files []metainfo.FileInfo, log logger.Logger) (*Writer, error) {
	w := &Writer{
		entries: make([]entry, len(files)),
		log:     log,
	}
	for i, f := range files {
		full := filepath.Join(destDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
			closeAll(w.entries[:i])
			return nil, fmt.Errorf("filewriter: creating directory for %q: %w", f.Path, err)
		}
		fh, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o640) // nolint: gosec
		if err != nil {
			closeAll(w.entries[:i])
			return nil, fmt.Errorf("filewriter: opening %q: %w", f.Path, err)
		}
		if err := fh.Truncate(f.Length); err != nil {
			_ = fh.Close()
			closeAll(w.entries[:i])
			return nil, fmt.Errorf("filewriter: truncating %q: %w", f.Path, err)
		}
		_ = disablereadahead.Disable(fh)
		w.entries[i] = entry{start: f.GlobalStartOffset, length: f.Length, file: fh}
	}
	sort.Slice(w.entries, func(i, j int) bool { return w.entries[i].start < w.entries[j].start })
	return w, nil
}

func closeAll(entries []entry) {
	for _, e := range entries {
		_ = e.file.Close()
	}
}

// Close closes every open file handle.
func (w *Writer) Close() error {
	var firstErr error
	for _, e := range w.entries {
		if err := e.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WriteAt writes data at globalOffset, spanning as many files as needed.
// Every byte offset in [0, total_length) belongs to exactly one file, so
// this always terminates once data is exhausted.
func (w *Writer) WriteAt(data []byte, globalOffset int64) error {
	idx := w.fileIndexFor(globalOffset)
	if idx < 0 {
		return fmt.Errorf("filewriter: offset %d out of range", globalOffset)
	}
	for len(data) > 0 {
		if idx >= len(w.entries) {
			return fmt.Errorf("filewriter: write overruns file set at offset %d", globalOffset)
		}
		e := w.entries[idx]
		inFileOffset := globalOffset - e.start
		remaining := e.length - inFileOffset
		n := int64(len(data))
		if n > remaining {
			n = remaining
		}
		if _, err := e.file.WriteAt(data[:n], inFileOffset); err != nil {
			return fmt.Errorf("filewriter: writing to file at offset %d: %w", inFileOffset, err)
		}
		data = data[n:]
		globalOffset += n
		idx++
	}
	return nil
}

// ReadAt reads len(buf) bytes starting at globalOffset, spanning files as
// needed. Used to serve upload-free reads such as verifying written data.
func (w *Writer) ReadAt(buf []byte, globalOffset int64) (int, error) {
	idx := w.fileIndexFor(globalOffset)
	if idx < 0 {
		return 0, fmt.Errorf("filewriter: offset %d out of range", globalOffset)
	}
	total := 0
	for len(buf) > 0 {
		if idx >= len(w.entries) {
			if total > 0 {
				return total, nil
			}
			return total, io.EOF
		}
		e := w.entries[idx]
		inFileOffset := globalOffset - e.start
		remaining := e.length - inFileOffset
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		m, err := e.file.ReadAt(buf[:n], inFileOffset)
		total += m
		if err != nil && err != io.EOF {
			return total, err
		}
		buf = buf[m:]
		globalOffset += int64(m)
		idx++
	}
	return total, nil
}

// fileIndexFor locates the first entry whose [start, start+length) range
// contains globalOffset, via binary search over the sorted entries.
func (w *Writer) fileIndexFor(globalOffset int64) int {
	i := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].start+w.entries[i].length > globalOffset
	})
	if i == len(w.entries) {
		return -1
	}
	return i
}
