package download

import (
	"fmt"
	"os"
	"sync"
)

// Output is the shared output sink: a single file, pre-sized to the
// torrent's total length (or, for download_piece, to the one piece's
// length), written at piece offsets under a mutex so
// concurrent workers never interleave partial writes.
type Output struct {
	mu   sync.Mutex
	file *os.File
}

// CreateOutput creates (or truncates) the file at path and sets its length
// to size, as spec §6 requires: "Files are created with exactly length
// bytes."
func CreateOutput(path string, size int64) (*Output, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("download: create output %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("download: truncate output %s to %d: %w", path, size, err)
	}
	return &Output{file: f}, nil
}

// WriteAt writes data at the given byte offset. Writes are idempotent with
// respect to content: the same offset always receives the same bytes, so a
// duplicate write from a retried piece is harmless. The caller computes the
// offset, since it depends on whether the output holds the whole torrent
// (offset = index * pieceLength) or a single piece in isolation (offset 0),
// per download_piece semantics.
func (o *Output) WriteAt(offset int64, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("download: write at offset %d: %w", offset, err)
	}
	return nil
}

// Close closes the underlying file.
func (o *Output) Close() error {
	return o.file.Close()
}
