// Package download implements the worker-side handlers that drive a
// peer.Session: FileDownloadHandler for ordinary piece downloads and
// MetadataHandler for ut_metadata magnet-mode metadata fetches, plus the
// Manager that spawns a session per peer and owns the shared piece
// queue and output file.
package download

// ActiveDownload tracks the single piece a worker is currently pulling
// blocks for.
type ActiveDownload struct {
	Index  int
	Offset int64
	Length int64
	Buffer []byte
}

// NewActiveDownload allocates a buffer sized to length for piece index.
func NewActiveDownload(index int, length int64) *ActiveDownload {
	return &ActiveDownload{
		Index:  index,
		Length: length,
		Buffer: make([]byte, length),
	}
}

// Done reports whether every byte of the piece has been received.
func (a *ActiveDownload) Done() bool {
	return a.Offset >= a.Length
}

// NextRequestLength returns the size of the next block to request: the
// canonical 16 KiB, or whatever remains of the piece if that's smaller.
func (a *ActiveDownload) NextRequestLength() uint32 {
	remaining := a.Length - a.Offset
	if remaining > blockSize {
		return blockSize
	}
	return uint32(remaining)
}
