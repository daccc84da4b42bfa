package download

import (
	"crypto/sha1"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/kulikov-labs/gorrent-core/metainfo"
	"github.com/kulikov-labs/gorrent-core/peer"
	"github.com/kulikov-labs/gorrent-core/piecequeue"
	"github.com/kulikov-labs/gorrent-core/tracker"
)

const blockSize = peer.BlockSize

// PieceCompletionTracker is the subset of db.Database the file handler
// needs; it lets the manager pass a real *db.Database without this package
// importing db, and keeps the core engine's persistence dependency
// optional: a handler built with a nil tracker still works, it just
// doesn't record progress.
type PieceCompletionTracker interface {
	MarkPieceDownloaded(index int) error
}

// ProgressRecorder is the full subset of db.Database the Manager needs: in
// addition to piece completion, it persists each tracker announce's result
// and flags a download as failed when it gives up. Like
// PieceCompletionTracker, a Manager built with a nil ProgressRecorder still
// runs; it just downloads without a persistence trail.
type ProgressRecorder interface {
	PieceCompletionTracker
	RecordAnnounce(announceURL string, resp *tracker.AnnounceResponse) error
	RecordDownloadError(err error) error
}

// FileDownloadHandler implements peer.Handler for ordinary (non-magnet)
// piece downloads: it pulls piece indices off the shared queue, requests
// blocks in order, verifies each completed piece's SHA-1, and persists it
// into the shared Output.
type FileDownloadHandler struct {
	queue    *piecequeue.PieceQueue
	meta     *metainfo.Metainfo
	output   *Output
	progress PieceCompletionTracker
	peerAddr string

	// singlePiece is set by NewSinglePieceDownloadHandler for the
	// download_piece verb, whose output file holds exactly one piece's
	// bytes: the piece is written at offset 0 regardless of its real index
	// within the torrent.
	singlePiece bool

	active *ActiveDownload
}

// NewFileDownloadHandler builds a handler sharing queue/output/meta with
// every other worker downloading the same torrent. progress may be nil.
func NewFileDownloadHandler(queue *piecequeue.PieceQueue, meta *metainfo.Metainfo, output *Output, progress PieceCompletionTracker, peerAddr string) *FileDownloadHandler {
	return &FileDownloadHandler{
		queue:    queue,
		meta:     meta,
		output:   output,
		progress: progress,
		peerAddr: peerAddr,
	}
}

// NewSinglePieceDownloadHandler builds a handler for the download_piece verb,
// whose output file is sized to exactly one piece rather than the whole
// torrent. The piece is written at offset 0 in that file instead of its
// offset within the full torrent.
func NewSinglePieceDownloadHandler(queue *piecequeue.PieceQueue, meta *metainfo.Metainfo, output *Output, progress PieceCompletionTracker, peerAddr string) *FileDownloadHandler {
	h := NewFileDownloadHandler(queue, meta, output, progress, peerAddr)
	h.singlePiece = true
	return h
}

// ShouldStop reports whether the shared queue has finished and this worker
// holds no active piece: once every piece is downloaded there's nothing
// left for this worker to do.
func (h *FileDownloadHandler) ShouldStop() bool {
	return h.queue.IsShutdown() && h.active == nil
}

// OnConnect requeues any piece left over from a previous connection attempt
// and announces interest.
func (h *FileDownloadHandler) OnConnect(conn *peer.PeerConnection) (peer.Control, error) {
	h.requeueActive()
	if err := conn.SendInterested(); err != nil {
		return peer.Stop, fmt.Errorf("download: send interested to %s: %w", h.peerAddr, err)
	}
	return peer.Continue, nil
}

// OnEvent dispatches a single connection event per spec §4.4.
func (h *FileDownloadHandler) OnEvent(conn *peer.PeerConnection, event peer.PeerEvent) (peer.Control, error) {
	switch event.Kind {
	case peer.EventChoke:
		h.requeueActive()
		return peer.Reconnect, nil

	case peer.EventUnchoke:
		if h.active == nil {
			return h.startNextPiece(conn)
		}
		return h.sendNextRequest(conn)

	case peer.EventPiece:
		return h.handlePiece(conn, event)

	case peer.EventIOError:
		h.requeueActive()
		return peer.Reconnect, nil

	default:
		return peer.Continue, nil
	}
}

func (h *FileDownloadHandler) requeueActive() {
	if h.active != nil {
		h.queue.Push(h.active.Index)
		h.active = nil
	}
}

// startNextPiece pops the next piece index off the shared queue and issues
// its first block request. Pop blocks while the queue is empty but not yet
// finished; once the queue has finished with nothing left, it stops.
func (h *FileDownloadHandler) startNextPiece(conn *peer.PeerConnection) (peer.Control, error) {
	index, ok := h.queue.Pop()
	if !ok {
		return peer.Stop, nil
	}
	length, err := h.meta.PieceLen(index)
	if err != nil {
		return peer.Stop, fmt.Errorf("download: piece length for %d: %w", index, err)
	}
	h.active = NewActiveDownload(index, length)
	return h.sendNextRequest(conn)
}

func (h *FileDownloadHandler) sendNextRequest(conn *peer.PeerConnection) (peer.Control, error) {
	if h.active == nil || h.active.Done() {
		return peer.Continue, nil
	}
	length := h.active.NextRequestLength()
	msg := peer.NewRequestMessage(uint32(h.active.Index), uint32(h.active.Offset), length)
	if err := conn.Send(msg); err != nil {
		h.requeueActive()
		return peer.Reconnect, nil
	}
	return peer.Continue, nil
}

func (h *FileDownloadHandler) handlePiece(conn *peer.PeerConnection, event peer.PeerEvent) (peer.Control, error) {
	if h.active == nil || int(event.PieceIndex) != h.active.Index || int64(event.Begin) != h.active.Offset {
		// Stale or duplicate block for a piece we're no longer working on.
		return peer.Continue, nil
	}

	end := int64(event.Begin) + int64(len(event.Block))
	if end > h.active.Length {
		index := h.active.Index
		h.requeueActive()
		return peer.Stop, fmt.Errorf("%w: piece %d begin %d len %d exceeds piece length", ErrBlockOverrun, index, event.Begin, len(event.Block))
	}

	copy(h.active.Buffer[event.Begin:], event.Block)
	h.active.Offset += int64(len(event.Block))

	if !h.active.Done() {
		return h.sendNextRequest(conn)
	}

	return h.finishPiece(conn)
}

func (h *FileDownloadHandler) finishPiece(conn *peer.PeerConnection) (peer.Control, error) {
	index := h.active.Index
	sum := sha1.Sum(h.active.Buffer)
	expected, err := h.meta.PieceHash(index)
	if err != nil {
		h.requeueActive()
		return peer.Stop, fmt.Errorf("download: piece hash for %d: %w", index, err)
	}
	if sum != expected {
		h.requeueActive()
		log.Warn().Err(ErrHashMismatch).Int("piece", index).Str("peer", h.peerAddr).Msg("piece failed verification, requeued")
		return peer.Reconnect, nil
	}

	offset := int64(index) * h.meta.PieceLength
	if h.singlePiece {
		offset = 0
	}
	if err := h.output.WriteAt(offset, h.active.Buffer); err != nil {
		h.requeueActive()
		return peer.Stop, err
	}

	h.active = nil
	h.queue.MarkCompleted()
	if h.progress != nil {
		if err := h.progress.MarkPieceDownloaded(index); err != nil {
			log.Warn().Err(err).Int("piece", index).Msg("failed to record piece completion")
		}
	}

	if h.queue.IsShutdown() {
		return peer.Stop, nil
	}
	return h.startNextPiece(conn)
}
