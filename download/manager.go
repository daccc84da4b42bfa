package download

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kulikov-labs/gorrent-core/metainfo"
	"github.com/kulikov-labs/gorrent-core/peer"
	"github.com/kulikov-labs/gorrent-core/piecequeue"
	"github.com/kulikov-labs/gorrent-core/tracker"
)

// ManagerConfig tunes the peer sessions a Manager spawns.
type ManagerConfig struct {
	ClientPeerID [20]byte
	ListenPort   uint16
	DialTimeout  time.Duration
	Session      peer.SessionConfig
}

// Manager orchestrates a full-file download: it announces to the tracker,
// creates the shared piece queue and output file, spawns one peer session
// per discovered peer, and waits for completion.
type Manager struct {
	meta     *metainfo.Metainfo
	config   ManagerConfig
	progress ProgressRecorder
}

// NewManager builds a Manager for meta using config.
func NewManager(meta *metainfo.Metainfo, config ManagerConfig, progress ProgressRecorder) *Manager {
	return &Manager{meta: meta, config: config, progress: progress}
}

// Download announces to the tracker, downloads every piece in parallel
// across the discovered peers, and writes the assembled file to outPath.
// It returns once every piece has been downloaded and verified.
func (m *Manager) Download(ctx context.Context, outPath string) error {
	peers, err := m.announce()
	if err != nil {
		return m.recordError(fmt.Errorf("download: announce: %w", err))
	}
	if len(peers) == 0 {
		return m.recordError(fmt.Errorf("download: tracker returned no peers"))
	}

	if err := m.downloadFromPeers(ctx, peers, outPath); err != nil {
		return m.recordError(err)
	}
	return nil
}

// DownloadPiece downloads a single piece (used by the download_piece CLI
// verb) and writes it to outPath as the only content of that file.
func (m *Manager) DownloadPiece(ctx context.Context, index int, outPath string) error {
	peers, err := m.announce()
	if err != nil {
		return m.recordError(fmt.Errorf("download: announce: %w", err))
	}
	if len(peers) == 0 {
		return m.recordError(fmt.Errorf("download: tracker returned no peers"))
	}

	length, err := m.meta.PieceLen(index)
	if err != nil {
		return m.recordError(err)
	}
	output, err := CreateOutput(outPath, length)
	if err != nil {
		return m.recordError(err)
	}
	defer output.Close()

	queue := piecequeue.NewFromIndices([]int{index})

	if err := m.runWorkers(ctx, peers, func(addr string) peer.Handler {
		return NewSinglePieceDownloadHandler(queue, m.meta, output, m.progress, addr)
	}, queue); err != nil {
		return m.recordError(err)
	}
	return nil
}

func (m *Manager) downloadFromPeers(ctx context.Context, peers []tracker.PeerAddr, outPath string) error {
	output, err := CreateOutput(outPath, m.meta.Length)
	if err != nil {
		return err
	}
	defer output.Close()

	pieceIDs := m.meta.NumPieces()
	queue := piecequeue.New(pieceIDs)

	return m.runWorkers(ctx, peers, func(addr string) peer.Handler {
		return NewFileDownloadHandler(queue, m.meta, output, m.progress, addr)
	}, queue)
}

// runWorkers spawns one PeerSession per peer address, each driven by a
// handler newHandler builds, then waits for the shared queue to finish
// before joining every worker goroutine.
func (m *Manager) runWorkers(ctx context.Context, peers []tracker.PeerAddr, newHandler func(addr string) peer.Handler, queue *piecequeue.PieceQueue) error {
	var wg sync.WaitGroup
	for _, p := range peers {
		addr := p.String()
		wg.Add(1)
		go func() {
			defer wg.Done()
			session := peer.NewSession(addr, m.meta.InfoHash, m.config.ClientPeerID, false, m.config.DialTimeout, m.config.Session)
			if err := session.Run(ctx, newHandler(addr)); err != nil {
				log.Warn().Str("peer", addr).Err(err).Msg("peer worker exited")
			}
		}()
	}

	queue.WaitUntilFinished()
	wg.Wait()

	if queue.Completed() < queue.Total() {
		return fmt.Errorf("download: incomplete, %d/%d pieces downloaded", queue.Completed(), queue.Total())
	}
	return nil
}

func (m *Manager) announce() ([]tracker.PeerAddr, error) {
	t, err := tracker.New(m.meta.Announce)
	if err != nil {
		return nil, err
	}
	resp, err := t.Announce(tracker.AnnounceRequest{
		InfoHash: m.meta.InfoHash,
		PeerID:   m.config.ClientPeerID,
		Port:     m.config.ListenPort,
		Left:     m.meta.Length,
	})
	if err != nil {
		return nil, err
	}
	if m.progress != nil {
		if err := m.progress.RecordAnnounce(m.meta.Announce, resp); err != nil {
			log.Warn().Err(err).Str("announce", m.meta.Announce).Msg("failed to record tracker announce")
		}
	}
	return resp.Peers, nil
}

// recordError flags the download as failed in the progress store, if one is
// attached, then returns err unchanged so callers can still propagate it.
func (m *Manager) recordError(err error) error {
	if m.progress != nil && err != nil {
		if recErr := m.progress.RecordDownloadError(err); recErr != nil {
			log.Warn().Err(recErr).Msg("failed to record download error")
		}
	}
	return err
}
