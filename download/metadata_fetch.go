package download

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kulikov-labs/gorrent-core/magnet"
	"github.com/kulikov-labs/gorrent-core/metainfo"
	"github.com/kulikov-labs/gorrent-core/peer"
	"github.com/kulikov-labs/gorrent-core/tracker"
)

// FetchMetadataResult carries what a magnet-mode metadata fetch learned
// from the first peer that completed (or, with handshakeOnly, merely
// extension-handshook with) it.
type FetchMetadataResult struct {
	PeerID         [20]byte
	PeerMetadataID uint8
	Metainfo       *metainfo.Metainfo // nil when handshakeOnly
}

// FetchMetadata announces to m's first tracker, then tries peers in turn with a
// MetadataHandler until one completes the extension handshake (handshakeOnly)
// or the full ut_metadata transfer. It returns the result from the first
// peer that succeeds.
func FetchMetadata(ctx context.Context, m *magnet.Magnet, clientPeerID [20]byte, listenPort uint16, dialTimeout time.Duration, sessionConfig peer.SessionConfig, handshakeOnly bool) (*FetchMetadataResult, error) {
	infoHash, err := m.InfoHash()
	if err != nil {
		return nil, err
	}
	if len(m.Trackers) == 0 {
		return nil, fmt.Errorf("metadata: magnet has no trackers")
	}

	peers, err := announceMagnet(m, infoHash, clientPeerID, listenPort)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("metadata: tracker returned no peers")
	}

	// A metadata fetch only needs one peer to succeed; MaxRetries = 1 gives
	// each peer a single connection attempt (no reconnect after a failure or
	// a dropped connection), so a dead peer can't stall the whole fetch.
	oneShot := sessionConfig
	oneShot.MaxRetries = 1

	var lastErr error
	for _, p := range peers {
		addr := p.String()
		handler := NewMetadataHandler(handshakeOnly)
		session := peer.NewSession(addr, infoHash, clientPeerID, true, dialTimeout, oneShot)
		if err := session.Run(ctx, handler); err != nil {
			log.Warn().Str("peer", addr).Err(err).Msg("metadata fetch failed, trying next peer")
			lastErr = err
			continue
		}

		peerID, _ := handler.PeerID()
		metadataID, _ := handler.PeerMetadataID()
		result := &FetchMetadataResult{PeerID: peerID, PeerMetadataID: metadataID}

		if handshakeOnly {
			return result, nil
		}

		infoBytes := handler.MetadataBytes()
		if infoBytes == nil {
			lastErr = fmt.Errorf("metadata: peer %s closed before completing transfer", addr)
			continue
		}
		meta, err := metainfo.FromInfoBytes(m.Trackers[0], infoBytes)
		if err != nil {
			return nil, fmt.Errorf("metadata: received info bytes didn't parse: %w", err)
		}
		if meta.InfoHash != infoHash {
			return nil, fmt.Errorf("metadata: reconstructed info hash doesn't match magnet")
		}
		result.Metainfo = meta
		return result, nil
	}

	return nil, fmt.Errorf("metadata: no peer completed the fetch: %w", lastErr)
}

func announceMagnet(m *magnet.Magnet, infoHash, clientPeerID [20]byte, listenPort uint16) ([]tracker.PeerAddr, error) {
	t, err := tracker.New(m.Trackers[0])
	if err != nil {
		return nil, err
	}
	resp, err := t.Announce(tracker.AnnounceRequest{
		InfoHash: infoHash,
		PeerID:   clientPeerID,
		Port:     listenPort,
		Left:     1,
	})
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}
