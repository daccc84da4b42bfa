package download

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/kulikov-labs/gorrent-core/peer"
)

const metadataBlockSize = 16 * 1024

// MetadataHandler implements peer.Handler for magnet-mode metadata fetches
// (BEP-9 ut_metadata over a BEP-10 extension channel): it exchanges the
// extension handshake, learns the info dictionary's size, and requests
// every 16 KiB piece of it until the buffer is complete.
type MetadataHandler struct {
	// HandshakeOnly stops the session as soon as the extension handshake
	// completes, before requesting any metadata pieces. Used by
	// magnet_handshake, which only needs the peer id and ut_metadata id.
	HandshakeOnly bool

	peerID          *[20]byte
	extHandshakeSet bool
	peerMetadataID  *uint8
	metadataSize    int64
	buffer          []byte
	requested       map[int]bool
	received        map[int]bool
	complete        bool
}

// NewMetadataHandler builds a fresh metadata-fetch handler.
func NewMetadataHandler(handshakeOnly bool) *MetadataHandler {
	return &MetadataHandler{
		HandshakeOnly: handshakeOnly,
		requested:     map[int]bool{},
		received:      map[int]bool{},
	}
}

// ShouldStop never forces an early stop on its own; the handler's OnEvent
// returns Stop once metadata fetch (or handshake-only) completes.
func (h *MetadataHandler) ShouldStop() bool { return false }

// PeerID returns the handshake peer id captured in OnConnect, if any.
func (h *MetadataHandler) PeerID() ([20]byte, bool) {
	if h.peerID == nil {
		return [20]byte{}, false
	}
	return *h.peerID, true
}

// PeerMetadataID returns the peer's locally-assigned ut_metadata id learned
// from its extension handshake, if received yet.
func (h *MetadataHandler) PeerMetadataID() (uint8, bool) {
	if h.peerMetadataID == nil {
		return 0, false
	}
	return *h.peerMetadataID, true
}

// MetadataBytes returns the completed info-dictionary bytes, or nil if the
// fetch hasn't finished.
func (h *MetadataHandler) MetadataBytes() []byte {
	if !h.complete {
		return nil
	}
	return h.buffer
}

func (h *MetadataHandler) OnConnect(conn *peer.PeerConnection) (peer.Control, error) {
	id := conn.PeerID()
	h.peerID = &id
	return peer.Continue, nil
}

func (h *MetadataHandler) OnEvent(conn *peer.PeerConnection, event peer.PeerEvent) (peer.Control, error) {
	switch event.Kind {
	case peer.EventHandshakeComplete:
		if !event.ExtensionSupported || h.extHandshakeSet {
			return peer.Continue, nil
		}
		payload := peer.NewMetadataExtensionHandshake().Encode()
		if err := conn.SendExtended(0, payload); err != nil {
			return peer.Reconnect, nil
		}
		h.extHandshakeSet = true
		return peer.Continue, nil

	case peer.EventExtended:
		if event.ExtendedID == 0 {
			return h.handleExtensionHandshake(conn, event.ExtendedPayload)
		}
		// The peer addresses messages to us using the id we advertised in
		// our own handshake ("m"), not the id it assigned itself.
		if event.ExtendedID == peer.LocalMetadataExtensionID {
			return h.handleMetadataPiece(conn, event.ExtendedPayload)
		}
		return peer.Continue, nil

	case peer.EventIOError:
		return peer.Reconnect, nil

	default:
		return peer.Continue, nil
	}
}

func (h *MetadataHandler) handleExtensionHandshake(conn *peer.PeerConnection, payload []byte) (peer.Control, error) {
	ext, err := peer.DecodeExtensionHandshake(payload)
	if err != nil {
		return peer.Stop, fmt.Errorf("metadata: decode extension handshake: %w", err)
	}
	id, ok := ext.ExtensionID(peer.MetadataExtensionName)
	if !ok {
		return peer.Stop, fmt.Errorf("metadata: peer did not advertise ut_metadata")
	}
	h.peerMetadataID = &id

	if ext.MetadataSize == nil {
		return peer.Stop, fmt.Errorf("metadata: missing metadata_size in extension handshake")
	}
	h.metadataSize = *ext.MetadataSize
	h.buffer = make([]byte, h.metadataSize)

	if h.HandshakeOnly {
		return peer.Stop, nil
	}
	return h.requestPiece(conn, 0)
}

func (h *MetadataHandler) requestPiece(conn *peer.PeerConnection, piece int) (peer.Control, error) {
	if h.requested[piece] {
		return peer.Continue, nil
	}
	id, ok := h.PeerMetadataID()
	if !ok {
		return peer.Stop, fmt.Errorf("metadata: no peer ut_metadata id to request piece %d", piece)
	}
	if err := conn.SendExtended(id, peer.MetadataPieceRequest(piece)); err != nil {
		return peer.Reconnect, nil
	}
	h.requested[piece] = true
	return peer.Continue, nil
}

func (h *MetadataHandler) handleMetadataPiece(conn *peer.PeerConnection, payload []byte) (peer.Control, error) {
	msg, err := peer.DecodeMetadataMessage(payload)
	if err != nil {
		return peer.Stop, fmt.Errorf("metadata: decode piece message: %w", err)
	}
	if msg.MsgType == peer.MetadataMsgReject {
		return peer.Stop, fmt.Errorf("metadata: peer rejected metadata request")
	}
	if msg.MsgType != peer.MetadataMsgData {
		// Unknown msg_type: ignored per BEP-10 forward-compatibility rule.
		return peer.Continue, nil
	}

	lastSize := h.metadataSize % metadataBlockSize
	expected := int64(metadataBlockSize)
	if int64(msg.Piece+1)*metadataBlockSize > h.metadataSize {
		expected = lastSize
		if expected == 0 {
			expected = metadataBlockSize
		}
	}
	if int64(len(msg.Data)) != expected {
		return peer.Stop, fmt.Errorf("metadata: piece %d size %d, want %d", msg.Piece, len(msg.Data), expected)
	}

	offset := msg.Piece * metadataBlockSize
	if offset+len(msg.Data) > len(h.buffer) {
		return peer.Stop, fmt.Errorf("metadata: piece %d overruns metadata buffer", msg.Piece)
	}
	copy(h.buffer[offset:], msg.Data)
	h.received[msg.Piece] = true

	expectedPieces := int((h.metadataSize + metadataBlockSize - 1) / metadataBlockSize)
	if len(h.received) >= expectedPieces {
		h.complete = true
		return peer.Stop, nil
	}

	for i := 0; i < expectedPieces; i++ {
		if h.received[i] || h.requested[i] {
			continue
		}
		if _, err := h.requestPiece(conn, i); err != nil {
			log.Warn().Err(err).Int("piece", i).Msg("failed to request metadata piece")
		}
	}
	return peer.Continue, nil
}
