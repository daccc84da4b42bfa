package download

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kulikov-labs/gorrent-core/peer"
)

// stubMetadataPeerServer performs the handshake with the extension bit set,
// sends the extension handshake advertising a ut_metadata id, then serves
// ut_metadata piece requests out of infoBytes.
func stubMetadataPeerServer(t *testing.T, ln net.Listener, infoHash [20]byte, peerMetadataID uint8, infoBytes []byte) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	req, err := peer.ReadHandshake(conn)
	if err != nil || req.InfoHash != infoHash || !req.Extension {
		t.Errorf("stub: bad handshake: %+v, err=%v", req, err)
		return
	}
	resp := peer.NewHandshake(infoHash, [20]byte{8, 8, 8}, true)
	conn.Write(resp.Serialize())

	extHandshake := peer.ExtensionHandshake{M: map[string]uint8{peer.MetadataExtensionName: peerMetadataID}}
	size := int64(len(infoBytes))
	extHandshake.MetadataSize = &size
	conn.Write(peer.NewExtendedMessage(0, extHandshake.Encode()).Serialize())

	for {
		msg, err := peer.ReadMessage(conn)
		if err != nil {
			return
		}
		if msg == nil || msg.ID != peer.MsgExtended {
			continue
		}
		extID, body, err := peer.ParseExtended(msg.Payload)
		if err != nil || extID != peerMetadataID {
			continue
		}
		reqMsg, err := peer.DecodeMetadataMessage(body)
		if err != nil {
			t.Errorf("stub: decode metadata request: %v", err)
			return
		}
		piece := reqMsg.Piece
		start := piece * 16384
		end := start + 16384
		if end > len(infoBytes) {
			end = len(infoBytes)
		}
		data := infoBytes[start:end]
		payload := encodeMetadataDataMessage(piece, size, data)
		conn.Write(peer.NewExtendedMessage(peer.LocalMetadataExtensionID, payload).Serialize())
	}
}

func encodeMetadataDataMessage(piece int, totalSize int64, data []byte) []byte {
	header := []byte("d8:msg_typei1e5:piecei" + itoa(piece) + "e10:total_sizei" + itoa64(totalSize) + "ee")
	return append(header, data...)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf []byte
	for v > 0 {
		buf = append([]byte{byte('0' + v%10)}, buf...)
		v /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func itoa64(v int64) string {
	return itoa(int(v))
}

func TestMetadataHandlerHandshakeOnly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	infoHash := [20]byte{1, 2, 3}
	go stubMetadataPeerServer(t, ln, infoHash, 5, []byte("d4:infoi1ee"))

	handler := NewMetadataHandler(true)
	session := peer.NewSession(ln.Addr().String(), infoHash, [20]byte{7}, true, 5*time.Second, peer.DefaultSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Run(ctx, handler); err != nil {
		t.Fatalf("session.Run: %v", err)
	}

	peerID, ok := handler.PeerID()
	if !ok {
		t.Fatalf("PeerID() not set")
	}
	if peerID != [20]byte{8, 8, 8} {
		t.Errorf("PeerID() = %x, want 080808...", peerID)
	}
	metadataID, ok := handler.PeerMetadataID()
	if !ok || metadataID != 5 {
		t.Errorf("PeerMetadataID() = (%d, %v), want (5, true)", metadataID, ok)
	}
	if handler.MetadataBytes() != nil {
		t.Errorf("MetadataBytes() should be nil for handshake-only fetch")
	}
}

func TestMetadataHandlerFullFetch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	infoHash := [20]byte{1, 2, 3}
	infoBytes := []byte("d6:lengthi11e12:piece lengthi11e6:pieces20:01234567890123456789e")
	go stubMetadataPeerServer(t, ln, infoHash, 5, infoBytes)

	handler := NewMetadataHandler(false)
	session := peer.NewSession(ln.Addr().String(), infoHash, [20]byte{7}, true, 5*time.Second, peer.DefaultSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Run(ctx, handler); err != nil {
		t.Fatalf("session.Run: %v", err)
	}

	got := handler.MetadataBytes()
	if string(got) != string(infoBytes) {
		t.Errorf("MetadataBytes() = %q, want %q", got, infoBytes)
	}
}
