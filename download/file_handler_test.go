package download

import (
	"context"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kulikov-labs/gorrent-core/metainfo"
	"github.com/kulikov-labs/gorrent-core/peer"
	"github.com/kulikov-labs/gorrent-core/piecequeue"
)

// stubPeerServer accepts a single connection, performs the BitTorrent
// handshake, announces Unchoke, and serves every Request with the matching
// slice of pieces concatenated together (single-file, any piece length).
func stubPeerServer(t *testing.T, ln net.Listener, infoHash [20]byte, pieceData [][]byte) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	req, err := peer.ReadHandshake(conn)
	if err != nil {
		t.Errorf("stub: read handshake: %v", err)
		return
	}
	if req.InfoHash != infoHash {
		t.Errorf("stub: info hash mismatch")
		return
	}
	resp := peer.NewHandshake(infoHash, [20]byte{9, 9, 9}, false)
	if _, err := conn.Write(resp.Serialize()); err != nil {
		t.Errorf("stub: write handshake: %v", err)
		return
	}

	unchoke := &peer.Message{ID: peer.MsgUnchoke}
	if _, err := conn.Write(unchoke.Serialize()); err != nil {
		t.Errorf("stub: write unchoke: %v", err)
		return
	}

	for {
		msg, err := peer.ReadMessage(conn)
		if err != nil {
			return
		}
		if msg == nil || msg.ID != peer.MsgRequest {
			continue
		}
		index, begin, length, err := decodeRequestForTest(msg.Payload)
		if err != nil {
			t.Errorf("stub: decode request: %v", err)
			return
		}
		data := pieceData[index][begin : begin+length]
		payload := make([]byte, 8+len(data))
		putUint32(payload[0:4], index)
		putUint32(payload[4:8], begin)
		copy(payload[8:], data)
		out := &peer.Message{ID: peer.MsgPiece, Payload: payload}
		if _, err := conn.Write(out.Serialize()); err != nil {
			return
		}
	}
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func decodeRequestForTest(payload []byte) (index, begin, length uint32, err error) {
	index = uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	begin = uint32(payload[4])<<24 | uint32(payload[5])<<16 | uint32(payload[6])<<8 | uint32(payload[7])
	length = uint32(payload[8])<<24 | uint32(payload[9])<<16 | uint32(payload[10])<<8 | uint32(payload[11])
	return index, begin, length, nil
}

func buildTestMetainfo(t *testing.T, pieceData [][]byte, pieceLength int64, total int64) *metainfo.Metainfo {
	t.Helper()
	var pieces []byte
	for _, p := range pieceData {
		h := sha1.Sum(p)
		pieces = append(pieces, h[:]...)
	}
	return &metainfo.Metainfo{
		Announce:    "http://tracker.example.com/announce",
		Length:      total,
		PieceLength: pieceLength,
		Pieces:      pieces,
		InfoHash:    [20]byte{1, 2, 3, 4, 5},
	}
}

func TestFileDownloadHandlerSinglePiece(t *testing.T) {
	data := []byte("hello world")
	meta := buildTestMetainfo(t, [][]byte{data}, int64(len(data)), int64(len(data)))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go stubPeerServer(t, ln, meta.InfoHash, [][]byte{data})

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")
	output, err := CreateOutput(outPath, meta.Length)
	if err != nil {
		t.Fatalf("CreateOutput: %v", err)
	}

	queue := piecequeue.New(1)
	handler := NewFileDownloadHandler(queue, meta, output, nil, ln.Addr().String())
	session := peer.NewSession(ln.Addr().String(), meta.InfoHash, [20]byte{7}, false, 5*time.Second, peer.DefaultSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Run(ctx, handler); err != nil {
		t.Fatalf("session.Run: %v", err)
	}
	output.Close()

	if queue.Completed() != 1 {
		t.Errorf("Completed() = %d, want 1", queue.Completed())
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("output = %q, want %q", got, data)
	}
}

func TestSinglePieceDownloadHandlerWritesAtOffsetZero(t *testing.T) {
	p0 := []byte("0123456789")
	p1 := []byte("abcdefghij")
	p2 := []byte("XY")
	pieces := [][]byte{p0, p1, p2}
	total := int64(len(p0) + len(p1) + len(p2))
	meta := buildTestMetainfo(t, pieces, int64(len(p0)), total)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go stubPeerServer(t, ln, meta.InfoHash, pieces)

	dir := t.TempDir()
	outPath := filepath.Join(dir, "piece1.bin")
	// download_piece sizes the output to the single piece it wants, not the
	// whole torrent.
	output, err := CreateOutput(outPath, int64(len(p1)))
	if err != nil {
		t.Fatalf("CreateOutput: %v", err)
	}

	queue := piecequeue.NewFromIndices([]int{1})
	handler := NewSinglePieceDownloadHandler(queue, meta, output, nil, ln.Addr().String())
	session := peer.NewSession(ln.Addr().String(), meta.InfoHash, [20]byte{7}, false, 5*time.Second, peer.DefaultSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Run(ctx, handler); err != nil {
		t.Fatalf("session.Run: %v", err)
	}
	output.Close()

	if queue.Completed() != 1 {
		t.Errorf("Completed() = %d, want 1", queue.Completed())
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != string(p1) {
		t.Errorf("output = %q, want %q (piece 1's bytes at offset 0, not offset %d)", got, p1, int64(len(p0)))
	}
}

func TestFileDownloadHandlerMultiplePieces(t *testing.T) {
	p0 := []byte("0123456789")
	p1 := []byte("abcdefghij")
	p2 := []byte("XY")
	pieces := [][]byte{p0, p1, p2}
	total := int64(len(p0) + len(p1) + len(p2))
	meta := buildTestMetainfo(t, pieces, int64(len(p0)), total)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go stubPeerServer(t, ln, meta.InfoHash, pieces)

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")
	output, err := CreateOutput(outPath, meta.Length)
	if err != nil {
		t.Fatalf("CreateOutput: %v", err)
	}

	queue := piecequeue.New(3)
	handler := NewFileDownloadHandler(queue, meta, output, nil, ln.Addr().String())
	session := peer.NewSession(ln.Addr().String(), meta.InfoHash, [20]byte{7}, false, 5*time.Second, peer.DefaultSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Run(ctx, handler); err != nil {
		t.Fatalf("session.Run: %v", err)
	}
	output.Close()

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	want := string(p0) + string(p1) + string(p2)
	if string(got) != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if queue.Completed() != 3 {
		t.Errorf("Completed() = %d, want 3", queue.Completed())
	}
}
