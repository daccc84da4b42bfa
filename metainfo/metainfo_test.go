package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/kulikov-labs/gorrent-core/bencode"
)

func sampleTorrentBytes(t *testing.T) []byte {
	t.Helper()
	hash1 := sha1.Sum([]byte("piece-0-bytes-000000"))
	hash2 := sha1.Sum([]byte("piece-1-bytes-000000"))
	hash3 := sha1.Sum([]byte("piece-2-bytes-0"))
	pieces := append(append(append([]byte{}, hash1[:]...), hash2[:]...), hash3[:]...)

	info := bencode.NewData(map[string]*bencode.Data{
		"length":       bencode.NewData(int64(92063)),
		"piece length": bencode.NewData(int64(32768)),
		"pieces":       bencode.NewData(pieces),
	})
	root := bencode.NewData(map[string]*bencode.Data{
		"announce": bencode.NewData("http://tracker/announce"),
		"info":     info,
	})
	return bencode.Encode(root)
}

func TestFromBytes(t *testing.T) {
	m, err := FromBytes(sampleTorrentBytes(t))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if m.Announce != "http://tracker/announce" {
		t.Errorf("Announce = %q", m.Announce)
	}
	if m.Length != 92063 {
		t.Errorf("Length = %d", m.Length)
	}
	if m.PieceLength != 32768 {
		t.Errorf("PieceLength = %d", m.PieceLength)
	}
	if m.NumPieces() != 3 {
		t.Fatalf("NumPieces = %d, want 3", m.NumPieces())
	}
}

func TestPieceLenSumsToLength(t *testing.T) {
	m, err := FromBytes(sampleTorrentBytes(t))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	var sum int64
	for i := 0; i < m.NumPieces(); i++ {
		l, err := m.PieceLen(i)
		if err != nil {
			t.Fatalf("PieceLen(%d): %v", i, err)
		}
		if i < m.NumPieces()-1 && l != m.PieceLength {
			t.Errorf("PieceLen(%d) = %d, want %d", i, l, m.PieceLength)
		}
		sum += l
	}
	if sum != m.Length {
		t.Errorf("sum of piece lengths = %d, want %d", sum, m.Length)
	}
}

func TestPieceLenExactMultipleClampsLastPiece(t *testing.T) {
	info := bencode.NewData(map[string]*bencode.Data{
		"length":       bencode.NewData(int64(64)),
		"piece length": bencode.NewData(int64(32)),
		"pieces":       bencode.NewData(make([]byte, 40)),
	})
	root := bencode.NewData(map[string]*bencode.Data{
		"announce": bencode.NewData("http://tracker/announce"),
		"info":     info,
	})
	m, err := FromBytes(bencode.Encode(root))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	last, err := m.PieceLen(1)
	if err != nil {
		t.Fatalf("PieceLen(1): %v", err)
	}
	if last != 32 {
		t.Errorf("last piece length = %d, want 32 (clamped)", last)
	}
}

func TestMultiFileRejected(t *testing.T) {
	files := bencode.NewData([]*bencode.Data{
		bencode.NewData(map[string]*bencode.Data{
			"length": bencode.NewData(int64(10)),
			"path":   bencode.NewData([]*bencode.Data{bencode.NewData("a.txt")}),
		}),
	})
	info := bencode.NewData(map[string]*bencode.Data{
		"piece length": bencode.NewData(int64(32768)),
		"pieces":       bencode.NewData(make([]byte, 20)),
		"files":        files,
	})
	root := bencode.NewData(map[string]*bencode.Data{
		"announce": bencode.NewData("http://tracker/announce"),
		"info":     info,
	})
	_, err := FromBytes(bencode.Encode(root))
	if err != ErrMultiFile {
		t.Fatalf("err = %v, want ErrMultiFile", err)
	}
}

func TestInfoHashRoundTrip(t *testing.T) {
	content := sampleTorrentBytes(t)
	m, err := FromBytes(content)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	reEncoded := m.Bencode()
	again, err := FromBytes(reEncoded)
	if err != nil {
		t.Fatalf("FromBytes(re-encoded): %v", err)
	}
	if again.InfoHash != m.InfoHash {
		t.Errorf("info hash changed across re-encode round trip")
	}
}
