// Package metainfo parses single-file .torrent metainfo dictionaries into
// the read-only structure the peer-session engine consumes.
package metainfo

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/kulikov-labs/gorrent-core/bencode"
)

// Metainfo is the read-only, shared description of a single-file torrent.
type Metainfo struct {
	Announce    string
	Length      int64
	PieceLength int64
	Pieces      []byte // concatenated 20-byte SHA-1 piece hashes
	InfoHash    [20]byte
}

// ErrMultiFile is returned when the info dictionary describes a multi-file
// torrent. Multi-file torrents are out of scope (single-file only).
var ErrMultiFile = fmt.Errorf("metainfo: multi-file torrents are not supported")

// Parse reads and parses a .torrent file from disk.
func Parse(path string) (*Metainfo, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: read %s: %w", path, err)
	}
	return FromBytes(content)
}

// FromBytes decodes a bencoded metainfo dictionary.
func FromBytes(content []byte) (*Metainfo, error) {
	data, _, err := bencode.Decode(content)
	if err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}
	if data == nil || data.Type != bencode.DICT {
		return nil, fmt.Errorf("metainfo: top-level value is not a dictionary")
	}
	root := data.AsDict()

	announceData, ok := root["announce"]
	if !ok || announceData.Type != bencode.STRING {
		return nil, fmt.Errorf("metainfo: missing announce")
	}

	infoData, ok := root["info"]
	if !ok || infoData.Type != bencode.DICT {
		return nil, fmt.Errorf("metainfo: missing info dictionary")
	}
	info := infoData.AsDict()

	if _, ok := info["files"]; ok {
		return nil, ErrMultiFile
	}

	lengthData, ok := info["length"]
	if !ok || lengthData.Type != bencode.INTEGER {
		return nil, fmt.Errorf("metainfo: missing info.length")
	}

	pieceLengthData, ok := info["piece length"]
	if !ok || pieceLengthData.Type != bencode.INTEGER {
		return nil, fmt.Errorf("metainfo: missing info.piece length")
	}

	piecesData, ok := info["pieces"]
	if !ok || piecesData.Type != bencode.STRING {
		return nil, fmt.Errorf("metainfo: missing info.pieces")
	}
	pieces := piecesData.AsBytes()
	if len(pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d is not a multiple of 20", len(pieces))
	}

	infoHash := sha1.Sum(infoData.ToBytes())

	return &Metainfo{
		Announce:    announceData.AsString(),
		Length:      lengthData.AsInt(),
		PieceLength: pieceLengthData.AsInt(),
		Pieces:      append([]byte(nil), pieces...),
		InfoHash:    infoHash,
	}, nil
}

// FromInfoBytes builds a Metainfo from an announce URL and the raw,
// already-bencoded info dictionary bytes (the shape a magnet-mode metadata
// fetch produces once complete). The SHA-1 of infoBytes becomes InfoHash.
func FromInfoBytes(announce string, infoBytes []byte) (*Metainfo, error) {
	data, _, err := bencode.Decode(infoBytes)
	if err != nil {
		return nil, fmt.Errorf("metainfo: decode info: %w", err)
	}
	if data == nil || data.Type != bencode.DICT {
		return nil, fmt.Errorf("metainfo: info is not a dictionary")
	}
	info := data.AsDict()

	if _, ok := info["files"]; ok {
		return nil, ErrMultiFile
	}

	lengthData, ok := info["length"]
	if !ok || lengthData.Type != bencode.INTEGER {
		return nil, fmt.Errorf("metainfo: missing info.length")
	}
	pieceLengthData, ok := info["piece length"]
	if !ok || pieceLengthData.Type != bencode.INTEGER {
		return nil, fmt.Errorf("metainfo: missing info.piece length")
	}
	piecesData, ok := info["pieces"]
	if !ok || piecesData.Type != bencode.STRING {
		return nil, fmt.Errorf("metainfo: missing info.pieces")
	}
	pieces := piecesData.AsBytes()
	if len(pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d is not a multiple of 20", len(pieces))
	}

	return &Metainfo{
		Announce:    announce,
		Length:      lengthData.AsInt(),
		PieceLength: pieceLengthData.AsInt(),
		Pieces:      append([]byte(nil), pieces...),
		InfoHash:    sha1.Sum(infoBytes),
	}, nil
}

// NumPieces returns the number of pieces described by the metainfo.
func (m *Metainfo) NumPieces() int {
	return len(m.Pieces) / 20
}

// PieceHash returns the expected SHA-1 hash for piece index i.
func (m *Metainfo) PieceHash(i int) ([20]byte, error) {
	var hash [20]byte
	if i < 0 || i >= m.NumPieces() {
		return hash, fmt.Errorf("metainfo: piece index %d out of range [0, %d)", i, m.NumPieces())
	}
	copy(hash[:], m.Pieces[i*20:i*20+20])
	return hash, nil
}

// PieceLen returns the true length of piece i: PieceLength for every piece
// except the last, whose length is Length - (NumPieces-1)*PieceLength,
// clamped to PieceLength when Length is an exact multiple of PieceLength.
func (m *Metainfo) PieceLen(i int) (int64, error) {
	n := m.NumPieces()
	if i < 0 || i >= n {
		return 0, fmt.Errorf("metainfo: piece index %d out of range [0, %d)", i, n)
	}
	if i < n-1 {
		return m.PieceLength, nil
	}
	last := m.Length - int64(n-1)*m.PieceLength
	if last <= 0 {
		last = m.PieceLength
	}
	return last, nil
}

// InfoHashHex returns the lowercase hex rendering of InfoHash.
func (m *Metainfo) InfoHashHex() string {
	return hex.EncodeToString(m.InfoHash[:])
}

// PieceHashesHex returns every piece hash hex-encoded, in order.
func (m *Metainfo) PieceHashesHex() []string {
	out := make([]string, m.NumPieces())
	for i := range out {
		out[i] = hex.EncodeToString(m.Pieces[i*20 : i*20+20])
	}
	return out
}

// Bencode re-encodes the metainfo as a canonical bencoded dictionary. It is
// mainly used by tests asserting the info-hash round-trip invariant.
func (m *Metainfo) Bencode() []byte {
	info := bencode.NewData(map[string]*bencode.Data{
		"length":       bencode.NewData(m.Length),
		"piece length": bencode.NewData(m.PieceLength),
		"pieces":       bencode.NewData(m.Pieces),
	})
	root := bencode.NewData(map[string]*bencode.Data{
		"announce": bencode.NewData(m.Announce),
		"info":     info,
	})
	return bencode.Encode(root)
}
