package peer

import (
	"fmt"

	"github.com/kulikov-labs/gorrent-core/bencode"
)

// MetadataExtensionName is the BEP-10 extension name for ut_metadata (BEP-9).
const MetadataExtensionName = "ut_metadata"

// LocalMetadataExtensionID is the extended message ID this client advertises
// for ut_metadata in its own extension handshake "m" dictionary.
const LocalMetadataExtensionID = 42

// ExtensionHandshake is the BEP-10 extended handshake payload: extended
// message id 0, bencoded dictionary.
type ExtensionHandshake struct {
	// M maps extension name -> the extended message ID the sender uses for it.
	M            map[string]uint8
	MetadataSize *int64
	ClientName   string
}

// NewMetadataExtensionHandshake builds the handshake this client sends to
// advertise ut_metadata support.
func NewMetadataExtensionHandshake() *ExtensionHandshake {
	return &ExtensionHandshake{
		M: map[string]uint8{MetadataExtensionName: LocalMetadataExtensionID},
	}
}

// Encode bencodes the handshake dictionary.
func (h *ExtensionHandshake) Encode() []byte {
	m := make(map[string]*bencode.Data, len(h.M))
	for name, id := range h.M {
		m[name] = bencode.NewData(int64(id))
	}
	dict := map[string]*bencode.Data{
		"m": bencode.NewData(m),
	}
	if h.MetadataSize != nil {
		dict["metadata_size"] = bencode.NewData(*h.MetadataSize)
	}
	if h.ClientName != "" {
		dict["v"] = bencode.NewData(h.ClientName)
	}
	return bencode.Encode(bencode.NewData(dict))
}

// DecodeExtensionHandshake parses a received BEP-10 handshake payload.
func DecodeExtensionHandshake(payload []byte) (*ExtensionHandshake, error) {
	data, _, err := bencode.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("extension handshake: decode: %w", err)
	}
	if data == nil || data.Type != bencode.DICT {
		return nil, fmt.Errorf("extension handshake: payload is not a dictionary")
	}
	dict := data.AsDict()

	h := &ExtensionHandshake{M: map[string]uint8{}}
	if mData, ok := dict["m"]; ok && mData.Type == bencode.DICT {
		for name, idData := range mData.AsDict() {
			if idData.Type != bencode.INTEGER {
				continue
			}
			h.M[name] = uint8(idData.AsInt())
		}
	}
	if sizeData, ok := dict["metadata_size"]; ok && sizeData.Type == bencode.INTEGER {
		size := sizeData.AsInt()
		h.MetadataSize = &size
	}
	if nameData, ok := dict["v"]; ok && nameData.Type == bencode.STRING {
		h.ClientName = nameData.AsString()
	}
	return h, nil
}

// ExtensionID returns the peer's extended message id for the named
// extension, if they advertised it.
func (h *ExtensionHandshake) ExtensionID(name string) (uint8, bool) {
	id, ok := h.M[name]
	return id, ok
}

// ut_metadata piece message types (BEP-9).
const (
	MetadataMsgRequest int64 = 0
	MetadataMsgData    int64 = 1
	MetadataMsgReject  int64 = 2
)

// MetadataPieceRequest builds the bencoded {msg_type, piece} request payload
// for ut_metadata piece index piece.
func MetadataPieceRequest(piece int) []byte {
	dict := map[string]*bencode.Data{
		"msg_type": bencode.NewData(MetadataMsgRequest),
		"piece":    bencode.NewData(int64(piece)),
	}
	return bencode.Encode(bencode.NewData(dict))
}

// MetadataMessage is a decoded ut_metadata piece message: the leading
// bencoded dictionary plus, for Data messages, the raw metadata bytes that
// immediately follow it.
type MetadataMessage struct {
	MsgType   int64
	Piece     int
	TotalSize int64
	Data      []byte
}

// DecodeMetadataMessage parses a ut_metadata extended-message payload. Per
// spec's design note, it locates the end of the bencoded dictionary using
// the decoder's own consumed-byte count rather than assuming the dictionary
// is always 44 bytes; any bytes after that are the raw metadata (present
// only on Data messages).
func DecodeMetadataMessage(payload []byte) (*MetadataMessage, error) {
	data, consumed, err := bencode.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("ut_metadata: decode: %w", err)
	}
	if data == nil || data.Type != bencode.DICT {
		return nil, fmt.Errorf("ut_metadata: payload is not a dictionary")
	}
	dict := data.AsDict()

	msgTypeData, ok := dict["msg_type"]
	if !ok || msgTypeData.Type != bencode.INTEGER {
		return nil, fmt.Errorf("ut_metadata: missing msg_type")
	}
	msg := &MetadataMessage{MsgType: msgTypeData.AsInt()}

	if pieceData, ok := dict["piece"]; ok && pieceData.Type == bencode.INTEGER {
		msg.Piece = int(pieceData.AsInt())
	}
	if sizeData, ok := dict["total_size"]; ok && sizeData.Type == bencode.INTEGER {
		msg.TotalSize = sizeData.AsInt()
	}
	if consumed < len(payload) {
		msg.Data = payload[consumed:]
	}
	return msg, nil
}
