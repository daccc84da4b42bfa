// Package peer implements the wire protocol, connection, and reconnecting
// session loop used to talk to a single BitTorrent peer.
package peer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolIdentifier is the pstr sent in every handshake.
const ProtocolIdentifier = "BitTorrent protocol"

// BlockSize is the standard request block size.
const BlockSize = 16 * 1024

// extensionReservedByte and extensionReservedBit mark BEP-10 support in the
// handshake's reserved bytes: byte 5 (0-indexed from the left), bit 0x10.
const (
	extensionReservedByte = 5
	extensionReservedBit  = 0x10
)

// MessageID identifies the type of a length-prefixed peer message.
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9
	MsgExtended      MessageID = 20
)

// Message is a single length-prefixed peer wire message. A nil *Message
// (or one produced by ReadMessage when length == 0) represents a keep-alive.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Serialize encodes m as <length prefix><id><payload>. A nil Message
// serializes to the zero-length keep-alive.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(1 + len(m.Payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads a single message from r. It returns (nil, nil) for a
// keep-alive.
func ReadMessage(r io.Reader) (*Message, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf)
	if length == 0 {
		return nil, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// NewRequestMessage builds a Request message payload for the given block.
func NewRequestMessage(index, begin, length uint32) *Message {
	return &Message{ID: MsgRequest, Payload: formatBlockPayload(index, begin, length)}
}

// NewCancelMessage builds a Cancel message payload for the given block.
func NewCancelMessage(index, begin, length uint32) *Message {
	return &Message{ID: MsgCancel, Payload: formatBlockPayload(index, begin, length)}
}

func formatBlockPayload(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

// NewHaveMessage builds a Have message for the given piece index.
func NewHaveMessage(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{ID: MsgHave, Payload: payload}
}

// NewExtendedMessage builds an extended (BEP-10) message: the first payload
// byte is the extended message ID, the rest is the bencoded body.
func NewExtendedMessage(extID uint8, body []byte) *Message {
	payload := make([]byte, 1+len(body))
	payload[0] = extID
	copy(payload[1:], body)
	return &Message{ID: MsgExtended, Payload: payload}
}

// ParsePiece extracts index, begin, and the block data from a Piece
// message payload.
func ParsePiece(payload []byte) (index, begin uint32, data []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("piece payload too short: %d bytes", len(payload))
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	data = payload[8:]
	return index, begin, data, nil
}

// ParseHave extracts the piece index from a Have message payload.
func ParseHave(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("have payload invalid length: %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// ParseExtended splits an Extended message payload into its extended
// message ID and bencoded body.
func ParseExtended(payload []byte) (extID uint8, body []byte, err error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("extended payload empty")
	}
	return payload[0], payload[1:], nil
}

// Bitfield represents the pieces a peer claims to have.
type Bitfield []byte

// HasPiece reports whether the bitfield marks index as available.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// SetPiece marks index as available in the bitfield.
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - offset)
}

// Handshake is the fixed-format initial message exchanged before any
// length-prefixed messages flow.
type Handshake struct {
	Pstr      string
	Reserved  [8]byte
	InfoHash  [20]byte
	PeerID    [20]byte
	Extension bool
}

// NewHandshake builds a handshake for infoHash/peerID, advertising BEP-10
// extension support when withExtension is true.
func NewHandshake(infoHash, peerID [20]byte, withExtension bool) *Handshake {
	h := &Handshake{
		Pstr:      ProtocolIdentifier,
		InfoHash:  infoHash,
		PeerID:    peerID,
		Extension: withExtension,
	}
	if withExtension {
		h.Reserved[extensionReservedByte] |= extensionReservedBit
	}
	return h
}

// Serialize encodes the handshake as <pstrlen><pstr><reserved><info_hash><peer_id>.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 49+len(h.Pstr))
	buf[0] = uint8(len(h.Pstr))
	copy(buf[1:], h.Pstr)
	copy(buf[1+len(h.Pstr):], h.Reserved[:])
	copy(buf[1+len(h.Pstr)+8:], h.InfoHash[:])
	copy(buf[1+len(h.Pstr)+8+20:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and parses a Handshake from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	pstrlen := int(lenBuf[0])
	if pstrlen == 0 {
		return nil, fmt.Errorf("pstrlen cannot be 0")
	}

	rest := make([]byte, 48+pstrlen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	h := &Handshake{Pstr: string(rest[:pstrlen])}
	copy(h.Reserved[:], rest[pstrlen:pstrlen+8])
	copy(h.InfoHash[:], rest[pstrlen+8:pstrlen+8+20])
	copy(h.PeerID[:], rest[pstrlen+8+20:])
	h.Extension = h.Reserved[extensionReservedByte]&extensionReservedBit != 0
	return h, nil
}
