package peer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrHandshakeMismatch is returned when a peer's handshake response doesn't
// match the protocol string or info_hash we sent.
var ErrHandshakeMismatch = errors.New("peer: handshake mismatch")

// eventBufferSize decouples the reader goroutine from whatever is slow to
// drain NextEvent; a session handler that briefly falls behind (writing a
// piece to disk) doesn't stall the TCP read loop.
const eventBufferSize = 64

// Per spec §4.2/§5: every peer connection carries socket read/write
// timeouts, applied per operation rather than once for the life of the
// connection.
const (
	readTimeout  = 30 * time.Second
	writeTimeout = 15 * time.Second
)

// EventKind identifies the kind of PeerEvent delivered from the connection's
// reader goroutine.
type EventKind int

const (
	EventHandshakeComplete EventKind = iota
	EventChoke
	EventUnchoke
	EventInterested
	EventNotInterested
	EventHave
	EventBitfield
	EventPiece
	EventRequest
	EventCancel
	EventExtended
	EventKeepAlive
	EventIOError
	EventUnknown
)

// PeerEvent is a single thing that happened on a PeerConnection: an
// incoming message translated into a typed event, a keep-alive, or a fatal
// I/O error that ends the connection.
type PeerEvent struct {
	Kind EventKind

	// EventHandshakeComplete
	PeerID              [20]byte
	ExtensionSupported  bool

	// EventHave
	PieceIndex uint32

	// EventBitfield
	Bitfield Bitfield

	// EventPiece / EventRequest / EventCancel
	Begin  uint32
	Length uint32
	Block  []byte

	// EventExtended
	ExtendedID uint8
	ExtendedPayload []byte

	// EventUnknown
	UnknownID MessageID

	// EventIOError
	Err error
}

// PeerConnection owns a single TCP connection to a peer: the handshake, a
// write path guarded against concurrent senders, and a reader goroutine
// that turns incoming messages into PeerEvents.
type PeerConnection struct {
	conn net.Conn

	writeMu sync.Mutex

	events chan PeerEvent
	done   chan struct{}
	closeOnce sync.Once

	mu                 sync.Mutex
	amInterested       bool
	peerInterested     bool
	peerChoking        bool
	extensionSupported bool
	peerID             [20]byte
	bitfield           Bitfield
}

// Dial connects to addr, performs the handshake for infoHash/clientPeerID,
// and starts the reader goroutine. withExtension advertises BEP-10 support.
func Dial(ctx context.Context, addr string, infoHash, clientPeerID [20]byte, withExtension bool, timeout time.Duration) (*PeerConnection, error) {
	var d net.Dialer
	dialCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	req := NewHandshake(infoHash, clientPeerID, withExtension)
	if _, err := conn.Write(req.Serialize()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer: send handshake: %w", err)
	}
	resp, err := ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("peer: read handshake response: %w", err)
	}
	if resp.Pstr != ProtocolIdentifier {
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected pstr %q", ErrHandshakeMismatch, resp.Pstr)
	}
	if resp.InfoHash != infoHash {
		conn.Close()
		return nil, fmt.Errorf("%w: info_hash mismatch", ErrHandshakeMismatch)
	}

	pc := &PeerConnection{
		conn:               conn,
		events:             make(chan PeerEvent, eventBufferSize),
		done:               make(chan struct{}),
		peerChoking:        true,
		extensionSupported: resp.Extension && withExtension,
		peerID:             resp.PeerID,
	}

	go pc.readLoop()
	pc.emit(PeerEvent{
		Kind:               EventHandshakeComplete,
		PeerID:             resp.PeerID,
		ExtensionSupported: pc.extensionSupported,
	})

	return pc, nil
}

// NextEvent blocks until an event arrives or the connection closes, in
// which case it returns (PeerEvent{}, false).
func (c *PeerConnection) NextEvent() (PeerEvent, bool) {
	select {
	case ev, ok := <-c.events:
		return ev, ok
	case <-c.done:
		select {
		case ev, ok := <-c.events:
			return ev, ok
		default:
			return PeerEvent{}, false
		}
	}
}

// Close shuts down the connection and its reader goroutine. Safe to call
// more than once.
func (c *PeerConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// PeerID returns the 20-byte peer id received in the handshake.
func (c *PeerConnection) PeerID() [20]byte { return c.peerID }

// ExtensionSupported reports whether both sides advertised BEP-10 support.
func (c *PeerConnection) ExtensionSupported() bool { return c.extensionSupported }

// Send writes msg to the connection. Safe for concurrent use.
func (c *PeerConnection) Send(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(msg.Serialize())
	return err
}

// SendInterested sends an Interested message and records local state.
func (c *PeerConnection) SendInterested() error {
	c.mu.Lock()
	c.amInterested = true
	c.mu.Unlock()
	return c.Send(&Message{ID: MsgInterested})
}

// SendNotInterested sends a NotInterested message and records local state.
func (c *PeerConnection) SendNotInterested() error {
	c.mu.Lock()
	c.amInterested = false
	c.mu.Unlock()
	return c.Send(&Message{ID: MsgNotInterested})
}

// SendExtended sends a BEP-10 extended message with extID and body.
func (c *PeerConnection) SendExtended(extID uint8, body []byte) error {
	return c.Send(NewExtendedMessage(extID, body))
}

// PeerChoking reports the last known choke state the peer sent us.
func (c *PeerConnection) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

// Bitfield returns the peer's last-announced bitfield, or nil if none was
// received yet.
func (c *PeerConnection) Bitfield() Bitfield {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitfield
}

func (c *PeerConnection) emit(ev PeerEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// readLoop blocks reading messages off the wire and turns each into a
// PeerEvent, stopping on the first I/O error (after emitting it as an
// EventIOError so the session can decide whether to reconnect).
func (c *PeerConnection) readLoop() {
	for {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		msg, err := ReadMessage(c.conn)
		if err != nil {
			c.emit(PeerEvent{Kind: EventIOError, Err: err})
			return
		}
		if msg == nil {
			c.emit(PeerEvent{Kind: EventKeepAlive})
			continue
		}

		switch msg.ID {
		case MsgChoke:
			c.mu.Lock()
			c.peerChoking = true
			c.mu.Unlock()
			c.emit(PeerEvent{Kind: EventChoke})
		case MsgUnchoke:
			c.mu.Lock()
			c.peerChoking = false
			c.mu.Unlock()
			c.emit(PeerEvent{Kind: EventUnchoke})
		case MsgInterested:
			c.mu.Lock()
			c.peerInterested = true
			c.mu.Unlock()
			c.emit(PeerEvent{Kind: EventInterested})
		case MsgNotInterested:
			c.mu.Lock()
			c.peerInterested = false
			c.mu.Unlock()
			c.emit(PeerEvent{Kind: EventNotInterested})
		case MsgHave:
			idx, err := ParseHave(msg.Payload)
			if err != nil {
				c.emit(PeerEvent{Kind: EventIOError, Err: err})
				return
			}
			c.mu.Lock()
			if c.bitfield != nil {
				c.bitfield.SetPiece(int(idx))
			}
			c.mu.Unlock()
			c.emit(PeerEvent{Kind: EventHave, PieceIndex: idx})
		case MsgBitfield:
			bf := append(Bitfield(nil), msg.Payload...)
			c.mu.Lock()
			c.bitfield = bf
			c.mu.Unlock()
			c.emit(PeerEvent{Kind: EventBitfield, Bitfield: bf})
		case MsgPiece:
			idx, begin, data, err := ParsePiece(msg.Payload)
			if err != nil {
				c.emit(PeerEvent{Kind: EventIOError, Err: err})
				return
			}
			c.emit(PeerEvent{Kind: EventPiece, PieceIndex: idx, Begin: begin, Block: data})
		case MsgRequest:
			if len(msg.Payload) != 12 {
				continue
			}
			idx, begin, length, err := parseBlockPayload(msg.Payload)
			if err != nil {
				continue
			}
			c.emit(PeerEvent{Kind: EventRequest, PieceIndex: idx, Begin: begin, Length: length})
		case MsgCancel:
			if len(msg.Payload) != 12 {
				continue
			}
			idx, begin, length, err := parseBlockPayload(msg.Payload)
			if err != nil {
				continue
			}
			c.emit(PeerEvent{Kind: EventCancel, PieceIndex: idx, Begin: begin, Length: length})
		case MsgExtended:
			extID, body, err := ParseExtended(msg.Payload)
			if err != nil {
				continue
			}
			c.emit(PeerEvent{Kind: EventExtended, ExtendedID: extID, ExtendedPayload: body})
		default:
			// Unrecognized message IDs (e.g. MsgPort, or a future extension)
			// are surfaced rather than dropped, per spec: the handler decides
			// whether they matter.
			c.emit(PeerEvent{Kind: EventUnknown, UnknownID: msg.ID, Block: msg.Payload})
		}
	}
}

func parseBlockPayload(payload []byte) (index, begin, length uint32, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("block payload must be 12 bytes, got %d", len(payload))
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	length = binary.BigEndian.Uint32(payload[8:12])
	return index, begin, length, nil
}
