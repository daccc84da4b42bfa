package tracker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"
)

const udpProtocolMagic = 0x41727101980

const (
	udpActionConnect  int32 = 0
	udpActionAnnounce int32 = 1
)

const udpEventStarted int32 = 2

type udpTracker struct {
	announceURL string
}

// NewUDPTracker builds a Tracker that announces over the BEP-15 UDP
// protocol.
func NewUDPTracker(announce string) Tracker {
	return &udpTracker{announceURL: announce}
}

func (t *udpTracker) URL() string { return t.announceURL }

func (t *udpTracker) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	u, err := url.Parse(t.announceURL)
	if err != nil {
		return nil, fmt.Errorf("udp tracker: parse announce url: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("udp tracker: resolve %s: %w", u.Host, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("udp tracker: dial: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(15 * time.Second))

	connID, err := udpConnect(conn)
	if err != nil {
		return nil, fmt.Errorf("udp tracker: connect handshake: %w", err)
	}

	return udpAnnounce(conn, connID, req)
}

func udpConnect(conn *net.UDPConn) (int64, error) {
	transactionID := rand.Int31()
	request := struct {
		ConnectionID int64
		Action       int32
		Transaction  int32
	}{
		ConnectionID: udpProtocolMagic,
		Action:       udpActionConnect,
		Transaction:  transactionID,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, request); err != nil {
		return 0, err
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return 0, err
	}

	response := struct {
		Action       int32
		Transaction  int32
		ConnectionID int64
	}{}
	if err := binary.Read(conn, binary.BigEndian, &response); err != nil {
		return 0, err
	}
	if response.Transaction != transactionID {
		return 0, fmt.Errorf("transaction ID mismatch")
	}
	if response.Action != udpActionConnect {
		return 0, fmt.Errorf("unexpected action %d", response.Action)
	}
	return response.ConnectionID, nil
}

func udpAnnounce(conn *net.UDPConn, connID int64, req AnnounceRequest) (*AnnounceResponse, error) {
	transactionID := rand.Int31()
	request := struct {
		ConnectionID int64
		Action       int32
		Transaction  int32
		InfoHash     [20]byte
		PeerID       [20]byte
		Downloaded   int64
		Left         int64
		Uploaded     int64
		Event        int32
		IP           int32
		Key          int32
		NumWant      int32
		Port         uint16
	}{
		ConnectionID: connID,
		Action:       udpActionAnnounce,
		Transaction:  transactionID,
		InfoHash:     req.InfoHash,
		PeerID:       req.PeerID,
		Downloaded:   req.Downloaded,
		Left:         req.Left,
		Uploaded:     req.Uploaded,
		Event:        udpEventStarted,
		NumWant:      -1,
		Port:         req.Port,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, request); err != nil {
		return nil, err
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, err
	}

	readBuf := make([]byte, 4096)
	n, err := conn.Read(readBuf)
	if err != nil {
		return nil, err
	}
	readBuf = readBuf[:n]
	if len(readBuf) < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", len(readBuf))
	}

	response := struct {
		Action      int32
		Transaction int32
		Interval    int32
		Leechers    int32
		Seeders     int32
	}{}
	if err := binary.Read(bytes.NewReader(readBuf[:20]), binary.BigEndian, &response); err != nil {
		return nil, err
	}
	if response.Transaction != transactionID {
		return nil, fmt.Errorf("transaction ID mismatch")
	}
	if response.Action != udpActionAnnounce {
		return nil, fmt.Errorf("unexpected action %d", response.Action)
	}

	peerBytes := readBuf[20:]
	out := &AnnounceResponse{Interval: int64(response.Interval)}
	for len(peerBytes) >= 6 {
		addr, err := PeerAddrFromBytes(peerBytes[:6])
		if err != nil {
			return nil, err
		}
		out.Peers = append(out.Peers, addr)
		peerBytes = peerBytes[6:]
	}
	return out, nil
}
