package tracker

import (
	"fmt"
	"strconv"
	"strings"
)

// PeerAddr is an IPv4 address and port, as returned in a compact tracker
// peers blob or entered on the command line.
type PeerAddr struct {
	IP   [4]byte
	Port uint16
}

// ParsePeerAddr parses "a.b.c.d:port" into a PeerAddr.
func ParsePeerAddr(s string) (PeerAddr, error) {
	var addr PeerAddr
	host, portStr, ok := strings.Cut(s, ":")
	if !ok {
		return addr, fmt.Errorf("peer address %q: missing port", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return addr, fmt.Errorf("peer address %q: invalid port: %w", s, err)
	}
	octets := strings.Split(host, ".")
	if len(octets) != 4 {
		return addr, fmt.Errorf("peer address %q: expected 4 IPv4 octets", s)
	}
	for i, o := range octets {
		v, err := strconv.ParseUint(o, 10, 8)
		if err != nil {
			return addr, fmt.Errorf("peer address %q: invalid octet %q: %w", s, o, err)
		}
		addr.IP[i] = byte(v)
	}
	addr.Port = uint16(port)
	return addr, nil
}

// PeerAddrFromBytes builds a PeerAddr from the 6-byte compact representation
// (4 bytes IPv4, 2 bytes big-endian port).
func PeerAddrFromBytes(b []byte) (PeerAddr, error) {
	var addr PeerAddr
	if len(b) != 6 {
		return addr, fmt.Errorf("compact peer entry must be 6 bytes, got %d", len(b))
	}
	copy(addr.IP[:], b[:4])
	addr.Port = uint16(b[4])<<8 | uint16(b[5])
	return addr, nil
}

func (a PeerAddr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}
