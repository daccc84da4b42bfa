// Package tracker announces to BitTorrent trackers (HTTP and UDP) and
// decodes the peer list in their response. It is an external collaborator
// to the peer-session engine: the engine only consumes the []PeerAddr it
// produces.
package tracker

import (
	"fmt"
	"net/url"
)

// Tracker announces a download to a tracker and returns the peers it knows
// about.
type Tracker interface {
	Announce(req AnnounceRequest) (*AnnounceResponse, error)
	URL() string
}

// AnnounceRequest carries the standard tracker announce parameters.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// AnnounceResponse is the decoded tracker response.
type AnnounceResponse struct {
	Interval int64
	Peers    []PeerAddr
}

// New dispatches on the announce URL's scheme to build the right Tracker
// implementation (http/https -> HTTP client, udp -> raw UDP client).
func New(announce string) (Tracker, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse announce url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPTracker(announce), nil
	case "udp":
		return NewUDPTracker(announce), nil
	default:
		return nil, fmt.Errorf("tracker: unsupported announce scheme %q", u.Scheme)
	}
}
