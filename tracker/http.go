package tracker

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/kulikov-labs/gorrent-core/bencode"
)

type httpTracker struct {
	announceURL string
}

// NewHTTPTracker builds a Tracker that announces over HTTP(S).
func NewHTTPTracker(announce string) Tracker {
	return &httpTracker{announceURL: announce}
}

func (t *httpTracker) URL() string { return t.announceURL }

// percentEncodeRaw percent-encodes b per the RFC 3986 unreserved set
// (A-Za-z0-9-_.~), matching the raw-byte encoding trackers expect for
// info_hash and peer_id. Go's url.Values.Encode uses application/
// x-www-form-urlencoded rules (space -> '+') which most trackers tolerate
// but which isn't the RFC 3986 percent-encoding the wire format specifies,
// so the query string is built by hand instead of routed through
// url.Values.
func percentEncodeRaw(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

func (t *httpTracker) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	query := fmt.Sprintf(
		"info_hash=%s&peer_id=%s&port=%d&uploaded=%d&downloaded=%d&left=%d&compact=1",
		percentEncodeRaw(req.InfoHash[:]),
		percentEncodeRaw(req.PeerID[:]),
		req.Port, req.Uploaded, req.Downloaded, req.Left,
	)

	client := resty.New().SetTimeout(15 * time.Second)
	resp, err := client.R().SetQueryString(query).Get(t.announceURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("tracker: announce status %d", resp.StatusCode())
	}

	data, _, err := bencode.Decode(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}
	if data == nil || data.Type != bencode.DICT {
		return nil, fmt.Errorf("tracker: response is not a dictionary")
	}
	dict := data.AsDict()

	if reason, ok := dict["failure reason"]; ok {
		return nil, fmt.Errorf("tracker: failure reason: %s", reason.AsString())
	}

	out := &AnnounceResponse{}
	if interval, ok := dict["interval"]; ok {
		out.Interval = interval.AsInt()
	}

	peersData, ok := dict["peers"]
	if !ok {
		return out, nil
	}

	switch peersData.Type {
	case bencode.STRING:
		blob := peersData.AsBytes()
		if len(blob)%6 != 0 {
			return nil, fmt.Errorf("tracker: compact peers blob length %d not a multiple of 6", len(blob))
		}
		for i := 0; i < len(blob); i += 6 {
			addr, err := PeerAddrFromBytes(blob[i : i+6])
			if err != nil {
				return nil, err
			}
			out.Peers = append(out.Peers, addr)
		}
	case bencode.LIST:
		for _, peerData := range peersData.AsList() {
			peerDict := peerData.AsDict()
			ipStr, ok := peerDict["ip"]
			if !ok {
				continue
			}
			portData, ok := peerDict["port"]
			if !ok {
				continue
			}
			addr, err := ParsePeerAddr(fmt.Sprintf("%s:%d", ipStr.AsString(), portData.AsInt()))
			if err != nil {
				log.Warn().Err(err).Msg("tracker: skipping unparsable non-compact peer entry")
				continue
			}
			out.Peers = append(out.Peers, addr)
		}
	default:
		return nil, fmt.Errorf("tracker: unexpected peers value type")
	}

	return out, nil
}
