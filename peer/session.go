package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Control tells the session loop how to proceed after on_connect or
// on_event returns.
type Control int

const (
	// Continue keeps processing events on the current connection.
	Continue Control = iota
	// Reconnect drops the connection and retries with backoff.
	Reconnect
	// Stop ends the session altogether.
	Stop
)

// Handler drives a PeerSession. OnConnect runs once after a successful
// handshake; OnEvent runs for every event the connection emits thereafter.
// ShouldStop lets the handler request an early, graceful exit (e.g. the
// shared piece queue finished).
type Handler interface {
	OnConnect(conn *PeerConnection) (Control, error)
	OnEvent(conn *PeerConnection, event PeerEvent) (Control, error)
	ShouldStop() bool
}

// SessionConfig tunes the reconnect/backoff loop.
type SessionConfig struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxRetries  uint8 // 0 means unlimited
}

// DefaultSessionConfig matches ordinary client behavior: a 1s base backoff
// capped at 60s, with no retry limit.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		BackoffBase: time.Second,
		BackoffCap:  60 * time.Second,
		MaxRetries:  0,
	}
}

// ErrMaxRetriesExceeded is returned by Session.Run when the configured
// MaxRetries is reached without the handler requesting Stop.
var ErrMaxRetriesExceeded = fmt.Errorf("peer: max retries exceeded")

// Session owns the reconnect/backoff loop around a PeerConnection, leaving
// event interpretation to a Handler.
type Session struct {
	addr          string
	infoHash      [20]byte
	clientPeerID  [20]byte
	withExtension bool
	dialTimeout   time.Duration
	config        SessionConfig
}

// NewSession builds a Session that will dial addr with the given handshake
// identity.
func NewSession(addr string, infoHash, clientPeerID [20]byte, withExtension bool, dialTimeout time.Duration, config SessionConfig) *Session {
	return &Session{
		addr:          addr,
		infoHash:      infoHash,
		clientPeerID:  clientPeerID,
		withExtension: withExtension,
		dialTimeout:   dialTimeout,
		config:        config,
	}
}

// Run drives the connect / handle-events / reconnect loop until the
// handler stops it, an unrecoverable error occurs, or max retries is hit.
func (s *Session) Run(ctx context.Context, handler Handler) error {
	var attempts uint32

	for !handler.ShouldStop() {
		if s.config.MaxRetries > 0 && attempts >= uint32(s.config.MaxRetries) {
			return fmt.Errorf("%w: peer %s (%d attempts)", ErrMaxRetriesExceeded, s.addr, attempts)
		}

		log.Info().Str("peer", s.addr).Uint32("attempt", attempts+1).Msg("peer session connecting")

		conn, err := Dial(ctx, s.addr, s.infoHash, s.clientPeerID, s.withExtension, s.dialTimeout)
		if err != nil {
			log.Warn().Str("peer", s.addr).Err(err).Msg("peer session connect failed")
			if !s.sleepBackoff(ctx, attempts) {
				return ctx.Err()
			}
			attempts++
			continue
		}

		// A successful handshake resets the backoff counter.
		attempts = 0

		control, err := handler.OnConnect(conn)
		if err != nil {
			conn.Close()
			return fmt.Errorf("peer: on_connect for %s: %w", s.addr, err)
		}
		switch control {
		case Stop:
			conn.Close()
			return nil
		case Reconnect:
			conn.Close()
			if !s.sleepBackoff(ctx, attempts) {
				return ctx.Err()
			}
			attempts++
			continue
		}

		reconnect := false
		for !handler.ShouldStop() {
			event, ok := conn.NextEvent()
			if !ok {
				reconnect = true
				break
			}
			control, err := handler.OnEvent(conn, event)
			if err != nil {
				conn.Close()
				return fmt.Errorf("peer: on_event for %s: %w", s.addr, err)
			}
			switch control {
			case Stop:
				conn.Close()
				return nil
			case Reconnect:
				reconnect = true
			}
			if reconnect {
				break
			}
		}
		conn.Close()

		if handler.ShouldStop() {
			return nil
		}
		if !reconnect {
			return nil
		}

		if !s.sleepBackoff(ctx, attempts) {
			return ctx.Err()
		}
		attempts++
	}

	return nil
}

// sleepBackoff sleeps the exponential backoff delay for attempts, or
// returns false early if ctx is cancelled first.
func (s *Session) sleepBackoff(ctx context.Context, attempts uint32) bool {
	delay := s.backoffDelay(attempts)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// backoffDelay computes base * 2^min(attempts, 10), capped at BackoffCap.
func (s *Session) backoffDelay(attempts uint32) time.Duration {
	backoffCap := s.config.BackoffCap
	if backoffCap < s.config.BackoffBase {
		backoffCap = s.config.BackoffBase
	}
	shift := attempts
	if shift > 10 {
		shift = 10
	}
	factor := time.Duration(1) << shift
	wait := s.config.BackoffBase * factor
	if wait > backoffCap || wait < 0 {
		return backoffCap
	}
	return wait
}
