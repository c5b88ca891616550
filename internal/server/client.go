// Package server manages individual tracked-client sessions: the
// connection state machine, read/write pumps, rate limiting, and lifecycle
// control for each connection.
package server

import (
	"errors"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session is one live client connection. It starts unidentified; the first
// successful HELLO binds it to an identity key, which stays bound until the
// connection closes. The bound identity is what the session releases from
// the presence set on disconnect.
type Session struct {
	id             uuid.UUID
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	identity       string
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewSession creates a Session for the provided WebSocket connection. The
// send channel is buffered so WELCOME replies never block the read pump.
func NewSession(conn *websocket.Conn, hub *Hub, addr string) *Session {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	limiter := newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)

	return &Session{
		id:             uuid.New(),
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    limiter,
		rateLimit:      cfg.RateLimit,
	}
}

// identified reports whether this session has bound an identity.
func (s *Session) identified() bool {
	return s.identity != ""
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (s *Session) setupReadConnection() {
	if err := s.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", s.addr, err)
	}
	s.conn.SetPongHandler(func(string) error {
		if err := s.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", s.addr, err)
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (s *Session) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		log.Printf("Frame from %s exceeded maximum size of %d bytes", s.addr, s.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.Printf("Session %s disconnected: %v", s.id, err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.Printf("Session %s connection closed: %v", s.id, err)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		log.Printf("Unexpected WebSocket error from %s: %v", s.addr, err)
		return true
	}

	log.Printf("WebSocket read error from %s: %v", s.addr, err)
	return true
}

// checkRateLimit verifies if the session has exceeded rate limits
// and returns true if the frame should be processed
func (s *Session) checkRateLimit() bool {
	if s.rateLimiter != nil && !s.rateLimiter.allow() {
		log.Printf("Rate limit exceeded for %s (%d frames per %s); discarding frame", s.addr, s.rateLimit.Burst, s.rateLimit.RefillInterval)
		return false
	}
	return true
}

// handleFrame runs one inbound frame through the session state machine.
// Malformed or unknown frames are logged and dropped; the connection stays
// open either way.
func (s *Session) handleFrame(raw []byte) {
	frame, err := ParseFrame(raw)
	if err != nil {
		log.Printf("Session %s: dropping frame: %v", s.id, err)
		metrics.FramesTotal.WithLabelValues("invalid").Inc()
		return
	}

	switch frame.Cmd {
	case CmdHello:
		metrics.FramesTotal.WithLabelValues("hello").Inc()
		s.handleHello(frame)
	case CmdPosition:
		metrics.FramesTotal.WithLabelValues("position").Inc()
		s.handlePosition(frame)
	}
}

// handleHello identifies (or re-identifies) the session: upsert the
// profile, take a presence count for the identity, acknowledge with
// WELCOME, and publish the change.
func (s *Session) handleHello(frame Frame) {
	profile, err := s.hub.registry.Upsert(frame.IdentityKey, frame.DisplayName, frame.Region, frame.Timezone, time.Now())
	if err != nil {
		// The in-memory record is updated; persistence will be retried on
		// the next mutation.
		log.Printf("Session %s: persisting profile %s: %v", s.id, frame.IdentityKey, err)
		metrics.StoreWriteFailures.Inc()
	}

	if s.identity != frame.IdentityKey {
		if s.identity != "" {
			s.hub.presence.MarkDisconnected(s.identity)
		}
		s.hub.presence.MarkConnected(frame.IdentityKey)
		s.identity = frame.IdentityKey
	}

	reply, err := EncodeWelcome(profile)
	if err != nil {
		log.Printf("Session %s: %v", s.id, err)
	} else {
		select {
		case s.send <- reply:
		default:
			log.Printf("Session %s: send buffer full; dropping WELCOME", s.id)
		}
	}

	s.hub.Publish()
}

// handlePosition records a position report. The registry update is keyed by
// the frame's identity key, not the session's binding; a report for an
// identity the registry has never seen is silently dropped and triggers no
// broadcast.
func (s *Session) handlePosition(frame Frame) {
	if !s.identified() {
		log.Printf("Session %s: rejecting POSITION before identification", s.id)
		return
	}

	known, err := s.hub.registry.UpdatePosition(frame.IdentityKey, frame.X, frame.Y, frame.Z)
	if err != nil {
		log.Printf("Session %s: persisting position for %s: %v", s.id, frame.IdentityKey, err)
		metrics.StoreWriteFailures.Inc()
	}
	if !known {
		return
	}

	s.hub.Publish()
}

func (s *Session) readPump() {
	defer func() {
		// During hub shutdown nothing drains the unregister channel;
		// presence cleanup is moot at that point, so just exit.
		select {
		case s.hub.unregister <- s:
		case <-s.hub.ctx.Done():
		}
		if err := s.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error closing connection in readPump: %v", err)
			}
		}
	}()

	s.setupReadConnection()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if s.handleReadError(err) {
				break
			}
		}

		if !s.checkRateLimit() {
			continue
		}

		s.handleFrame(raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-s.send:
		return s.handleOutbound(message, ok)
	case <-ticker.C:
		return s.handlePing()
	case <-s.hub.ctx.Done():
		// Hub shutdown: close out promptly instead of idling until the
		// next ping tick.
		return s.writeCloseMessage()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}
}

// handleOutbound writes one queued reply and returns false if the
// connection should be closed
func (s *Session) handleOutbound(message []byte, ok bool) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", s.addr, err)
		return false
	}

	if !ok {
		return s.writeCloseMessage()
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		log.Printf("Error writing reply to %s: %v", s.addr, err)
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (s *Session) writeCloseMessage() bool {
	if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing close message to %s: %v", s.addr, err)
		}
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (s *Session) handlePing() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", s.addr, err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		log.Printf("Error writing ping message to %s: %v", s.addr, err)
		return false
	}
	return true
}
