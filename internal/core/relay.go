package core

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/InsulaLabs/agentgate/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Maximum inbound frame, a published event.
	sendBufferSize = 256                 // Default buffer size for the send channel.
)

// A relay session is a peer that receives every event emitted on this
// gateway and may publish events into it.
type relaySession struct {
	conn     *websocket.Conn
	send     chan []byte
	core     *Core
	walletID string
}

func (c *Core) pubsubHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	if !id.Role.IsAdmin() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "relay requires an admin key")
		return
	}

	c.wsConnectionLock.Lock()
	if c.activeWsConnections >= int32(c.cfg.Sessions.MaxConnections) {
		c.wsConnectionLock.Unlock()
		c.logger.Warn("Max WebSocket connections reached, rejecting new connection", "current", c.activeWsConnections, "max", c.cfg.Sessions.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	c.wsConnectionLock.Unlock()

	conn, err := c.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}
	c.logger.Info("Relay connection upgraded", "remote_addr", conn.RemoteAddr().String())

	session := &relaySession{
		conn:     conn,
		send:     make(chan []byte, c.relaySendBuffer),
		core:     c,
		walletID: id.WalletID,
	}
	if !c.registerRelaySession(session) {
		return
	}

	go session.writePump()
	go session.readPump()
}

func (c *Core) registerRelaySession(session *relaySession) bool {
	c.relaySessionsLock.Lock()
	defer c.relaySessionsLock.Unlock()

	c.wsConnectionLock.Lock()
	defer c.wsConnectionLock.Unlock()

	if c.activeWsConnections >= int32(c.cfg.Sessions.MaxConnections) {
		c.logger.Error("Attempted to register relay session when max connections already met", "active", c.activeWsConnections, "max", c.cfg.Sessions.MaxConnections)
		go session.conn.Close()
		return false
	}
	c.activeWsConnections++
	c.relaySessions[session] = struct{}{}
	c.logger.Info("Relay session registered",
		"remote_addr", session.conn.RemoteAddr().String(),
		"wallet_id", session.walletID,
		"active", c.activeWsConnections,
	)
	return true
}

func (c *Core) unregisterRelaySession(session *relaySession) {
	c.relaySessionsLock.Lock()
	defer c.relaySessionsLock.Unlock()

	c.wsConnectionLock.Lock()
	defer c.wsConnectionLock.Unlock()

	if _, ok := c.relaySessions[session]; !ok {
		return
	}
	delete(c.relaySessions, session)
	if c.activeWsConnections > 0 {
		c.activeWsConnections--
	}
	close(session.send)
	c.logger.Info("Relay session unregistered", "remote_addr", session.conn.RemoteAddr().String(), "active", c.activeWsConnections)
}

// RelaySessionCount reports the number of connected relay peers.
func (c *Core) RelaySessionCount() int {
	c.relaySessionsLock.RLock()
	defer c.relaySessionsLock.RUnlock()
	return len(c.relaySessions)
}

// dispatchToRelaySessions is the relay's bus subscriber. A peer that cannot
// keep up is disconnected rather than allowed to miss events, so it sees the
// gap and reconnects.
func (c *Core) dispatchToRelaySessions(_ context.Context, event models.Event) {
	var lagging []*relaySession

	c.relaySessionsLock.RLock()
	if len(c.relaySessions) == 0 {
		c.relaySessionsLock.RUnlock()
		return
	}
	message, err := json.Marshal(event)
	if err != nil {
		c.relaySessionsLock.RUnlock()
		c.logger.Error("Failed to marshal event for relay", "topic", event.Topic, "error", err)
		return
	}
	for session := range c.relaySessions {
		select {
		case session.send <- message:
		default:
			lagging = append(lagging, session)
		}
	}
	c.relaySessionsLock.RUnlock()

	for _, session := range lagging {
		c.logger.Warn("Relay peer fell behind, disconnecting it",
			"topic", event.Topic,
			"remote_addr", session.conn.RemoteAddr(),
			"buffered", cap(session.send),
		)
		c.unregisterRelaySession(session)
		session.conn.Close()
	}
}

// readPump takes events published by the peer and emits them locally.
func (s *relaySession) readPump() {
	logger := s.core.logger
	defer func() {
		s.core.unregisterRelaySession(s)
		s.conn.Close()
		logger.Info("Relay readPump finished", "remote_addr", s.conn.RemoteAddr())
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Error("Relay read error", "remote_addr", s.conn.RemoteAddr(), "error", err)
			} else {
				logger.Info("Relay connection closed", "remote_addr", s.conn.RemoteAddr(), "error", err)
			}
			return
		}

		var event models.Event
		if err := json.Unmarshal(message, &event); err != nil || event.Topic == "" {
			logger.Warn("Ignoring malformed relay frame", "remote_addr", s.conn.RemoteAddr(), "error", err)
			continue
		}
		if event.WalletID == "" {
			event.WalletID = models.AdminWalletID
		}
		if event.Payload == nil {
			event.Payload = map[string]any{}
		}
		s.core.bus.Emit(s.core.appCtx, event)
	}
}

func (s *relaySession) writePump() {
	logger := s.core.logger
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		logger.Debug("Relay writePump finished", "remote_addr", s.conn.RemoteAddr())
	}()
	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Error("Relay write error", "remote_addr", s.conn.RemoteAddr(), "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Error("Relay ping write error", "remote_addr", s.conn.RemoteAddr(), "error", err)
				return
			}
		case <-s.core.appCtx.Done():
			return
		}
	}
}
