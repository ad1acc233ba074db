package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/InsulaLabs/agentgate/models"
	"github.com/gorilla/websocket"
)

const (
	upstreamWriteWait  = 10 * time.Second
	upstreamPongWait   = 60 * time.Second
	upstreamPingPeriod = (upstreamPongWait * 9) / 10 // Must be less than upstreamPongWait.
)

// WebsocketConnector consumes another gateway's /pubsub relay.
type WebsocketConnector struct {
	url    string
	apiKey string
	logger *slog.Logger

	pingPeriod time.Duration
	pongWait   time.Duration
}

var _ Connector = (*WebsocketConnector)(nil)

func NewWebsocketConnector(url, apiKey string, logger *slog.Logger) *WebsocketConnector {
	return &WebsocketConnector{
		url:        url,
		apiKey:     apiKey,
		logger:     logger.WithGroup("upstream"),
		pingPeriod: upstreamPingPeriod,
		pongWait:   upstreamPongWait,
	}
}

func (c *WebsocketConnector) Name() string {
	return c.url
}

func (c *WebsocketConnector) Dial(ctx context.Context) (Upstream, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("x-api-key", c.apiKey)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	c.logger.Info("Connecting to upstream relay", "url", c.url)
	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial websocket %s (status: %s): %w", c.url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial websocket %s: %w", c.url, err)
	}

	return &websocketUpstream{
		conn:       conn,
		logger:     c.logger,
		pingPeriod: c.pingPeriod,
		pongWait:   c.pongWait,
	}, nil
}

type websocketUpstream struct {
	conn       *websocket.Conn
	logger     *slog.Logger
	pingPeriod time.Duration
	pongWait   time.Duration
}

// Receive reads relayed events until the connection fails. A peer that stops
// answering pings for pongWait counts as failed.
func (u *websocketUpstream) Receive(ctx context.Context, emit func(models.Event)) error {
	u.conn.SetReadDeadline(time.Now().Add(u.pongWait))
	u.conn.SetPongHandler(func(string) error {
		u.logger.Debug("Received pong from upstream")
		return u.conn.SetReadDeadline(time.Now().Add(u.pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)

	// Keeps the connection alive and unblocks ReadMessage on shutdown.
	go func() {
		ticker := time.NewTicker(u.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := u.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(upstreamWriteWait)); err != nil {
					u.logger.Error("Error sending ping", "error", err)
					return
				}
			case <-ctx.Done():
				err := u.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(upstreamWriteWait),
				)
				if err != nil {
					u.logger.Debug("Error sending close message during shutdown", "error", err)
				}
				u.conn.Close()
				return
			case <-stop:
				return
			}
		}
	}()

	for {
		_, message, err := u.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var event models.Event
		if err := json.Unmarshal(message, &event); err != nil {
			u.logger.Warn("Dropping undecodable upstream message", "error", err)
			continue
		}
		if event.Topic == "" || event.WalletID == "" {
			u.logger.Warn("Dropping upstream event without topic or wallet", "topic", event.Topic, "wallet_id", event.WalletID)
			continue
		}
		emit(event)
	}
}

func (u *websocketUpstream) Close() error {
	return u.conn.Close()
}
