package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/InsulaLabs/agentgate/models"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	relayPingPeriod   = 30 * time.Second
	relayWriteWait    = 10 * time.Second
	maxStreamLineSize = 1 << 20
)

// StreamRequest selects one of the gateway's stream routes. Topic defaults
// to every topic; Field and FieldID go together; DesiredState ends the
// stream on the first event reaching that state.
type StreamRequest struct {
	WalletID     string
	Topic        string
	Field        string
	FieldID      string
	DesiredState string
}

func (r StreamRequest) path() (string, error) {
	if r.WalletID == "" {
		return "", errors.New("wallet id cannot be empty")
	}
	if (r.Field == "") != (r.FieldID == "") {
		return "", errors.New("field and field id must be given together")
	}
	topic := r.Topic
	if topic == "" {
		topic = models.TopicAll
	}

	parts := []string{"sse", r.WalletID}
	if r.Topic != "" || r.Field != "" || r.DesiredState != "" {
		parts = append(parts, topic)
	}
	if r.Field != "" {
		parts = append(parts, r.Field, r.FieldID)
	}
	if r.DesiredState != "" {
		parts = append(parts, r.DesiredState)
	}
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "/" + strings.Join(parts, "/"), nil
}

// Stream hands every event the gateway streams for req to onEvent, until
// the server ends the stream, ctx is done, or onEvent returns an error.
// Returning ErrStopStream ends the stream with a nil error.
func (c *Client) Stream(ctx context.Context, req StreamRequest, onEvent func(models.Event) error) error {
	path, err := req.path()
	if err != nil {
		return err
	}

	resp, err := c.send(ctx, request{
		method: http.MethodGet,
		path:   path,
		header: http.Header{"Accept": []string{"text/event-stream"}},
		stream: true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.logger.Info("Stream opened", "path", path)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineSize)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if data.Len() == 0 {
				continue
			}
			var event models.Event
			if err := json.Unmarshal(data.Bytes(), &event); err != nil {
				c.logger.Error("Failed to unmarshal streamed event", "error", err, "data", data.String())
				data.Reset()
				continue
			}
			data.Reset()
			if err := onEvent(event); err != nil {
				if errors.Is(err, ErrStopStream) {
					return nil
				}
				return err
			}
		case line[0] == ':':
			// keep-alive comment
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read stream")
	}
	c.logger.Info("Stream ended by server", "path", path)
	return nil
}

// Relay joins the gateway's /pubsub relay. Every event emitted on the
// gateway is handed to onEvent, and every event read from outbound is
// published into it. Relay returns when ctx is done or the connection drops.
// Needs an admin key.
func (c *Client) Relay(ctx context.Context, outbound <-chan models.Event, onEvent func(models.Event)) error {
	wsScheme := "ws"
	if c.baseURL.Scheme == "https" {
		wsScheme = "wss"
	}
	wsURL := url.URL{
		Scheme: wsScheme,
		Host:   c.baseURL.Host,
		Path:   strings.TrimSuffix(c.baseURL.Path, "/") + "/pubsub",
	}

	header := http.Header{}
	header.Set(apiKeyHeader, c.apiKey)
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  c.tlsConfig,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			c.logger.Error("Relay dial rejected", "url", wsURL.String(), "status", resp.Status, "error", err)
			return c.decodeFailure(resp)
		}
		c.logger.Error("Relay dial error", "url", wsURL.String(), "error", err)
		return errors.Wrapf(err, "failed to dial websocket %s", wsURL.String())
	}
	defer conn.Close()
	c.logger.Info("Relay connected", "url", wsURL.String())

	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.relayWriter(ctx, conn, outbound, readerDone)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			close(readerDone)
			<-writerDone
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("Relay closed by server")
				return nil
			}
			return errors.Wrap(err, "relay read")
		}

		var event models.Event
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Error("Failed to unmarshal relayed event", "error", err)
			continue
		}
		if onEvent != nil {
			onEvent(event)
		}
	}
}

// relayWriter owns every write on conn. On ctx done it sends a close frame
// and closes the connection, which ends the read loop.
func (c *Client) relayWriter(ctx context.Context, conn *websocket.Conn, outbound <-chan models.Event, readerDone <-chan struct{}) {
	ticker := time.NewTicker(relayPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-readerDone:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(relayWriteWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(relayWriteWait)); err != nil {
				c.logger.Error("Relay ping failed", "error", err)
				conn.Close()
				return
			}
		case event, ok := <-outbound:
			if !ok {
				outbound = nil
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				c.logger.Error("Failed to marshal relay event", "topic", event.Topic, "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error("Relay write failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}
