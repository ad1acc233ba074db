package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

type PumpOptions struct {
	// DisconnectCheck bounds each write. A client that cannot take a frame
	// within it is treated as gone.
	DisconnectCheck time.Duration
	KeepAlive       time.Duration
	// MaxDuration ends the stream after this long. 0 means no limit.
	MaxDuration time.Duration
	Logger      *slog.Logger
}

// Pump writes the stream's matching events to w as server-sent events. It
// returns nil when the client goes away, the matcher reports a terminal
// match, or MaxDuration passes; only a failure to start the response is an
// error.
func Pump(ctx context.Context, w http.ResponseWriter, s *Stream, match *Matcher, opts PumpOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stream", s.id, "wallet_id", s.key.WalletID, "topic", s.key.Topic)
	if opts.DisconnectCheck <= 0 {
		opts.DisconnectCheck = time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}

	rc := http.NewResponseController(w)
	defer func() {
		// Clear the deadline so the server can finish the response.
		if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.Debug("Failed to clear write deadline", "error", err)
		}
	}()

	// write sends one frame and flushes it, giving up after DisconnectCheck.
	write := func(frame string) error {
		err := rc.SetWriteDeadline(time.Now().Add(opts.DisconnectCheck))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		if _, err := io.WriteString(w, frame); err != nil {
			return err
		}
		return rc.Flush()
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("streaming unsupported: %w", err)
	}

	keepAlive := time.NewTicker(opts.KeepAlive)
	defer keepAlive.Stop()

	var deadline <-chan time.Time
	if opts.MaxDuration > 0 {
		timer := time.NewTimer(opts.MaxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		for {
			event, ok := s.TryNext()
			if !ok {
				break
			}
			if !match.Match(event) {
				continue
			}

			data, err := json.Marshal(event)
			if err != nil {
				logger.Error("Failed to marshal event for stream", "error", err)
				continue
			}
			if err := write("data: " + string(data) + "\n\n"); err != nil {
				logger.Debug("Client gone during write", "error", err)
				return nil
			}
			if match.Terminal() {
				logger.Debug("Desired state reached, ending stream")
				return nil
			}
		}

		select {
		case <-s.Ready():
		case <-ctx.Done():
			logger.Debug("Client disconnected")
			return nil
		case <-keepAlive.C:
			if err := write(": ping\n\n"); err != nil {
				logger.Debug("Client gone during keep-alive", "error", err)
				return nil
			}
		case <-deadline:
			logger.Debug("Stream reached its maximum duration")
			return nil
		}
	}
}
