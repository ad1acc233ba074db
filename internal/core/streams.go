package core

import (
	"fmt"
	"net/http"
	"time"

	"github.com/InsulaLabs/agentgate/internal/events"
	"github.com/InsulaLabs/agentgate/internal/sse"
	"github.com/InsulaLabs/agentgate/models"
)

// Query parameters of the wait endpoint that are not part of the filter.
var waitReservedParams = map[string]struct{}{
	"topic":     {},
	"timeout":   {},
	"wallet_id": {},
}

func (c *Core) streamHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	walletID := r.PathValue("wallet_id")
	if !id.CanAccess(walletID) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "cannot stream events of another wallet")
		return
	}

	topic := r.PathValue("topic")
	if topic == "" {
		topic = models.TopicAll
	}
	filter := sse.Filter{
		Field:        r.PathValue("field"),
		FieldValue:   r.PathValue("field_id"),
		DesiredState: r.PathValue("desired_state"),
	}

	stream, err := c.streams.Open(walletID, topic)
	if err != nil {
		c.writeFailure(w, err)
		return
	}
	defer stream.Close()

	opts := sse.PumpOptions{
		DisconnectCheck: c.cfg.SSE.DisconnectCheckPeriod,
		KeepAlive:       c.cfg.SSE.KeepAlivePeriod,
		Logger:          c.logger,
	}
	if filter.DesiredState != "" {
		opts.MaxDuration = c.cfg.SSE.MaxStreamDuration
	}

	c.logger.Debug("Stream started", "wallet_id", walletID, "topic", topic, "role", id.Role)
	match := sse.NewMatcher(topic, filter, c.cfg.SSE.MaxStreamDuration)
	if err := sse.Pump(r.Context(), w, stream, match, opts); err != nil {
		c.logger.Error("Stream failed", "wallet_id", walletID, "topic", topic, "error", err)
	}
}

// waitHandler blocks until an event for the caller's wallet matches every
// extra query parameter, or the timeout passes.
func (c *Core) waitHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	q := r.URL.Query()

	topic := q.Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "missing topic")
		return
	}

	walletID := id.WalletID
	if requested := q.Get("wallet_id"); requested != "" {
		if !id.CanAccess(requested) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "cannot wait on events of another wallet")
			return
		}
		walletID = requested
	}

	timeout := c.cfg.Waiter.DefaultTimeout
	if raw := q.Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 || parsed > c.cfg.Waiter.MaxTimeout {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST",
				fmt.Sprintf("timeout must be a positive duration up to %s", c.cfg.Waiter.MaxTimeout))
			return
		}
		timeout = parsed
	}

	filter := make(map[string]any)
	for k, v := range q {
		if _, reserved := waitReservedParams[k]; reserved || len(v) == 0 {
			continue
		}
		filter[k] = v[0]
	}

	waiter, err := events.NewWaiter(r.Context(), c.bus, topic, walletID)
	if err != nil {
		c.writeFailure(w, err)
		return
	}

	payload, err := waiter.WaitForFilteredEvent(r.Context(), filter, timeout)
	if err != nil {
		if r.Context().Err() != nil {
			c.logger.Debug("Waiting client went away", "topic", topic, "wallet_id", walletID)
			return
		}
		c.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}
