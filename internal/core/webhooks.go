package core

import (
	"errors"
	"io"
	"net/http"

	"github.com/InsulaLabs/agentgate/internal/auth"
	"github.com/InsulaLabs/agentgate/internal/webhooks"
)

const walletHeader = "x-wallet-id"

// webhookHandler is the ingestion boundary: one agent webhook in, one event
// emitted on the bus.
func (c *Core) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if c.cfg.Webhooks.ApiKey != "" && !auth.KeyEqual(r.Header.Get(auth.HeaderName), c.cfg.Webhooks.ApiKey) {
		c.logger.Warn("Webhook rejected, bad api key", "remote_addr", c.getRemoteAddress(r))
		writeError(w, http.StatusUnauthorized, "API_KEY_INVALID", auth.ErrInvalidKey.Error())
		return
	}

	origin := r.PathValue("origin")
	agentTopic := r.PathValue("agent_topic")

	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		c.logger.Error("Could not read webhook body", "origin", origin, "agent_topic", agentTopic, "error", err)
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "could not read body")
		return
	}

	event, err := webhooks.Decode(origin, agentTopic, r.Header.Get(walletHeader), body)
	if err != nil {
		if errors.Is(err, webhooks.ErrUnknownTopic) {
			c.logger.Debug("Dropping webhook for unhandled topic", "origin", origin, "agent_topic", agentTopic)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		c.logger.Warn("Invalid webhook", "origin", origin, "agent_topic", agentTopic, "error", err)
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	c.bus.Emit(r.Context(), event)
	w.WriteHeader(http.StatusNoContent)
}
