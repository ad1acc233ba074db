package webhooks

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/InsulaLabs/agentgate/models"
)

var ErrUnknownTopic = errors.New("unknown agent topic")

// Decode turns a raw agent webhook into a gateway event.
func Decode(origin, agentTopic, walletID string, body []byte) (models.Event, error) {
	topic, ok := MapTopic(agentTopic)
	if !ok {
		return models.Event{}, fmt.Errorf("%w: %s", ErrUnknownTopic, agentTopic)
	}

	if walletID == "" {
		walletID = models.AdminWalletID
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.Event{}, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	return models.Event{
		Topic:    topic,
		WalletID: walletID,
		Origin:   origin,
		Payload:  normalizeState(agentTopic, payload),
	}, nil
}
