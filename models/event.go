package models

// TopicAll addresses every topic of a wallet on the streaming and relay surfaces.
const TopicAll = "all"

// AdminWalletID is the wallet that privileged agent events are attributed to.
const AdminWalletID = "admin"

/*
	An Event is produced once by ingestion and fanned out to every interested
	subscriber. Subscribers receive the same value and must treat it, and
	its payload, as read-only.
*/

type Event struct {
	Topic    string         `json:"topic"`
	WalletID string         `json:"wallet_id"`
	Origin   string         `json:"origin"`
	Payload  map[string]any `json:"payload"`
}

// Matches reports whether the event belongs to the (topic, walletID) key.
// TopicAll matches every topic.
func (e Event) Matches(topic, walletID string) bool {
	if e.WalletID != walletID {
		return false
	}
	return topic == TopicAll || e.Topic == topic
}

// StringField returns payload[key] when it is a string.
func (e Event) StringField(key string) (string, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}
