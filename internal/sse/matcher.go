package sse

import (
	"fmt"
	"time"

	"github.com/InsulaLabs/agentgate/models"
	"github.com/jellydator/ttlcache/v3"
)

// Filter narrows a stream. Empty fields do not filter.
type Filter struct {
	Field        string
	FieldValue   string
	DesiredState string
}

/*
	Matcher applies a stream's path filter to events as they are read.

	Endorsement streams waiting for request-received remember transactions
	already seen as acked or endorsed and skip later request-received events
	for them, which would otherwise look like a fresh request.
*/

type Matcher struct {
	topic   string
	filter  Filter
	settled *ttlcache.Cache[string, struct{}]
}

const settledCapacity = 4096

func NewMatcher(topic string, filter Filter, memory time.Duration) *Matcher {
	m := &Matcher{topic: topic, filter: filter}
	if topic == models.TopicEndorsements && filter.DesiredState == models.EndorseStateRequestReceived {
		m.settled = ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](memory),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
			ttlcache.WithCapacity[string, struct{}](settledCapacity),
		)
	}
	return m
}

// Terminal reports whether the stream ends after its first match.
func (m *Matcher) Terminal() bool {
	return m.filter.DesiredState != ""
}

func (m *Matcher) Match(event models.Event) bool {
	if m.filter.Field != "" {
		v, ok := event.Payload[m.filter.Field]
		if !ok || fmt.Sprint(v) != m.filter.FieldValue {
			return false
		}
	}

	state, _ := event.StringField("state")

	if m.settled != nil {
		txID, _ := event.StringField("transaction_id")
		switch state {
		case models.EndorseStateTransactionAcked, models.EndorseStateTransactionEndorsed:
			if txID != "" {
				m.settled.Set(txID, struct{}{}, ttlcache.DefaultTTL)
			}
			return false
		case models.EndorseStateRequestReceived:
			if item := m.settled.Get(txID); item != nil && !item.IsExpired() {
				return false
			}
		}
	}

	if m.filter.DesiredState != "" {
		return state == m.filter.DesiredState
	}
	return true
}
