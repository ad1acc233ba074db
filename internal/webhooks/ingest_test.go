package webhooks

import (
	"errors"
	"testing"

	"github.com/InsulaLabs/agentgate/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapTopic(t *testing.T) {
	tests := []struct {
		agent string
		want  string
		ok    bool
	}{
		{"basicmessages", models.TopicBasicMessages, true},
		{"connections", models.TopicConnections, true},
		{"present_proof", models.TopicProofs, true},
		{"present_proof_v2_0", models.TopicProofs, true},
		{"out_of_band", models.TopicOOB, true},
		{"issue_credential", models.TopicCredentials, true},
		{"issue_credential_v2_0", models.TopicCredentials, true},
		{"endorse_transaction", models.TopicEndorsements, true},
		{"ping", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.agent, func(t *testing.T) {
			got, ok := MapTopic(tt.agent)
			if got != tt.want || ok != tt.ok {
				t.Errorf("MapTopic() got = %v, %v, want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name       string
		agentTopic string
		body       string
		wantTopic  string
		wantState  string
	}{
		{"connection uses rfc23 state", "connections", `{"state":"active","rfc23_state":"completed","connection_id":"c1"}`, models.TopicConnections, "completed"},
		{"endorsement underscores", "endorse_transaction", `{"state":"request_received","transaction_id":"t1"}`, models.TopicEndorsements, "request-received"},
		{"v1 credential acked", "issue_credential", `{"state":"credential_acked"}`, models.TopicCredentials, "done"},
		{"v1 proof verified", "present_proof", `{"state":"verified"}`, models.TopicProofs, "done"},
		{"v2 credential", "issue_credential_v2_0", `{"state":"offer-sent"}`, models.TopicCredentials, "offer-sent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Decode("tenant", tt.agentTopic, "w1", []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.wantTopic, e.Topic)
			assert.Equal(t, "w1", e.WalletID)
			assert.Equal(t, "tenant", e.Origin)
			assert.Equal(t, tt.wantState, e.Payload["state"])
		})
	}
}

func TestDecodeDefaultsToAdminWallet(t *testing.T) {
	e, err := Decode("governance", "connections", "", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, models.AdminWalletID, e.WalletID)
	assert.NotNil(t, e.Payload)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode("tenant", "nope", "w1", []byte(`{}`))
	assert.True(t, errors.Is(err, ErrUnknownTopic))

	_, err = Decode("tenant", "connections", "w1", []byte(`not json`))
	assert.Error(t, err)
}
