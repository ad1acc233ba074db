package webhooks

import (
	"strings"

	"github.com/InsulaLabs/agentgate/models"
)

// agentTopics maps agent webhook topics onto gateway topics. Anything not
// listed is not relayed.
var agentTopics = map[string]string{
	"basicmessages":         models.TopicBasicMessages,
	"connections":           models.TopicConnections,
	"present_proof":         models.TopicProofs,
	"present_proof_v2_0":    models.TopicProofs,
	"out_of_band":           models.TopicOOB,
	"issue_credential":      models.TopicCredentials,
	"issue_credential_v2_0": models.TopicCredentials,
	"endorse_transaction":   models.TopicEndorsements,
	"revocation_registry":   models.TopicRevocation,
	"issuer_cred_rev":       models.TopicIssuerCredRev,
	"problem_report":        models.TopicProblemReports,
}

func MapTopic(agentTopic string) (string, bool) {
	topic, ok := agentTopics[agentTopic]
	return topic, ok
}

// v1 protocol records use their own state names.
var v1CredentialStates = map[string]string{
	"abandoned":           "abandoned",
	"credential_acked":    "done",
	"credential_issued":   "credential-issued",
	"credential_received": "credential-received",
	"done":                "done",
	"offer_received":      "offer-received",
	"offer_sent":          "offer-sent",
	"proposal_received":   "proposal-received",
	"proposal_sent":       "proposal-sent",
	"request_received":    "request-received",
	"request_sent":        "request-sent",
}

var v1ProofStates = map[string]string{
	"abandoned":             "abandoned",
	"done":                  "done",
	"presentation_acked":    "done",
	"presentation_received": "presentation-received",
	"presentation_sent":     "presentation-sent",
	"proposal_received":     "proposal-received",
	"proposal_sent":         "proposal-sent",
	"request_received":      "request-received",
	"request_sent":          "request-sent",
	"verified":              "done",
}

// normalizeState rewrites payload["state"] so every topic uses the same
// dash-separated RFC state names. The input map is copied, not modified.
func normalizeState(agentTopic string, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}

	if agentTopic == "connections" {
		if rfc, ok := out["rfc23_state"].(string); ok && rfc != "" {
			out["state"] = rfc
		}
	}

	state, ok := out["state"].(string)
	if !ok {
		return out
	}

	switch agentTopic {
	case "issue_credential":
		if mapped, ok := v1CredentialStates[state]; ok {
			out["state"] = mapped
			return out
		}
	case "present_proof":
		if mapped, ok := v1ProofStates[state]; ok {
			out["state"] = mapped
			return out
		}
	}

	out["state"] = strings.ReplaceAll(state, "_", "-")
	return out
}
