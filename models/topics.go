package models

// Gateway topic names, as seen by subscribers.
const (
	TopicBasicMessages  = "basic-messages"
	TopicConnections    = "connections"
	TopicProofs         = "proofs"
	TopicOOB            = "oob"
	TopicCredentials    = "credentials"
	TopicEndorsements   = "endorsements"
	TopicRevocation     = "revocation"
	TopicIssuerCredRev  = "issuer-cred-rev"
	TopicProblemReports = "problem-report"
)

// Endorsement transaction states after normalization.
const (
	EndorseStateRequestReceived     = "request-received"
	EndorseStateTransactionAcked    = "transaction-acked"
	EndorseStateTransactionEndorsed = "transaction-endorsed"
)
