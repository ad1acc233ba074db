package models

const (
	RoleIssuer   = "issuer"
	RoleVerifier = "verifier"
)

type OnboardRequest struct {
	Roles []string `json:"roles" validate:"required,min=1,dive,oneof=issuer verifier"`
	// Optional label used as the alias of the endorser connection.
	Label string `json:"label,omitempty" validate:"omitempty,max=128"`
}

type OnboardResult struct {
	DID           string `json:"did"`
	DIDCommInvite string `json:"didcomm_invitation,omitempty"`
}
