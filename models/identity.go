package models

// Role is the caller class resolved from the x-api-key header prefix.
type Role string

const (
	RoleGovernance  Role = "governance"
	RoleTenantAdmin Role = "tenant-admin"
	RoleTenant      Role = "tenant"
)

func (r Role) IsAdmin() bool {
	return r == RoleGovernance || r == RoleTenantAdmin
}

// Identity is what every authenticated request resolves to.
type Identity struct {
	Role     Role   `json:"role"`
	WalletID string `json:"wallet_id"`
	Token    string `json:"-"`
}

// CanAccess reports whether the identity may observe events for walletID.
func (i Identity) CanAccess(walletID string) bool {
	return i.Role.IsAdmin() || i.WalletID == walletID
}

type PingResponse struct {
	Status   string `json:"status"`
	Role     string `json:"role"`
	WalletID string `json:"wallet_id"`
	Uptime   string `json:"uptime"`
}
