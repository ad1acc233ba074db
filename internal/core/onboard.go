package core

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/InsulaLabs/agentgate/models"
)

func (c *Core) onboardHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	if !id.Role.IsAdmin() {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "onboarding requires an admin key")
		return
	}

	walletID := r.PathValue("wallet_id")

	var req models.OnboardRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOnboardBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid onboard request: "+err.Error())
		return
	}

	result, err := c.onboarder.Onboard(r.Context(), walletID, req)
	if err != nil {
		c.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *Core) pingHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	uptime := time.Duration(0)
	if !c.startedAt.IsZero() {
		uptime = time.Since(c.startedAt).Truncate(time.Second)
	}
	writeJSON(w, http.StatusOK, models.PingResponse{
		Status:   "ok",
		Role:     string(id.Role),
		WalletID: id.WalletID,
		Uptime:   uptime.String(),
	})
}
