package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/InsulaLabs/agentgate/internal/auth"
	"github.com/InsulaLabs/agentgate/internal/events"
	"github.com/InsulaLabs/agentgate/internal/onboarding"
	"github.com/InsulaLabs/agentgate/models"
)

type identityKey struct{}

func withIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(models.Identity)
	return id, ok
}

func (c *Core) authMiddleware(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := c.identity.Resolve(r.Header.Get(auth.HeaderName))
		if err != nil {
			c.logger.Debug("Rejected request", "path", r.URL.Path, "remote_addr", c.getRemoteAddress(r), "error", err)
			writeError(w, http.StatusUnauthorized, "API_KEY_INVALID", err.Error())
			return
		}
		next(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, models.ErrorResponse{ErrorType: errorType, Message: message})
}

// writeFailure maps the typed failures of waiting and onboarding to a
// status code.
func (c *Core) writeFailure(w http.ResponseWriter, err error) {
	var (
		status    int
		errorType string
	)

	step, isStep := onboarding.AsStepError(err)
	switch {
	case isStep && step.Step == onboarding.StepValidate:
		status, errorType = http.StatusBadRequest, "VALIDATION_FAILED"
	case events.IsUpstreamConnect(err):
		status, errorType = http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"
	case isStep && step.Timeout(), events.IsTimeout(err):
		status, errorType = http.StatusGatewayTimeout, "EVENT_TIMEOUT"
	case errors.Is(err, auth.ErrForbidden):
		status, errorType = http.StatusForbidden, "FORBIDDEN"
	case isStep:
		status, errorType = http.StatusBadGateway, "AGENT_FAILURE"
	default:
		status, errorType = http.StatusInternalServerError, "INTERNAL"
	}

	if status >= http.StatusInternalServerError {
		c.logger.Error("Request failed", "status", status, "error", err)
	}
	writeError(w, status, errorType, err.Error())
}
