package onboarding

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/InsulaLabs/agentgate/internal/agent"
	"github.com/InsulaLabs/agentgate/internal/events"
	"github.com/InsulaLabs/agentgate/models"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

const defaultStepTimeout = 30 * time.Second

type Config struct {
	Logger      *slog.Logger
	Bus         *events.Bus
	Agents      agent.Controllers
	StepTimeout time.Duration
}

/*
	The Coordinator grants a tenant wallet an issuer or verifier role. The
	issuer handshake crosses two event streams: the endorser's (admin wallet)
	connection and endorsement events. Every wait is armed before the agent
	call that triggers its event.
*/

type Coordinator struct {
	logger      *slog.Logger
	bus         *events.Bus
	agents      agent.Controllers
	stepTimeout time.Duration
	validate    *validator.Validate
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Bus == nil {
		return nil, errors.New("onboarding requires an event bus")
	}
	if cfg.Agents == nil {
		return nil, errors.New("onboarding requires agent controllers")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	return &Coordinator{
		logger:      cfg.Logger.WithGroup("onboarding"),
		bus:         cfg.Bus,
		agents:      cfg.Agents,
		stepTimeout: cfg.StepTimeout,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Onboard runs the flow for the requested roles. When issuer is among them
// the issuer flow runs alone: its public DID and invitation also cover
// verification.
func (c *Coordinator) Onboard(ctx context.Context, walletID string, req models.OnboardRequest) (models.OnboardResult, error) {
	if err := c.validate.Struct(req); err != nil {
		return models.OnboardResult{}, &StepError{Step: StepValidate, Err: err}
	}
	if walletID == "" || walletID == models.AdminWalletID {
		return models.OnboardResult{}, &StepError{
			Step: StepValidate,
			Err:  errors.Errorf("wallet %q cannot be onboarded", walletID),
		}
	}

	name := req.Label
	if name == "" {
		name = walletID
	}

	tenant, err := c.agents.Tenant(ctx, walletID)
	if err != nil {
		return models.OnboardResult{}, &StepError{Step: StepTenantController, Err: err}
	}

	logger := c.logger.With("wallet_id", walletID, "roles", req.Roles)
	logger.Info("Onboarding tenant")

	var result models.OnboardResult
	if slices.Contains(req.Roles, models.RoleIssuer) {
		result, err = c.onboardIssuer(ctx, logger, tenant, name)
	} else {
		result, err = c.onboardVerifier(ctx, logger, tenant, name)
	}
	if err != nil {
		logger.Error("Onboarding failed", "error", err)
		return models.OnboardResult{}, err
	}

	logger.Info("Onboarding complete", "did", result.DID)
	return result, nil
}

// run bounds a synchronous agent step by the step timeout.
func (c *Coordinator) run(ctx context.Context, step Step, fn func(ctx context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	defer cancel()

	if err := fn(stepCtx); err != nil {
		return &StepError{Step: step, Err: err}
	}
	return nil
}

// await blocks on w for an event matching filter within the step timeout.
func (c *Coordinator) await(ctx context.Context, step Step, w *events.Waiter, filter map[string]any) (map[string]any, error) {
	payload, err := w.WaitForFilteredEvent(ctx, filter, c.stepTimeout)
	if err != nil {
		return nil, &StepError{Step: step, Err: err}
	}
	return payload, nil
}

func qualifiedSov(did string) string {
	return "did:sov:" + did
}

func trustRegistryAlias(name string) string {
	return "Trust Registry " + name
}
