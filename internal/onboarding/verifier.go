package onboarding

import (
	"context"
	"log/slog"

	"github.com/InsulaLabs/agentgate/internal/agent"
	"github.com/InsulaLabs/agentgate/models"
	"github.com/pkg/errors"
)

// onboardVerifier reuses a public DID when the tenant has one. Otherwise the
// did:key of a fresh multi-use invitation identifies the verifier.
func (c *Coordinator) onboardVerifier(
	ctx context.Context,
	logger *slog.Logger,
	tenant agent.Controller,
	name string,
) (models.OnboardResult, error) {
	var (
		did    agent.DID
		hasDID bool
	)
	err := c.run(ctx, StepReadPublicDID, func(ctx context.Context) error {
		var err error
		did, err = tenant.GetPublicDID(ctx)
		switch {
		case err == nil:
			hasDID = true
		case errors.Is(err, agent.ErrNoPublicDID):
		default:
			return err
		}
		return nil
	})
	if err != nil {
		return models.OnboardResult{}, err
	}
	if hasDID {
		return models.OnboardResult{DID: qualifiedSov(did.DID)}, nil
	}

	logger.Info("Verifier has no public DID, creating invitation on its behalf")

	var invitation agent.InvitationRecord
	err = c.run(ctx, StepCreateInvitation, func(ctx context.Context) error {
		var err error
		invitation, err = tenant.CreateInvitation(ctx, agent.InvitationRequest{
			Alias:              trustRegistryAlias(name),
			HandshakeProtocols: []string{agent.DIDExchangeProtocol},
			UsePublicDID:       false,
			MultiUse:           true,
		})
		return err
	})
	if err != nil {
		return models.OnboardResult{}, err
	}

	key, err := invitation.Invitation.RecipientKey()
	if err != nil {
		return models.OnboardResult{}, &StepError{Step: StepInvitationKey, Err: err}
	}
	return models.OnboardResult{
		DID:           key,
		DIDCommInvite: invitation.InvitationURL,
	}, nil
}
