package onboarding

import (
	"context"
	"log/slog"

	"github.com/InsulaLabs/agentgate/internal/agent"
	"github.com/InsulaLabs/agentgate/internal/events"
	"github.com/InsulaLabs/agentgate/models"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	connectionStateCompleted = "completed"
	endorserAlias            = "endorser"
)

func (c *Coordinator) onboardIssuer(
	ctx context.Context,
	logger *slog.Logger,
	tenant agent.Controller,
	name string,
) (models.OnboardResult, error) {
	endorser := c.agents.Admin()

	var (
		tenantDID   agent.DID
		hasDID      bool
		endorserDID agent.DID
		endorserErr error
	)
	err := c.run(ctx, StepReadPublicDID, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			did, err := tenant.GetPublicDID(gctx)
			switch {
			case err == nil:
				tenantDID, hasDID = did, true
			case errors.Is(err, agent.ErrNoPublicDID):
			default:
				return errors.Wrap(err, "tenant public did")
			}
			return nil
		})
		g.Go(func() error {
			// Only needed when the tenant has no DID yet.
			endorserDID, endorserErr = endorser.GetPublicDID(gctx)
			return nil
		})
		return g.Wait()
	})
	if err != nil {
		return models.OnboardResult{}, err
	}

	if !hasDID {
		logger.Info("Tenant has no public DID, running endorser handshake")
		if endorserErr != nil {
			return models.OnboardResult{}, &StepError{
				Step: StepReadPublicDID,
				Err:  errors.Wrap(endorserErr, "endorser public did"),
			}
		}
		tenantDID, err = c.registerIssuerDID(ctx, logger, endorser, tenant, endorserDID, name)
		if err != nil {
			return models.OnboardResult{}, err
		}
	}

	var invitation agent.InvitationRecord
	err = c.run(ctx, StepCreateInvitation, func(ctx context.Context) error {
		var err error
		invitation, err = tenant.CreateInvitation(ctx, agent.InvitationRequest{
			Alias:              trustRegistryAlias(name),
			HandshakeProtocols: []string{agent.DIDExchangeProtocol},
			MultiUse:           true,
		})
		return err
	})
	if err != nil {
		return models.OnboardResult{}, err
	}

	return models.OnboardResult{
		DID:           qualifiedSov(tenantDID.DID),
		DIDCommInvite: invitation.InvitationURL,
	}, nil
}

// registerIssuerDID connects the tenant to the endorser, negotiates the
// author and endorser roles, and gets a fresh DID of the tenant written to
// the ledger through an endorsed transaction.
func (c *Coordinator) registerIssuerDID(
	ctx context.Context,
	logger *slog.Logger,
	endorser, tenant agent.Controller,
	endorserDID agent.DID,
	name string,
) (agent.DID, error) {
	var invitation agent.InvitationRecord
	err := c.run(ctx, StepEndorserInvite, func(ctx context.Context) error {
		var err error
		invitation, err = endorser.CreateInvitation(ctx, agent.InvitationRequest{
			Alias:              name,
			HandshakeProtocols: []string{agent.DIDExchangeProtocol},
			UsePublicDID:       true,
		})
		return err
	})
	if err != nil {
		return agent.DID{}, err
	}

	connections, err := events.NewWaiter(ctx, c.bus, models.TopicConnections, models.AdminWalletID)
	if err != nil {
		return agent.DID{}, &StepError{Step: StepAwaitConnection, Err: err}
	}
	defer connections.Stop()

	var tenantConn agent.ConnRecord
	err = c.run(ctx, StepAwaitConnection, func(ctx context.Context) error {
		var err error
		tenantConn, err = tenant.ReceiveInvitation(ctx, invitation.Invitation, endorserAlias)
		return err
	})
	if err != nil {
		return agent.DID{}, err
	}

	connected, err := c.await(ctx, StepAwaitConnection, connections, map[string]any{
		"invitation_msg_id": invitation.InviMsgID,
		"state":             connectionStateCompleted,
	})
	if err != nil {
		return agent.DID{}, err
	}
	endorserConnID, _ := connected["connection_id"].(string)
	if endorserConnID == "" {
		return agent.DID{}, &StepError{
			Step: StepAwaitConnection,
			Err:  errors.New("completed connection event carries no connection_id"),
		}
	}
	logger.Debug("Endorser connection completed",
		"endorser_connection_id", endorserConnID,
		"tenant_connection_id", tenantConn.ConnectionID,
	)

	err = c.run(ctx, StepEndorserRoles, func(ctx context.Context) error {
		if err := endorser.SetEndorserRole(ctx, endorserConnID, agent.JobTransactionEndorser); err != nil {
			return err
		}
		if err := tenant.SetEndorserRole(ctx, tenantConn.ConnectionID, agent.JobTransactionAuthor); err != nil {
			return err
		}
		return tenant.SetEndorserInfo(ctx, tenantConn.ConnectionID, endorserDID.DID)
	})
	if err != nil {
		return agent.DID{}, err
	}

	var issuerDID agent.DID
	err = c.run(ctx, StepRegisterDID, func(ctx context.Context) error {
		var err error
		if issuerDID, err = tenant.CreateDID(ctx); err != nil {
			return err
		}
		if err := endorser.RegisterNym(ctx, issuerDID.DID, issuerDID.Verkey, name); err != nil {
			return err
		}
		return tenant.AcceptTAAIfRequired(ctx)
	})
	if err != nil {
		return agent.DID{}, err
	}

	endorsements, err := events.NewWaiter(ctx, c.bus, models.TopicEndorsements, models.AdminWalletID)
	if err != nil {
		return agent.DID{}, &StepError{Step: StepAwaitEndorsement, Err: err}
	}
	defer endorsements.Stop()

	err = c.run(ctx, StepAwaitEndorsement, func(ctx context.Context) error {
		return tenant.SetPublicDID(ctx, issuerDID.DID, true)
	})
	if err != nil {
		return agent.DID{}, err
	}

	request, err := c.await(ctx, StepAwaitEndorsement, endorsements, map[string]any{
		"state":         models.EndorseStateRequestReceived,
		"connection_id": endorserConnID,
	})
	if err != nil {
		return agent.DID{}, err
	}
	transactionID, _ := request["transaction_id"].(string)

	err = c.run(ctx, StepEndorse, func(ctx context.Context) error {
		return endorser.EndorseTransaction(ctx, transactionID)
	})
	if err != nil {
		return agent.DID{}, err
	}

	logger.Info("Issuer DID endorsed", "did", issuerDID.DID, "transaction_id", transactionID)
	return issuerDID, nil
}
