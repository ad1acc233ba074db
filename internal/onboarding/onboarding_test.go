package onboarding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/InsulaLabs/agentgate/internal/agent"
	"github.com/InsulaLabs/agentgate/internal/events"
	"github.com/InsulaLabs/agentgate/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeController struct {
	name string
	log  *callLog

	publicDID    *agent.DID
	publicDIDErr error
	invitation   agent.InvitationRecord
	createdDID   agent.DID

	onReceiveInvitation func()
	onSetPublicDID      func()
	endorsed            []string
}

var _ agent.Controller = (*fakeController)(nil)

func (f *fakeController) record(call string) { f.log.add(f.name + "." + call) }

func (f *fakeController) GetPublicDID(context.Context) (agent.DID, error) {
	f.record("GetPublicDID")
	if f.publicDIDErr != nil {
		return agent.DID{}, f.publicDIDErr
	}
	if f.publicDID == nil {
		return agent.DID{}, agent.ErrNoPublicDID
	}
	return *f.publicDID, nil
}

func (f *fakeController) CreateInvitation(_ context.Context, req agent.InvitationRequest) (agent.InvitationRecord, error) {
	f.record("CreateInvitation")
	return f.invitation, nil
}

func (f *fakeController) ReceiveInvitation(context.Context, agent.Invitation, string) (agent.ConnRecord, error) {
	f.record("ReceiveInvitation")
	if f.onReceiveInvitation != nil {
		f.onReceiveInvitation()
	}
	return agent.ConnRecord{ConnectionID: "tenant-conn"}, nil
}

func (f *fakeController) SetEndorserRole(_ context.Context, connectionID, job string) error {
	f.record("SetEndorserRole:" + connectionID + ":" + job)
	return nil
}

func (f *fakeController) SetEndorserInfo(_ context.Context, connectionID, endorserDID string) error {
	f.record("SetEndorserInfo:" + connectionID + ":" + endorserDID)
	return nil
}

func (f *fakeController) CreateDID(context.Context) (agent.DID, error) {
	f.record("CreateDID")
	return f.createdDID, nil
}

func (f *fakeController) RegisterNym(_ context.Context, did, _, _ string) error {
	f.record("RegisterNym:" + did)
	return nil
}

func (f *fakeController) AcceptTAAIfRequired(context.Context) error {
	f.record("AcceptTAAIfRequired")
	return nil
}

func (f *fakeController) SetPublicDID(_ context.Context, did string, _ bool) error {
	f.record("SetPublicDID:" + did)
	if f.onSetPublicDID != nil {
		f.onSetPublicDID()
	}
	return nil
}

func (f *fakeController) EndorseTransaction(_ context.Context, transactionID string) error {
	f.record("EndorseTransaction:" + transactionID)
	f.endorsed = append(f.endorsed, transactionID)
	return nil
}

type fakeControllers struct {
	admin  *fakeController
	tenant *fakeController
}

func (f *fakeControllers) Admin() agent.Controller { return f.admin }

func (f *fakeControllers) Tenant(context.Context, string) (agent.Controller, error) {
	return f.tenant, nil
}

type harness struct {
	bus    *events.Bus
	log    *callLog
	admin  *fakeController
	tenant *fakeController
	coord  *Coordinator
}

func newHarness(t *testing.T, stepTimeout time.Duration) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := &callLog{}
	h := &harness{
		bus: events.NewBus(ctx, events.Config{}),
		log: log,
		admin: &fakeController{
			name:      "endorser",
			log:       log,
			publicDID: &agent.DID{DID: "ENDORSERDID"},
			invitation: agent.InvitationRecord{
				InviMsgID:  "invi-1",
				Invitation: agent.Invitation{"@id": "invi-1"},
			},
		},
		tenant: &fakeController{
			name:       "tenant",
			log:        log,
			createdDID: agent.DID{DID: "ISSUERDID", Verkey: "vk"},
			invitation: agent.InvitationRecord{
				InvitationURL: "http://tenant/?oob=xyz",
				Invitation: agent.Invitation{
					"services": []any{map[string]any{"recipientKeys": []any{"did:key:z6MkTenant"}}},
				},
			},
		},
	}

	coord, err := New(Config{
		Bus:         h.bus,
		Agents:      &fakeControllers{admin: h.admin, tenant: h.tenant},
		StepTimeout: stepTimeout,
	})
	require.NoError(t, err)
	h.coord = coord
	return h
}

func (h *harness) emitAdmin(topic string, payload map[string]any) {
	h.bus.Emit(context.Background(), models.Event{
		Topic:    topic,
		WalletID: models.AdminWalletID,
		Origin:   "governance",
		Payload:  payload,
	})
}

func (h *harness) wireHandshake() {
	h.tenant.onReceiveInvitation = func() {
		h.emitAdmin(models.TopicConnections, map[string]any{
			"invitation_msg_id": "invi-1", "state": "request", "connection_id": "endorser-conn",
		})
		h.emitAdmin(models.TopicConnections, map[string]any{
			"invitation_msg_id": "invi-1", "state": "completed", "connection_id": "endorser-conn",
		})
	}
	h.tenant.onSetPublicDID = func() {
		h.emitAdmin(models.TopicEndorsements, map[string]any{
			"state": "request-received", "transaction_id": "tx-other", "connection_id": "someone-else",
		})
		h.emitAdmin(models.TopicEndorsements, map[string]any{
			"state": "request-received", "transaction_id": "tx-1", "connection_id": "endorser-conn",
		})
	}
}

func TestIssuerOnboardingHandshake(t *testing.T) {
	h := newHarness(t, time.Second)
	h.wireHandshake()

	result, err := h.coord.Onboard(context.Background(), "wallet-1", models.OnboardRequest{
		Roles: []string{models.RoleIssuer},
		Label: "Acme",
	})
	require.NoError(t, err)

	assert.Equal(t, "did:sov:ISSUERDID", result.DID)
	assert.Equal(t, "http://tenant/?oob=xyz", result.DIDCommInvite)
	assert.Equal(t, []string{"tx-1"}, h.admin.endorsed)

	calls := h.log.all()
	// Parallel reads come first in either order.
	assert.ElementsMatch(t, []string{"tenant.GetPublicDID", "endorser.GetPublicDID"}, calls[:2])
	assert.Equal(t, []string{
		"endorser.CreateInvitation",
		"tenant.ReceiveInvitation",
		"endorser.SetEndorserRole:endorser-conn:TRANSACTION_ENDORSER",
		"tenant.SetEndorserRole:tenant-conn:TRANSACTION_AUTHOR",
		"tenant.SetEndorserInfo:tenant-conn:ENDORSERDID",
		"tenant.CreateDID",
		"endorser.RegisterNym:ISSUERDID",
		"tenant.AcceptTAAIfRequired",
		"tenant.SetPublicDID:ISSUERDID",
		"endorser.EndorseTransaction:tx-1",
		"tenant.CreateInvitation",
	}, calls[2:])

	assert.Equal(t, 0, h.bus.SubscriberCount())
}

func TestIssuerWithPublicDIDSkipsHandshake(t *testing.T) {
	h := newHarness(t, time.Second)
	h.tenant.publicDID = &agent.DID{DID: "EXISTING"}

	result, err := h.coord.Onboard(context.Background(), "wallet-1", models.OnboardRequest{
		Roles: []string{models.RoleIssuer, models.RoleVerifier},
	})
	require.NoError(t, err)
	assert.Equal(t, "did:sov:EXISTING", result.DID)
	assert.NotContains(t, h.log.all(), "endorser.CreateInvitation")
	assert.Contains(t, h.log.all(), "tenant.CreateInvitation")
}

func TestIssuerConnectionTimeout(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)

	_, err := h.coord.Onboard(context.Background(), "wallet-1", models.OnboardRequest{
		Roles: []string{models.RoleIssuer},
	})
	require.Error(t, err)

	se, ok := AsStepError(err)
	require.True(t, ok)
	assert.Equal(t, StepAwaitConnection, se.Step)
	assert.True(t, se.Timeout())
	assert.True(t, events.IsTimeout(err))

	assert.NotContains(t, h.log.all(), "tenant.CreateDID")
	assert.Equal(t, 0, h.bus.SubscriberCount())
}

func TestIssuerEndorsementTimeout(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	h.wireHandshake()
	h.tenant.onSetPublicDID = func() {
		h.emitAdmin(models.TopicEndorsements, map[string]any{
			"state": "request-received", "transaction_id": "tx-other", "connection_id": "someone-else",
		})
	}

	_, err := h.coord.Onboard(context.Background(), "wallet-1", models.OnboardRequest{
		Roles: []string{models.RoleIssuer},
	})
	se, ok := AsStepError(err)
	require.True(t, ok)
	assert.Equal(t, StepAwaitEndorsement, se.Step)
	assert.True(t, se.Timeout())
	assert.Empty(t, h.admin.endorsed)
}

func TestIssuerEndorserWithoutPublicDID(t *testing.T) {
	h := newHarness(t, time.Second)
	h.admin.publicDID = nil

	_, err := h.coord.Onboard(context.Background(), "wallet-1", models.OnboardRequest{
		Roles: []string{models.RoleIssuer},
	})
	se, ok := AsStepError(err)
	require.True(t, ok)
	assert.Equal(t, StepReadPublicDID, se.Step)
	assert.ErrorIs(t, err, agent.ErrNoPublicDID)
	assert.False(t, se.Timeout())
}

func TestVerifierOnboarding(t *testing.T) {
	t.Run("public did", func(t *testing.T) {
		h := newHarness(t, time.Second)
		h.tenant.publicDID = &agent.DID{DID: "VERIFIER"}

		result, err := h.coord.Onboard(context.Background(), "wallet-2", models.OnboardRequest{
			Roles: []string{models.RoleVerifier},
		})
		require.NoError(t, err)
		assert.Equal(t, models.OnboardResult{DID: "did:sov:VERIFIER"}, result)
	})

	t.Run("invitation key", func(t *testing.T) {
		h := newHarness(t, time.Second)

		result, err := h.coord.Onboard(context.Background(), "wallet-2", models.OnboardRequest{
			Roles: []string{models.RoleVerifier},
		})
		require.NoError(t, err)
		assert.Equal(t, "did:key:z6MkTenant", result.DID)
		assert.Equal(t, "http://tenant/?oob=xyz", result.DIDCommInvite)
	})

	t.Run("invitation without keys", func(t *testing.T) {
		h := newHarness(t, time.Second)
		h.tenant.invitation = agent.InvitationRecord{Invitation: agent.Invitation{}}

		_, err := h.coord.Onboard(context.Background(), "wallet-2", models.OnboardRequest{
			Roles: []string{models.RoleVerifier},
		})
		se, ok := AsStepError(err)
		require.True(t, ok)
		assert.Equal(t, StepInvitationKey, se.Step)
		assert.ErrorIs(t, err, agent.ErrNoRecipientKey)
	})

	t.Run("agent failure", func(t *testing.T) {
		h := newHarness(t, time.Second)
		boom := errors.New("agent down")
		h.tenant.publicDIDErr = boom

		_, err := h.coord.Onboard(context.Background(), "wallet-2", models.OnboardRequest{
			Roles: []string{models.RoleVerifier},
		})
		assert.ErrorIs(t, err, boom)
	})
}

func TestOnboardValidation(t *testing.T) {
	tests := []struct {
		name     string
		walletID string
		req      models.OnboardRequest
	}{
		{"no roles", "wallet-1", models.OnboardRequest{}},
		{"unknown role", "wallet-1", models.OnboardRequest{Roles: []string{"holder"}}},
		{"admin wallet", models.AdminWalletID, models.OnboardRequest{Roles: []string{models.RoleIssuer}}},
		{"empty wallet", "", models.OnboardRequest{Roles: []string{models.RoleIssuer}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, time.Second)
			_, err := h.coord.Onboard(context.Background(), tt.walletID, tt.req)
			se, ok := AsStepError(err)
			if !ok || se.Step != StepValidate {
				t.Errorf("Onboard() got = %v, want %s step error", err, StepValidate)
			}
			if len(h.log.all()) != 0 {
				t.Errorf("Onboard() made agent calls %v, want none", h.log.all())
			}
		})
	}
}
