package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Body   map[string]any
	ApiKey string
	Bearer string
}

type fakeAgent struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeAgent(t *testing.T) (*fakeAgent, *httptest.Server) {
	t.Helper()
	fa := &fakeAgent{routes: map[string]func(http.ResponseWriter, *http.Request){}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  map[string]string{},
			ApiKey: r.Header.Get(apiKeyHeader),
			Bearer: r.Header.Get("Authorization"),
		}
		for k := range r.URL.Query() {
			rec.Query[k] = r.URL.Query().Get(k)
		}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.Body)
		}
		fa.mu.Lock()
		fa.requests = append(fa.requests, rec)
		handler, ok := fa.routes[r.Method+" "+r.URL.Path]
		fa.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return fa, srv
}

func (fa *fakeAgent) on(route string, status int, body string) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.routes[route] = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (fa *fakeAgent) last() recordedRequest {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.requests[len(fa.requests)-1]
}

func (fa *fakeAgent) count() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return len(fa.requests)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: srv.URL, ApiKey: "agent-key"})
	require.NoError(t, err)
	return c
}

func TestGetPublicDID(t *testing.T) {
	fa, srv := newFakeAgent(t)
	c := newTestClient(t, srv)

	fa.on("GET /wallet/did/public", 200, `{"result":{"did":"XYZ","verkey":"vk"}}`)
	did, err := c.GetPublicDID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "XYZ", did.DID)
	assert.Equal(t, "agent-key", fa.last().ApiKey)

	fa.on("GET /wallet/did/public", 200, `{"result":null}`)
	_, err = c.GetPublicDID(context.Background())
	assert.ErrorIs(t, err, ErrNoPublicDID)
}

func TestCreateAndReceiveInvitation(t *testing.T) {
	fa, srv := newFakeAgent(t)
	c := newTestClient(t, srv)

	fa.on("POST /out-of-band/create-invitation", 200,
		`{"invi_msg_id":"msg-1","invitation_url":"http://x/?oob=abc","invitation":{"@id":"msg-1","services":[{"recipientKeys":["did:key:z6Mk"]}]}}`)

	rec, err := c.CreateInvitation(context.Background(), InvitationRequest{
		Alias:              "tenant",
		HandshakeProtocols: []string{DIDExchangeProtocol},
		UsePublicDID:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", rec.InviMsgID)
	assert.Equal(t, "msg-1", rec.Invitation.MessageID())

	got := fa.last()
	assert.Equal(t, "true", got.Query["auto_accept"])
	assert.Equal(t, "false", got.Query["multi_use"])
	assert.Equal(t, true, got.Body["use_public_did"])
	assert.Equal(t, "tenant", got.Body["alias"])

	key, err := rec.Invitation.RecipientKey()
	require.NoError(t, err)
	assert.Equal(t, "did:key:z6Mk", key)

	fa.on("POST /out-of-band/receive-invitation", 200, `{"connection_id":"conn-9","state":"request"}`)
	conn, err := c.ReceiveInvitation(context.Background(), rec.Invitation, "endorser")
	require.NoError(t, err)
	assert.Equal(t, "conn-9", conn.ConnectionID)

	got = fa.last()
	assert.Equal(t, "endorser", got.Query["alias"])
	assert.Equal(t, "false", got.Query["use_existing_connection"])
	assert.Equal(t, "msg-1", got.Body["@id"])
}

func TestRecipientKeyMissing(t *testing.T) {
	tests := []struct {
		name string
		inv  Invitation
	}{
		{"no services", Invitation{}},
		{"did string service", Invitation{"services": []any{"did:sov:abc"}}},
		{"empty keys", Invitation{"services": []any{map[string]any{"recipientKeys": []any{}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.inv.RecipientKey()
			if err != ErrNoRecipientKey {
				t.Errorf("RecipientKey() got = %v, want %v", err, ErrNoRecipientKey)
			}
		})
	}
}

func TestEndorserCalls(t *testing.T) {
	fa, srv := newFakeAgent(t)
	c := newTestClient(t, srv)
	ctx := context.Background()

	require.NoError(t, c.SetEndorserRole(ctx, "conn-1", JobTransactionAuthor))
	assert.Equal(t, "/transactions/conn-1/set-endorser-role", fa.last().Path)
	assert.Equal(t, JobTransactionAuthor, fa.last().Query["transaction_my_job"])

	require.NoError(t, c.SetEndorserInfo(ctx, "conn-1", "ENDORSER"))
	assert.Equal(t, "ENDORSER", fa.last().Query["endorser_did"])

	require.NoError(t, c.RegisterNym(ctx, "DID", "VK", "alias"))
	assert.Equal(t, map[string]string{"did": "DID", "verkey": "VK", "alias": "alias"}, fa.last().Query)

	require.NoError(t, c.SetPublicDID(ctx, "DID", true))
	assert.Equal(t, "true", fa.last().Query["create_transaction_for_endorser"])

	require.NoError(t, c.EndorseTransaction(ctx, "tx-1"))
	assert.Equal(t, "/transactions/tx-1/endorse", fa.last().Path)

	before := fa.count()
	assert.ErrorIs(t, c.EndorseTransaction(ctx, ""), ErrEmptyTransaction)
	assert.Equal(t, before, fa.count())
}

func TestAcceptTAAIfRequired(t *testing.T) {
	t.Run("not required", func(t *testing.T) {
		fa, srv := newFakeAgent(t)
		c := newTestClient(t, srv)
		fa.on("GET /ledger/taa", 200, `{"result":{"taa_required":false}}`)

		require.NoError(t, c.AcceptTAAIfRequired(context.Background()))
		assert.Equal(t, 1, fa.count())
	})

	t.Run("required", func(t *testing.T) {
		fa, srv := newFakeAgent(t)
		c := newTestClient(t, srv)
		fa.on("GET /ledger/taa", 200, `{"result":{"taa_required":true,"taa_record":{"version":"1.0","text":"agree"}}}`)

		require.NoError(t, c.AcceptTAAIfRequired(context.Background()))
		got := fa.last()
		assert.Equal(t, "/ledger/taa/accept", got.Path)
		assert.Equal(t, "1.0", got.Body["version"])
		assert.Equal(t, defaultTAAMechanism, got.Body["mechanism"])
	})

	t.Run("required without record", func(t *testing.T) {
		fa, srv := newFakeAgent(t)
		c := newTestClient(t, srv)
		fa.on("GET /ledger/taa", 200, `{"result":{"taa_required":true}}`)

		assert.ErrorIs(t, c.AcceptTAAIfRequired(context.Background()), ErrTAAUnavailable)
	})
}

func TestStatusError(t *testing.T) {
	fa, srv := newFakeAgent(t)
	c := newTestClient(t, srv)
	fa.on("POST /wallet/did/create", 500, `boom`)

	_, err := c.CreateDID(context.Background())
	require.Error(t, err)
	assert.True(t, IsStatus(err, 500))
	assert.Contains(t, err.Error(), "boom")
}

func TestRedirectIsFollowed(t *testing.T) {
	fa, srv := newFakeAgent(t)
	c := newTestClient(t, srv)

	fa.mu.Lock()
	fa.routes["GET /wallet/did/public"] = func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/moved/did", http.StatusTemporaryRedirect)
	}
	fa.mu.Unlock()
	fa.on("GET /moved/did", 200, `{"result":{"did":"MOVED"}}`)

	did, err := c.GetPublicDID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "MOVED", did.DID)
	assert.Equal(t, "agent-key", fa.last().ApiKey)
}

func TestPoolTenantToken(t *testing.T) {
	fa, srv := newFakeAgent(t)
	fa.on("POST /multitenancy/wallet/w-1/token", 200, `{"token":"tok-1"}`)
	fa.on("GET /wallet/did/public", 200, `{"result":{"did":"T"}}`)

	pool, err := NewPool(PoolConfig{AdminURL: srv.URL, TenantURL: srv.URL, ApiKey: "agent-key"})
	require.NoError(t, err)
	defer pool.Close()

	for i := 0; i < 2; i++ {
		tenant, err := pool.Tenant(context.Background(), "w-1")
		require.NoError(t, err)
		_, err = tenant.GetPublicDID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Bearer tok-1", fa.last().Bearer)
	}

	tokenFetches := 0
	fa.mu.Lock()
	for _, r := range fa.requests {
		if r.Path == "/multitenancy/wallet/w-1/token" {
			tokenFetches++
		}
	}
	fa.mu.Unlock()
	assert.Equal(t, 1, tokenFetches)
}
