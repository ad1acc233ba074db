package agent

import (
	"context"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

const (
	DIDExchangeProtocol = "https://didcomm.org/didexchange/1.0"

	JobTransactionEndorser = "TRANSACTION_ENDORSER"
	JobTransactionAuthor   = "TRANSACTION_AUTHOR"

	defaultTAAMechanism = "service_agreement"
)

var (
	ErrNoPublicDID      = errors.New("wallet has no public did")
	ErrNoRecipientKey   = errors.New("invitation carries no recipient key")
	ErrTAAUnavailable   = errors.New("ledger did not return a transaction author agreement")
	ErrEmptyTransaction = errors.New("agent returned a transaction without an id")
)

// Controller is the subset of the agent admin API that onboarding drives.
type Controller interface {
	GetPublicDID(ctx context.Context) (DID, error)
	CreateInvitation(ctx context.Context, req InvitationRequest) (InvitationRecord, error)
	ReceiveInvitation(ctx context.Context, invitation Invitation, alias string) (ConnRecord, error)
	SetEndorserRole(ctx context.Context, connectionID, job string) error
	SetEndorserInfo(ctx context.Context, connectionID, endorserDID string) error
	CreateDID(ctx context.Context) (DID, error)
	RegisterNym(ctx context.Context, did, verkey, alias string) error
	AcceptTAAIfRequired(ctx context.Context) error
	SetPublicDID(ctx context.Context, did string, forEndorser bool) error
	EndorseTransaction(ctx context.Context, transactionID string) error
}

var _ Controller = (*Client)(nil)

type DID struct {
	DID     string `json:"did"`
	Verkey  string `json:"verkey"`
	Posture string `json:"posture,omitempty"`
	Method  string `json:"method,omitempty"`
}

type InvitationRequest struct {
	Alias              string   `json:"alias,omitempty"`
	HandshakeProtocols []string `json:"handshake_protocols,omitempty"`
	UsePublicDID       bool     `json:"use_public_did"`
	MultiUse           bool     `json:"-"`
}

// Invitation is an out-of-band invitation message. It is passed between
// agents untouched, so it stays a loosely typed document.
type Invitation map[string]any

func (i Invitation) MessageID() string {
	id, _ := i["@id"].(string)
	return id
}

// RecipientKey returns the first recipient key of the first inline service.
func (i Invitation) RecipientKey() (string, error) {
	services, _ := i["services"].([]any)
	if len(services) == 0 {
		return "", ErrNoRecipientKey
	}
	service, ok := services[0].(map[string]any)
	if !ok {
		return "", ErrNoRecipientKey
	}
	keys, _ := service["recipientKeys"].([]any)
	if len(keys) == 0 {
		return "", ErrNoRecipientKey
	}
	key, ok := keys[0].(string)
	if !ok || key == "" {
		return "", ErrNoRecipientKey
	}
	return key, nil
}

type InvitationRecord struct {
	InviMsgID     string     `json:"invi_msg_id"`
	InvitationURL string     `json:"invitation_url"`
	Invitation    Invitation `json:"invitation"`
	State         string     `json:"state,omitempty"`
}

type ConnRecord struct {
	ConnectionID    string `json:"connection_id"`
	State           string `json:"state,omitempty"`
	RFC23State      string `json:"rfc23_state,omitempty"`
	InvitationMsgID string `json:"invitation_msg_id,omitempty"`
	Alias           string `json:"alias,omitempty"`
}

type taaRecord struct {
	Version string `json:"version"`
	Text    string `json:"text"`
	Digest  string `json:"digest,omitempty"`
}

type taaInfo struct {
	Required bool       `json:"taa_required"`
	Record   *taaRecord `json:"taa_record"`
	Accepted *struct {
		Mechanism string `json:"mechanism"`
	} `json:"taa_accepted"`
}

func (c *Client) GetPublicDID(ctx context.Context) (DID, error) {
	var resp struct {
		Result *DID `json:"result"`
	}
	if err := c.doRequest(ctx, "GET", "/wallet/did/public", nil, nil, &resp); err != nil {
		return DID{}, err
	}
	if resp.Result == nil || resp.Result.DID == "" {
		return DID{}, ErrNoPublicDID
	}
	return *resp.Result, nil
}

func (c *Client) CreateInvitation(ctx context.Context, req InvitationRequest) (InvitationRecord, error) {
	q := url.Values{}
	q.Set("auto_accept", "true")
	q.Set("multi_use", strconv.FormatBool(req.MultiUse))

	var rec InvitationRecord
	if err := c.doRequest(ctx, "POST", "/out-of-band/create-invitation", q, req, &rec); err != nil {
		return InvitationRecord{}, errors.Wrap(err, "create invitation")
	}
	return rec, nil
}

func (c *Client) ReceiveInvitation(ctx context.Context, invitation Invitation, alias string) (ConnRecord, error) {
	q := url.Values{}
	q.Set("auto_accept", "true")
	q.Set("use_existing_connection", "false")
	if alias != "" {
		q.Set("alias", alias)
	}

	var rec ConnRecord
	if err := c.doRequest(ctx, "POST", "/out-of-band/receive-invitation", q, invitation, &rec); err != nil {
		return ConnRecord{}, errors.Wrap(err, "receive invitation")
	}
	return rec, nil
}

func (c *Client) SetEndorserRole(ctx context.Context, connectionID, job string) error {
	q := url.Values{}
	q.Set("transaction_my_job", job)
	path := "/transactions/" + url.PathEscape(connectionID) + "/set-endorser-role"
	return errors.Wrap(c.doRequest(ctx, "POST", path, q, nil, nil), "set endorser role")
}

func (c *Client) SetEndorserInfo(ctx context.Context, connectionID, endorserDID string) error {
	q := url.Values{}
	q.Set("endorser_did", endorserDID)
	path := "/transactions/" + url.PathEscape(connectionID) + "/set-endorser-info"
	return errors.Wrap(c.doRequest(ctx, "POST", path, q, nil, nil), "set endorser info")
}

func (c *Client) CreateDID(ctx context.Context) (DID, error) {
	var resp struct {
		Result *DID `json:"result"`
	}
	body := map[string]any{"method": "sov", "options": map[string]string{"key_type": "ed25519"}}
	if err := c.doRequest(ctx, "POST", "/wallet/did/create", nil, body, &resp); err != nil {
		return DID{}, errors.Wrap(err, "create did")
	}
	if resp.Result == nil || resp.Result.DID == "" {
		return DID{}, errors.New("create did: agent returned no did")
	}
	return *resp.Result, nil
}

func (c *Client) RegisterNym(ctx context.Context, did, verkey, alias string) error {
	q := url.Values{}
	q.Set("did", did)
	q.Set("verkey", verkey)
	if alias != "" {
		q.Set("alias", alias)
	}
	return errors.Wrap(c.doRequest(ctx, "POST", "/ledger/register-nym", q, nil, nil), "register nym")
}

func (c *Client) AcceptTAAIfRequired(ctx context.Context) error {
	var resp struct {
		Result *taaInfo `json:"result"`
	}
	if err := c.doRequest(ctx, "GET", "/ledger/taa", nil, nil, &resp); err != nil {
		return errors.Wrap(err, "fetch taa")
	}
	info := resp.Result
	if info == nil || (info.Required && info.Record == nil) {
		return ErrTAAUnavailable
	}
	if !info.Required {
		return nil
	}

	mechanism := defaultTAAMechanism
	if info.Accepted != nil && info.Accepted.Mechanism != "" {
		mechanism = info.Accepted.Mechanism
	}
	body := map[string]string{
		"version":   info.Record.Version,
		"text":      info.Record.Text,
		"mechanism": mechanism,
	}
	return errors.Wrap(c.doRequest(ctx, "POST", "/ledger/taa/accept", nil, body, nil), "accept taa")
}

func (c *Client) SetPublicDID(ctx context.Context, did string, forEndorser bool) error {
	q := url.Values{}
	q.Set("did", did)
	if forEndorser {
		q.Set("create_transaction_for_endorser", "true")
	}
	return errors.Wrap(c.doRequest(ctx, "POST", "/wallet/did/public", q, nil, nil), "set public did")
}

func (c *Client) EndorseTransaction(ctx context.Context, transactionID string) error {
	if transactionID == "" {
		return ErrEmptyTransaction
	}
	path := "/transactions/" + url.PathEscape(transactionID) + "/endorse"
	return errors.Wrap(c.doRequest(ctx, "POST", path, nil, nil, nil), "endorse transaction")
}
