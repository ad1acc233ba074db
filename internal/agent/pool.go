package agent

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

// Controllers hands out agent clients for the admin wallet and for tenant
// wallets. Tenant wallet tokens are fetched from the multitenant agent and
// cached until they are close to expiring.
type Controllers interface {
	Admin() Controller
	Tenant(ctx context.Context, walletID string) (Controller, error)
}

type PoolConfig struct {
	AdminURL  string
	TenantURL string
	ApiKey    string
	Timeout   time.Duration
	TokenTTL  time.Duration
	Logger    *slog.Logger
}

type Pool struct {
	cfg    PoolConfig
	admin  *Client
	tokens *ttlcache.Cache[string, string]
	logger *slog.Logger
}

var _ Controllers = (*Pool)(nil)

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 10 * time.Minute
	}

	admin, err := NewClient(Config{
		BaseURL: cfg.AdminURL,
		ApiKey:  cfg.ApiKey,
		Timeout: cfg.Timeout,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "admin agent")
	}
	if _, err := url.Parse(cfg.TenantURL); err != nil || cfg.TenantURL == "" {
		return nil, errors.Errorf("invalid tenant agent url %q", cfg.TenantURL)
	}

	tokens := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](cfg.TokenTTL),
	)
	go tokens.Start()

	return &Pool{
		cfg:    cfg,
		admin:  admin,
		tokens: tokens,
		logger: cfg.Logger.WithGroup("agent_pool"),
	}, nil
}

func (p *Pool) Close() {
	p.tokens.Stop()
}

func (p *Pool) Admin() Controller {
	return p.admin
}

func (p *Pool) Tenant(ctx context.Context, walletID string) (Controller, error) {
	token, err := p.walletToken(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return NewClient(Config{
		BaseURL: p.cfg.TenantURL,
		ApiKey:  p.cfg.ApiKey,
		Bearer:  token,
		Timeout: p.cfg.Timeout,
		Logger:  p.cfg.Logger,
	})
}

func (p *Pool) walletToken(ctx context.Context, walletID string) (string, error) {
	if item := p.tokens.Get(walletID); item != nil {
		return item.Value(), nil
	}

	tenantAdmin, err := NewClient(Config{
		BaseURL: p.cfg.TenantURL,
		ApiKey:  p.cfg.ApiKey,
		Timeout: p.cfg.Timeout,
		Logger:  p.cfg.Logger,
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		Token string `json:"token"`
	}
	path := "/multitenancy/wallet/" + url.PathEscape(walletID) + "/token"
	if err := tenantAdmin.doRequest(ctx, "POST", path, nil, map[string]any{}, &resp); err != nil {
		return "", errors.Wrapf(err, "fetch token for wallet %s", walletID)
	}
	if resp.Token == "" {
		return "", errors.Errorf("agent returned an empty token for wallet %s", walletID)
	}

	p.tokens.Set(walletID, resp.Token, ttlcache.DefaultTTL)
	p.logger.Debug("Cached wallet token", "wallet_id", walletID)
	return resp.Token, nil
}
