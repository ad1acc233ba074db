package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/InsulaLabs/agentgate/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
)

const HeaderName = "x-api-key"

var (
	ErrMissingKey = errors.New("missing x-api-key header")
	ErrInvalidKey = errors.New("invalid api key")
	ErrForbidden  = errors.New("not permitted for this wallet")
)

type Config struct {
	Logger            *slog.Logger
	GovernanceApiKey  string
	TenantAdminApiKey string
	TenantJwtSecret   string
	CacheTTL          time.Duration
}

// TenantClaims is the body of a tenant's JWT.
type TenantClaims struct {
	WalletID string `json:"wallet_id"`
	jwt.RegisteredClaims
}

/*
	Resolver turns an x-api-key header of the form "<role>.<token>" into an
	Identity. Admin roles carry a static key and act on the admin wallet;
	tenants carry an HS256 JWT naming their wallet. Successful lookups are
	cached so hot paths skip the signature check.
*/

type Resolver struct {
	cfg    Config
	logger *slog.Logger
	cache  *ttlcache.Cache[string, models.Identity]
}

func New(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}

	cache := ttlcache.New[string, models.Identity](
		ttlcache.WithTTL[string, models.Identity](cfg.CacheTTL),
		ttlcache.WithDisableTouchOnHit[string, models.Identity](),
	)
	go cache.Start()

	return &Resolver{
		cfg:    cfg,
		logger: cfg.Logger.WithGroup("auth"),
		cache:  cache,
	}
}

func (r *Resolver) Close() {
	r.cache.Stop()
}

func (r *Resolver) Resolve(apiKey string) (models.Identity, error) {
	if apiKey == "" {
		return models.Identity{}, ErrMissingKey
	}

	if item := r.cache.Get(apiKey); item != nil && !item.IsExpired() {
		return item.Value(), nil
	}

	role, token, ok := strings.Cut(apiKey, ".")
	if !ok || token == "" {
		return models.Identity{}, ErrInvalidKey
	}

	var id models.Identity
	switch models.Role(role) {
	case models.RoleGovernance:
		if !KeyEqual(token, r.cfg.GovernanceApiKey) {
			return models.Identity{}, ErrInvalidKey
		}
		id = models.Identity{Role: models.RoleGovernance, WalletID: models.AdminWalletID}
	case models.RoleTenantAdmin:
		if !KeyEqual(token, r.cfg.TenantAdminApiKey) {
			return models.Identity{}, ErrInvalidKey
		}
		id = models.Identity{Role: models.RoleTenantAdmin, WalletID: models.AdminWalletID}
	case models.RoleTenant:
		walletID, err := r.verifyTenant(token)
		if err != nil {
			r.logger.Debug("Rejected tenant token", "error", err)
			return models.Identity{}, ErrInvalidKey
		}
		id = models.Identity{Role: models.RoleTenant, WalletID: walletID}
	default:
		return models.Identity{}, ErrInvalidKey
	}

	id.Token = token
	r.cache.Set(apiKey, id, ttlcache.DefaultTTL)
	return id, nil
}

func (r *Resolver) verifyTenant(token string) (string, error) {
	var claims TenantClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(r.cfg.TenantJwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims.WalletID == "" {
		return "", fmt.Errorf("token has no wallet_id claim")
	}
	return claims.WalletID, nil
}

// IssueTenantToken signs a tenant JWT for walletID. ttl <= 0 issues a token
// without expiry.
func IssueTenantToken(secret, walletID string, ttl time.Duration) (string, error) {
	claims := TenantClaims{WalletID: walletID}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// KeyEqual compares keys in constant time. An empty want never matches.
func KeyEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
