package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	UpstreamModeLocal     = "local"
	UpstreamModeWebsocket = "websocket"

	UndeliveredBackendMemory = "memory"
	UndeliveredBackendTKV    = "tkv"

	MinConnectTimeout = 5 * time.Second
	MaxConnectTimeout = 30 * time.Second
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | pretty
}

// Upstream is where the event bus receives events from. In local mode the
// webhook ingestion routes of this process are the only source.
type Upstream struct {
	Mode           string        `yaml:"mode"`
	URL            string        `yaml:"url,omitempty"`
	ApiKey         string        `yaml:"apiKey,omitempty"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
}

type Bus struct {
	DeliveryGrace time.Duration `yaml:"deliveryGrace"`
}

type Undelivered struct {
	Backend   string        `yaml:"backend"`
	Directory string        `yaml:"directory,omitempty"` // tkv only, empty stays in memory
	MaxPerKey int           `yaml:"maxPerKey"`           // 0 keeps everything
	MaxAge    time.Duration `yaml:"maxAge"`              // 0 keeps everything
}

type SSE struct {
	DisconnectCheckPeriod time.Duration `yaml:"disconnectCheckPeriod"`
	KeepAlivePeriod       time.Duration `yaml:"keepAlivePeriod"`
	MaxStreamDuration     time.Duration `yaml:"maxStreamDuration"`
	Undelivered           Undelivered   `yaml:"undelivered"`
}

type Waiter struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
	MaxTimeout     time.Duration `yaml:"maxTimeout"`
}

type Agent struct {
	AdminURL       string        `yaml:"adminUrl"`
	TenantURL      string        `yaml:"tenantUrl"`
	ApiKey         string        `yaml:"apiKey"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

type Auth struct {
	GovernanceApiKey  string        `yaml:"governanceApiKey"`
	TenantAdminApiKey string        `yaml:"tenantAdminApiKey"`
	TenantJwtSecret   string        `yaml:"tenantJwtSecret"`
	CacheTTL          time.Duration `yaml:"cacheTTL"`
}

type Webhooks struct {
	ApiKey string `yaml:"apiKey,omitempty"`
}

type Onboarding struct {
	StepTimeout time.Duration `yaml:"stepTimeout"`
}

type Sessions struct {
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int `yaml:"maxConnections"`
	// RelaySendBuffer is how many events a relay peer may fall behind
	// before it is disconnected. 0 uses the default.
	RelaySendBuffer int `yaml:"relaySendBuffer,omitempty"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Webhooks RateLimiterConfig `yaml:"webhooks"`
	Events   RateLimiterConfig `yaml:"events"`
	Onboard  RateLimiterConfig `yaml:"onboard"`
}

type Gateway struct {
	ListenAddr     string       `yaml:"listenAddr"`
	TLS            TLS          `yaml:"tls"`
	TrustedProxies []string     `yaml:"trustedProxies,omitempty"`
	Logging        Logging      `yaml:"logging"`
	Upstream       Upstream     `yaml:"upstream"`
	Bus            Bus          `yaml:"bus"`
	SSE            SSE          `yaml:"sse"`
	Waiter         Waiter       `yaml:"waiter"`
	Agent          Agent        `yaml:"agent"`
	Auth           Auth         `yaml:"auth"`
	Webhooks       Webhooks     `yaml:"webhooks"`
	Onboarding     Onboarding   `yaml:"onboarding"`
	Sessions       Sessions     `yaml:"sessions"`
	RateLimiters   RateLimiters `yaml:"rateLimiters"`
}

var (
	ErrConfigFileUnreadable          = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable      = errors.New("config file is unmarshallable")
	ErrListenAddrMissing             = errors.New("listenAddr is missing in config")
	ErrTLSMissing                    = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrUpstreamModeInvalid           = errors.New("upstream.mode must be one of: local, websocket")
	ErrUpstreamURLMissing            = errors.New("upstream.url is required when upstream.mode is websocket")
	ErrUpstreamConnectTimeoutInvalid = errors.New("upstream.connectTimeout must be between 5s and 30s")
	ErrBusDeliveryGraceMissing       = errors.New("bus.deliveryGrace is missing or invalid in config")
	ErrSSEDisconnectCheckInvalid     = errors.New("sse.disconnectCheckPeriod must be greater than 0 and at most 1s")
	ErrSSEKeepAliveMissing           = errors.New("sse.keepAlivePeriod is missing in config")
	ErrSSEMaxStreamDurationMissing   = errors.New("sse.maxStreamDuration is missing in config")
	ErrUndeliveredBackendInvalid     = errors.New("sse.undelivered.backend must be one of: memory, tkv")
	ErrUndeliveredBoundsInvalid      = errors.New("sse.undelivered.maxPerKey and maxAge must not be negative")
	ErrWaiterTimeoutsInvalid         = errors.New("waiter.defaultTimeout must be > 0 and not exceed waiter.maxTimeout")
	ErrAgentAdminURLMissing          = errors.New("agent.adminUrl is missing in config")
	ErrAgentTenantURLMissing         = errors.New("agent.tenantUrl is missing in config")
	ErrAuthAdminKeysMissing          = errors.New("auth.governanceApiKey or auth.tenantAdminApiKey must be set")
	ErrAuthJwtSecretMissing          = errors.New("auth.tenantJwtSecret is missing in config")
	ErrOnboardingStepTimeoutMissing  = errors.New("onboarding.stepTimeout is missing in config")
	ErrSessionsMaxConnectionsMissing = errors.New("sessions.maxConnections is missing or invalid in config")
	ErrRateLimitersWebhooksMissing   = errors.New("rateLimiters.webhooks.limit is missing in config")
	ErrRateLimitersEventsMissing     = errors.New("rateLimiters.events.limit is missing in config")
	ErrRateLimitersOnboardMissing    = errors.New("rateLimiters.onboard.limit is missing in config")
)

func LoadConfig(configFile string) (*Gateway, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Gateway, error) {
	var cfg Gateway
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Gateway) Validate() error {
	if cfg.ListenAddr == "" {
		return ErrListenAddrMissing
	}

	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return ErrTLSMissing
	}

	switch cfg.Upstream.Mode {
	case UpstreamModeLocal:
	case UpstreamModeWebsocket:
		if cfg.Upstream.URL == "" {
			return ErrUpstreamURLMissing
		}
	default:
		return ErrUpstreamModeInvalid
	}
	if cfg.Upstream.ConnectTimeout < MinConnectTimeout || cfg.Upstream.ConnectTimeout > MaxConnectTimeout {
		return ErrUpstreamConnectTimeoutInvalid
	}

	if cfg.Bus.DeliveryGrace <= 0 {
		return ErrBusDeliveryGraceMissing
	}

	if cfg.SSE.DisconnectCheckPeriod <= 0 || cfg.SSE.DisconnectCheckPeriod > time.Second {
		return ErrSSEDisconnectCheckInvalid
	}
	if cfg.SSE.KeepAlivePeriod <= 0 {
		return ErrSSEKeepAliveMissing
	}
	if cfg.SSE.MaxStreamDuration <= 0 {
		return ErrSSEMaxStreamDurationMissing
	}
	switch cfg.SSE.Undelivered.Backend {
	case UndeliveredBackendMemory, UndeliveredBackendTKV:
	default:
		return ErrUndeliveredBackendInvalid
	}
	if cfg.SSE.Undelivered.MaxPerKey < 0 || cfg.SSE.Undelivered.MaxAge < 0 {
		return ErrUndeliveredBoundsInvalid
	}

	if cfg.Waiter.DefaultTimeout <= 0 || cfg.Waiter.DefaultTimeout > cfg.Waiter.MaxTimeout {
		return ErrWaiterTimeoutsInvalid
	}

	if cfg.Agent.AdminURL == "" {
		return ErrAgentAdminURLMissing
	}
	if cfg.Agent.TenantURL == "" {
		return ErrAgentTenantURLMissing
	}

	if cfg.Auth.GovernanceApiKey == "" && cfg.Auth.TenantAdminApiKey == "" {
		return ErrAuthAdminKeysMissing
	}
	if cfg.Auth.TenantJwtSecret == "" {
		return ErrAuthJwtSecretMissing
	}

	if cfg.Onboarding.StepTimeout <= 0 {
		return ErrOnboardingStepTimeoutMissing
	}

	if cfg.Sessions.MaxConnections <= 0 {
		return ErrSessionsMaxConnectionsMissing
	}

	if cfg.RateLimiters.Webhooks.Limit == 0 {
		return ErrRateLimitersWebhooksMissing
	}
	if cfg.RateLimiters.Events.Limit == 0 {
		return ErrRateLimitersEventsMissing
	}
	if cfg.RateLimiters.Onboard.Limit == 0 {
		return ErrRateLimitersOnboardMissing
	}
	return nil
}

func GenerateConfig() *Gateway {
	return &Gateway{
		ListenAddr: "127.0.0.1:3010",
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Upstream: Upstream{
			Mode:           UpstreamModeLocal,
			ConnectTimeout: 30 * time.Second,
			ReconnectDelay: 2 * time.Second,
		},
		Bus: Bus{
			DeliveryGrace: 5 * time.Second,
		},
		SSE: SSE{
			DisconnectCheckPeriod: time.Second,
			KeepAlivePeriod:       15 * time.Second,
			MaxStreamDuration:     150 * time.Second,
			Undelivered: Undelivered{
				Backend:   UndeliveredBackendMemory,
				MaxPerKey: 1000,
				MaxAge:    10 * time.Minute,
			},
		},
		Waiter: Waiter{
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     5 * time.Minute,
		},
		Agent: Agent{
			AdminURL:       "http://127.0.0.1:8031",
			TenantURL:      "http://127.0.0.1:8041",
			ApiKey:         "please_change_this_agent_key!!!",
			RequestTimeout: 30 * time.Second,
		},
		Auth: Auth{
			GovernanceApiKey:  "please_change_this_governance_key!!!",
			TenantAdminApiKey: "please_change_this_tenant_admin_key!!!",
			TenantJwtSecret:   "please_change_this_jwt_secret!!!",
			CacheTTL:          5 * time.Minute,
		},
		Onboarding: Onboarding{
			StepTimeout: 30 * time.Second,
		},
		Sessions: Sessions{
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
			MaxConnections:           100,
			RelaySendBuffer:          256,
		},
		RateLimiters: RateLimiters{
			Webhooks: RateLimiterConfig{Limit: 500.0, Burst: 1000},
			Events:   RateLimiterConfig{Limit: 50.0, Burst: 100},
			Onboard:  RateLimiterConfig{Limit: 2.0, Burst: 5},
		},
	}
}
