package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/agentgate/config"
	"github.com/InsulaLabs/agentgate/internal/events"
	"github.com/InsulaLabs/agentgate/internal/sse"
	"github.com/InsulaLabs/agentgate/models"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	rateCategoryWebhooks = "webhooks"
	rateCategoryEvents   = "events"
	rateCategoryOnboard  = "onboard"

	maxWebhookBodySize = 1024 * 1024 // 1MB
	maxOnboardBodySize = 64 * 1024
)

// IdentityResolver maps an x-api-key header value to the caller.
type IdentityResolver interface {
	Resolve(apiKey string) (models.Identity, error)
}

type Onboarder interface {
	Onboard(ctx context.Context, walletID string, req models.OnboardRequest) (models.OnboardResult, error)
}

type Config struct {
	Logger    *slog.Logger
	Gateway   *config.Gateway
	Bus       *events.Bus
	Streams   *sse.Manager
	Identity  IdentityResolver
	Onboarder Onboarder
}

/*
	Core is the HTTP face of the gateway. Agents post webhooks into it,
	callers stream or wait on the resulting events, and peers relay them over
	/pubsub. The stream manager and the relay are registered on the bus in
	that order when Core is built.
*/

type Core struct {
	appCtx    context.Context
	cfg       *config.Gateway
	logger    *slog.Logger
	bus       *events.Bus
	streams   *sse.Manager
	identity  IdentityResolver
	onboarder Onboarder
	mux       *http.ServeMux

	startedAt time.Time

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]

	streamsSubscription *events.Subscription
	relaySubscription   *events.Subscription
	relaySessions       map[*relaySession]struct{}
	relaySessionsLock   sync.RWMutex
	relaySendBuffer     int
	wsUpgrader          websocket.Upgrader
	activeWsConnections int32
	wsConnectionLock    sync.Mutex

	closeOnce sync.Once
}

func New(ctx context.Context, cfg Config) (*Core, error) {
	if cfg.Gateway == nil || cfg.Bus == nil || cfg.Streams == nil || cfg.Identity == nil || cfg.Onboarder == nil {
		return nil, errors.New("core requires gateway config, bus, stream manager, identity resolver and onboarder")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	rlLogger := logger.With("component", "rate-limiter")

	makeCategoryRateLimiter := func() *ttlcache.Cache[string, *rate.Limiter] {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		return cache
	}

	for category, rl := range map[string]config.RateLimiterConfig{
		rateCategoryWebhooks: cfg.Gateway.RateLimiters.Webhooks,
		rateCategoryEvents:   cfg.Gateway.RateLimiters.Events,
		rateCategoryOnboard:  cfg.Gateway.RateLimiters.Onboard,
	} {
		if rl.Limit > 0 {
			rateLimiters[category] = makeCategoryRateLimiter()
			rlLogger.Info("Initialized rate limiter", "category", category, "limit", rl.Limit, "burst", rl.Burst)
		}
	}

	c := &Core{
		appCtx:          ctx,
		cfg:             cfg.Gateway,
		logger:          logger,
		bus:             cfg.Bus,
		streams:         cfg.Streams,
		identity:        cfg.Identity,
		onboarder:       cfg.Onboarder,
		mux:             http.NewServeMux(),
		rateLimiters:    rateLimiters,
		relaySessions:   make(map[*relaySession]struct{}),
		relaySendBuffer: cfg.Gateway.Sessions.RelaySendBuffer,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Gateway.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Gateway.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				logger.Debug("WebSocket CheckOrigin called", "origin", r.Header.Get("Origin"), "host", r.Host)
				return true
			},
		},
	}

	if c.relaySendBuffer <= 0 {
		c.relaySendBuffer = sendBufferSize
	}

	streams, err := c.bus.Register(ctx, c.streams)
	if err != nil {
		c.stopRateLimiters()
		return nil, errors.Wrap(err, "register stream manager")
	}
	relay, err := c.bus.Register(ctx, events.SubscriberFunc(c.dispatchToRelaySessions))
	if err != nil {
		c.bus.Unregister(streams)
		c.stopRateLimiters()
		return nil, errors.Wrap(err, "register relay")
	}
	c.streamsSubscription = streams
	c.relaySubscription = relay

	c.routes()
	return c, nil
}

// Handler exposes the routed mux, mainly for tests.
func (c *Core) Handler() http.Handler {
	return c.mux
}

func (c *Core) routes() {
	authed := func(h http.HandlerFunc) http.Handler {
		return c.rateLimitMiddleware(c.authMiddleware(h), rateCategoryEvents)
	}

	// Agent webhooks. Authenticated by the shared webhook key, if any.
	c.mux.Handle("POST /{origin}/topic/{agent_topic}", c.rateLimitMiddleware(http.HandlerFunc(c.webhookHandler), rateCategoryWebhooks))

	// Peer relay
	c.mux.Handle("GET /pubsub", authed(c.pubsubHandler))

	// Streams, from the widest to the narrowest filter
	c.mux.Handle("GET /sse/{wallet_id}", authed(c.streamHandler))
	c.mux.Handle("GET /sse/{wallet_id}/{topic}", authed(c.streamHandler))
	c.mux.Handle("GET /sse/{wallet_id}/{topic}/{desired_state}", authed(c.streamHandler))
	c.mux.Handle("GET /sse/{wallet_id}/{topic}/{field}/{field_id}", authed(c.streamHandler))
	c.mux.Handle("GET /sse/{wallet_id}/{topic}/{field}/{field_id}/{desired_state}", authed(c.streamHandler))

	c.mux.Handle("GET /v1/events/wait", authed(c.waitHandler))
	c.mux.Handle("GET /v1/ping", authed(c.pingHandler))

	c.mux.Handle("POST /v1/tenants/{wallet_id}/onboard",
		c.rateLimitMiddleware(c.authMiddleware(c.onboardHandler), rateCategoryOnboard))
}

func (c *Core) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		c.logger.Debug("Could not split host and port from remote address", "remote_addr", r.RemoteAddr, "error", err)
		remoteIP = r.RemoteAddr
	}

	for _, proxy := range c.cfg.TrustedProxies {
		if proxy != remoteIP {
			continue
		}
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			ips := strings.Split(forwardedFor, ",")
			return strings.TrimSpace(ips[0])
		}
		break
	}
	return remoteIP
}

func (c *Core) rateLimitConfig(category string) config.RateLimiterConfig {
	switch category {
	case rateCategoryWebhooks:
		return c.cfg.RateLimiters.Webhooks
	case rateCategoryOnboard:
		return c.cfg.RateLimiters.Onboard
	default:
		return c.cfg.RateLimiters.Events
	}
}

func (c *Core) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := c.rateLimiters[category]
	if !ok {
		return nil
	}
	ip := c.getRemoteAddress(r)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		rlConfig := c.rateLimitConfig(category)
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, time.Minute*1)
	}
	return limiterItem.Value()
}

func (c *Core) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := c.getRateLimiter(category, r)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			c.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", http.StatusText(http.StatusTooManyRequests))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (c *Core) stopRateLimiters() {
	for _, limiter := range c.rateLimiters {
		limiter.Stop()
	}
}

// Run serves until the application context is cancelled.
func (c *Core) Run() error {
	httpListenAddr := c.cfg.ListenAddr
	tlsEnabled := c.cfg.TLS.Cert != "" && c.cfg.TLS.Key != ""
	c.logger.Info("Attempting to start server", "listen_addr", httpListenAddr, "tls_enabled", tlsEnabled)

	srv := &http.Server{
		Addr:              httpListenAddr,
		Handler:           c.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return c.appCtx
		},
	}

	go func() {
		<-c.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("Server shutdown error", "error", err)
		}
	}()

	c.startedAt = time.Now()

	var serveErr error
	if tlsEnabled {
		c.logger.Info("Starting HTTPS server", "cert", c.cfg.TLS.Cert, "key", c.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		serveErr = srv.ListenAndServeTLS(c.cfg.TLS.Cert, c.cfg.TLS.Key)
	} else {
		c.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		serveErr = srv.ListenAndServe()
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	if serveErr != nil {
		c.logger.Error("HTTP server error", "error", serveErr)
	}

	c.Close()
	c.logger.Info("Server stopped")
	return serveErr
}

// Close detaches Core from the bus, drops relay sessions and stops the rate
// limiters. Run calls it on the way out; further calls do nothing.
func (c *Core) Close() {
	c.closeOnce.Do(func() {
		c.bus.Unregister(c.relaySubscription)
		c.bus.Unregister(c.streamsSubscription)

		c.relaySessionsLock.RLock()
		for session := range c.relaySessions {
			if err := session.conn.Close(); err != nil {
				c.logger.Debug("Error closing relay connection", "error", err)
			}
		}
		c.relaySessionsLock.RUnlock()

		c.stopRateLimiters()
	})
}
