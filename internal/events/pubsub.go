package events

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/InsulaLabs/agentgate/models"
	"github.com/google/uuid"
)

// Subscriber receives every event emitted on the bus while it is registered.
// Filtering is the subscriber's own business.
type Subscriber interface {
	OnEvent(ctx context.Context, event models.Event)
}

type SubscriberFunc func(ctx context.Context, event models.Event)

func (f SubscriberFunc) OnEvent(ctx context.Context, event models.Event) {
	f(ctx, event)
}

// Connector makes the upstream event source ready. Dial must respect the
// deadline on ctx.
type Connector interface {
	Name() string
	Dial(ctx context.Context) (Upstream, error)
}

// Upstream is a live connection to the event source.
type Upstream interface {
	// Receive hands every decoded event to emit until the connection drops
	// or ctx is done.
	Receive(ctx context.Context, emit func(models.Event)) error
	Close() error
}

type Config struct {
	Logger *slog.Logger
	// Connector is optional. Without one the bus is ready immediately and
	// only sees what is passed to Emit.
	Connector      Connector
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	// DeliveryGrace bounds how long Emit waits on any single subscriber.
	DeliveryGrace time.Duration
}

const (
	defaultConnectTimeout = 30 * time.Second
	defaultReconnectDelay = 2 * time.Second
	defaultDeliveryGrace  = 5 * time.Second
)

type connectAttempt struct {
	done chan struct{}
	err  error
}

type Bus struct {
	appCtx context.Context
	logger *slog.Logger
	cfg    Config

	subscribersMutex sync.RWMutex
	subscribers      []*Subscription

	upstreamMutex sync.Mutex
	upstreamReady bool
	attempt       *connectAttempt
}

func NewBus(ctx context.Context, cfg Config) *Bus {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.DeliveryGrace <= 0 {
		cfg.DeliveryGrace = defaultDeliveryGrace
	}
	return &Bus{
		appCtx: ctx,
		logger: cfg.Logger.WithGroup("bus"),
		cfg:    cfg,
	}
}

// Start makes the upstream ready without registering anything. The runtime
// calls it at boot so a dead source fails the process instead of the first
// request.
func (b *Bus) Start(ctx context.Context) error {
	return b.ensureUpstream(ctx)
}

// Register adds sub to the fan-out set, connecting upstream on first use.
// The subscription is live before Register returns.
func (b *Bus) Register(ctx context.Context, sub Subscriber) (*Subscription, error) {
	s := &Subscription{
		id:     uuid.NewString(),
		sub:    sub,
		bus:    b,
		logger: b.logger,
	}

	b.subscribersMutex.Lock()
	b.subscribers = append(b.subscribers, s)
	b.subscribersMutex.Unlock()

	if err := b.ensureUpstream(ctx); err != nil {
		b.Unregister(s)
		return nil, err
	}

	b.logger.Debug("Subscriber registered", "subscription", s.id)
	return s, nil
}

// Unregister removes s. Unknown or already removed subscriptions are ignored.
func (b *Bus) Unregister(s *Subscription) {
	if s == nil {
		return
	}

	b.subscribersMutex.Lock()
	before := len(b.subscribers)
	b.subscribers = slices.DeleteFunc(b.subscribers, func(x *Subscription) bool {
		return x == s
	})
	removed := before != len(b.subscribers)
	b.subscribersMutex.Unlock()

	s.close()
	if removed {
		b.logger.Debug("Subscriber unregistered", "subscription", s.id)
	}
}

func (b *Bus) SubscriberCount() int {
	b.subscribersMutex.RLock()
	defer b.subscribersMutex.RUnlock()
	return len(b.subscribers)
}

// Emit hands event to every subscriber registered at the time of the call,
// in registration order. A subscriber that does not finish within the
// delivery grace keeps its events queued and Emit moves on.
func (b *Bus) Emit(ctx context.Context, event models.Event) {
	b.subscribersMutex.RLock()
	snapshot := slices.Clone(b.subscribers)
	b.subscribersMutex.RUnlock()

	b.logger.Debug("Emitting event",
		"topic", event.Topic,
		"wallet_id", event.WalletID,
		"subscriber_count", len(snapshot),
	)

	for _, s := range snapshot {
		done, wait := s.deliver(b.appCtx, event)
		if !wait {
			continue
		}

		timer := time.NewTimer(b.cfg.DeliveryGrace)
		select {
		case <-done:
		case <-timer.C:
			s.markStalled()
			b.logger.Warn("Subscriber exceeded delivery grace, continuing without it",
				"subscription", s.id,
				"topic", event.Topic,
				"grace", b.cfg.DeliveryGrace,
			)
		case <-ctx.Done():
		}
		timer.Stop()
	}
}

func (b *Bus) ensureUpstream(ctx context.Context) error {
	b.upstreamMutex.Lock()
	if b.upstreamReady {
		b.upstreamMutex.Unlock()
		return nil
	}

	attempt := b.attempt
	if attempt == nil {
		attempt = &connectAttempt{done: make(chan struct{})}
		b.attempt = attempt
		go b.runAttempt(attempt)
	}
	b.upstreamMutex.Unlock()

	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) runAttempt(attempt *connectAttempt) {
	up, err := b.dial()

	b.upstreamMutex.Lock()
	if err != nil {
		// A later registration may try again.
		b.attempt = nil
	} else {
		b.upstreamReady = true
	}
	attempt.err = err
	close(attempt.done)
	b.upstreamMutex.Unlock()

	if err != nil {
		b.logger.Error("Upstream connect failed", "error", err)
		return
	}
	if up != nil {
		b.logger.Info("Upstream connected", "source", b.cfg.Connector.Name())
		go b.pump(up)
	}
}

func (b *Bus) dial() (Upstream, error) {
	if b.cfg.Connector == nil {
		return nil, nil
	}

	dialCtx, cancel := context.WithTimeout(b.appCtx, b.cfg.ConnectTimeout)
	defer cancel()

	up, err := b.cfg.Connector.Dial(dialCtx)
	if err != nil {
		return nil, &UpstreamConnectError{
			Source:  b.cfg.Connector.Name(),
			Timeout: b.cfg.ConnectTimeout,
			Err:     err,
		}
	}
	return up, nil
}

// pump feeds upstream events into Emit and redials when the connection drops.
func (b *Bus) pump(up Upstream) {
	emit := func(event models.Event) {
		b.Emit(b.appCtx, event)
	}

	for {
		err := up.Receive(b.appCtx, emit)
		up.Close()
		if b.appCtx.Err() != nil {
			return
		}
		b.logger.Warn("Upstream connection lost, reconnecting",
			"source", b.cfg.Connector.Name(),
			"error", err,
			"delay", b.cfg.ReconnectDelay,
		)

		for {
			select {
			case <-b.appCtx.Done():
				return
			case <-time.After(b.cfg.ReconnectDelay):
			}

			next, err := b.dial()
			if err == nil {
				up = next
				b.logger.Info("Upstream reconnected", "source", b.cfg.Connector.Name())
				break
			}
			b.logger.Error("Upstream reconnect failed", "error", err)
		}
	}
}
