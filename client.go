package groupkeys

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/groupkeys/client-go/internal/api"
	"github.com/groupkeys/client-go/internal/delivery"
	"github.com/groupkeys/client-go/internal/store"
)

// Client is the key management context of one (user, device).
type Client struct {
	userID   string
	deviceID string
	ns       store.Namespace
	log      *logrus.Logger

	api       *api.Client
	registry  Registry
	directory Directory
	store     store.Store
	ownsStore bool

	identity    *identityStore
	registering singleflight.Group
	queue       *taskQueue
	keys        *keyState
	outbox      *outbox
	pending     *pendingBuffer
	subs        *subscriptionManager

	strategy       delivery.Strategy
	strategyCancel context.CancelFunc
	wg             sync.WaitGroup

	pendingPlaceholder       string
	undecryptablePlaceholder string

	mu     sync.RWMutex
	closed bool
}

// buildAPIClient creates and configures an API client from the given config.
func buildAPIClient(cfg *clientConfig) (*api.Client, error) {
	apiOpts := []api.Option{
		api.WithBaseURL(cfg.baseURL),
		api.WithRetries(cfg.retries),
	}
	if cfg.authToken != "" {
		apiOpts = append(apiOpts, api.WithAuthToken(cfg.authToken))
	}
	if cfg.timeout > 0 {
		apiOpts = append(apiOpts, api.WithTimeout(cfg.timeout))
	}
	if len(cfg.retryOn) > 0 {
		apiOpts = append(apiOpts, api.WithRetryOn(cfg.retryOn))
	}
	if cfg.httpClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(cfg.httpClient))
	}
	return api.New(apiOpts...)
}

// createDeliveryStrategy creates a delivery strategy based on the config.
func createDeliveryStrategy(cfg *clientConfig, apiClient *api.Client) delivery.Strategy {
	deliveryCfg := delivery.Config{
		APIClient:                apiClient,
		Logger:                   cfg.logger,
		PollingInitialInterval:   cfg.pollingInitialInterval,
		PollingMaxBackoff:        cfg.pollingMaxBackoff,
		PollingBackoffMultiplier: cfg.pollingBackoffMultiplier,
		PollingJitterFactor:      cfg.pollingJitterFactor,
		SSEConnectionTimeout:     cfg.sseConnectionTimeout,
	}
	switch cfg.deliveryStrategy {
	case StrategyNone:
		return nil
	case StrategyPolling:
		return delivery.NewPollingStrategy(deliveryCfg)
	case StrategySSE:
		return delivery.NewSSEStrategy(deliveryCfg)
	default:
		return delivery.NewAutoStrategy(deliveryCfg)
	}
}

func openStore(cfg *clientConfig) (s store.Store, owned bool, err error) {
	if cfg.store != nil {
		return cfg.store, false, nil
	}
	if cfg.dataDir == "" {
		return store.NewMemory(), true, nil
	}
	b, err := store.OpenBadger(store.BadgerConfig{
		Path:       filepath.Join(cfg.dataDir, "keys"),
		SyncWrites: true,
		Logger:     cfg.logger,
	})
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// New creates the key management context of one device. It loads the
// device identity, generating it on first use, and starts the delivery
// strategy, which registers the device and drains its key queue on every
// (re)connection.
func New(ctx context.Context, userID, deviceID string, opts ...Option) (*Client, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if deviceID == "" {
		return nil, ErrMissingDeviceID
	}

	cfg := &clientConfig{
		baseURL:                  defaultBaseURL,
		deliveryStrategy:         StrategyAuto,
		timeout:                  defaultTimeout,
		outboxRetryInterval:      defaultOutboxRetryInterval,
		outboxBaseDelay:          defaultOutboxBaseDelay,
		outboxMaxDelay:           defaultOutboxMaxDelay,
		pendingPlaceholder:       DefaultPendingPlaceholder,
		undecryptablePlaceholder: DefaultUndecryptablePlaceholder,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.logger == nil {
		cfg.logger = logrus.New()
	}

	apiClient, err := buildAPIClient(cfg)
	if err != nil {
		return nil, err
	}

	s, ownsStore, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ns := store.Namespace{UserID: userID, DeviceID: deviceID}
	registry := &apiRegistry{client: apiClient}

	c := &Client{
		userID:    userID,
		deviceID:  deviceID,
		ns:        ns,
		log:       cfg.logger,
		api:       apiClient,
		registry:  cfg.registry,
		directory: cfg.directory,
		store:     s,
		ownsStore: ownsStore,
		identity:  newIdentityStore(ns, s, cfg.logger),
		queue:     newTaskQueue(),
		keys:      newKeyState(ns, s),
		outbox: newOutbox(ns, s, &api.RetryConfig{
			MaxRetries: -1,
			BaseDelay:  cfg.outboxBaseDelay,
			MaxDelay:   cfg.outboxMaxDelay,
			Multiplier: 2.0,
			Jitter:     0.2,
		}),
		pending:                  &pendingBuffer{ns: ns, store: s},
		subs:                     newSubscriptionManager(),
		pendingPlaceholder:       cfg.pendingPlaceholder,
		undecryptablePlaceholder: cfg.undecryptablePlaceholder,
	}
	if c.registry == nil {
		c.registry = registry
	}
	if c.directory == nil {
		c.directory = registry
	}

	if _, err := c.identity.generateOrLoad(ctx); err != nil {
		c.shutdown()
		return nil, err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	c.strategyCancel = cancel

	if cfg.outboxRetryInterval > 0 {
		c.wg.Add(1)
		go c.outboxLoop(bgCtx, cfg.outboxRetryInterval)
	}

	if strategy := createDeliveryStrategy(cfg, apiClient); strategy != nil {
		// The hook must be in place before Start: SSE runs it on connect.
		strategy.OnReconnect(c.sync)
		if err := strategy.Start(bgCtx, deviceID, c.HandleEvent); err != nil {
			cancel()
			c.shutdown()
			return nil, fmt.Errorf("start delivery strategy: %w", err)
		}
		c.strategy = strategy
	}

	return c, nil
}

// UserID returns the user this client acts for.
func (c *Client) UserID() string { return c.userID }

// DeviceID returns the device this client acts for.
func (c *Client) DeviceID() string { return c.deviceID }

// DeliveryStrategy returns the name of the running delivery strategy, or
// "none".
func (c *Client) DeliveryStrategy() string {
	if c.strategy == nil {
		return string(StrategyNone)
	}
	return c.strategy.Name()
}

// checkClosed returns ErrClientClosed if the client has been closed.
func (c *Client) checkClosed() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// Close stops background work and releases the store if the client opened
// it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.strategyCancel != nil {
		c.strategyCancel()
	}

	var firstErr error
	if c.strategy != nil {
		if err := c.strategy.Stop(); err != nil {
			firstErr = err //coverage:ignore
		}
	}
	c.wg.Wait()

	c.subs.clear()
	if err := c.shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// shutdown stops the task queue and closes an owned store.
func (c *Client) shutdown() error {
	c.queue.close()
	if c.ownsStore {
		return c.store.Close()
	}
	return nil
}
