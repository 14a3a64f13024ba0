package delivery

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/groupkeys/client-go/internal/api"
)

// EventHandler is invoked for every realtime event addressed to the device.
// Returned errors are logged by the strategy and do not stop delivery.
type EventHandler func(ctx context.Context, event *api.Event) error

// Source is the subset of the API client the strategies depend on.
// *api.Client satisfies it.
type Source interface {
	OpenEventStream(ctx context.Context, deviceID string) (*http.Response, error)
	FetchQueue(ctx context.Context, deviceID string) ([]api.KeyUpdate, error)
}

// Strategy defines how a device receives key distribution events.
// Implementations include PollingStrategy, SSEStrategy, and AutoStrategy.
//
// The typical lifecycle is:
//  1. Create a strategy with NewXxxStrategy(cfg)
//  2. Register a reconnect hook with OnReconnect
//  3. Call Start(ctx, deviceID, handler) to begin receiving events
//  4. Call Stop() when done to release resources
//
// All implementations are safe for concurrent use.
type Strategy interface {
	// Start begins listening for events addressed to deviceID.
	// Start returns immediately; event delivery is asynchronous.
	Start(ctx context.Context, deviceID string, handler EventHandler) error

	// Stop shuts down the strategy. After Stop returns, no more events will
	// be delivered. Stop is idempotent.
	Stop() error

	// Name returns the strategy name for logging and debugging.
	// Examples: "polling", "sse", "auto:sse", "auto:polling"
	Name() string

	// OnReconnect sets a callback invoked after each successful
	// (re)connection. The device uses it to register if needed and drain
	// the key update queue filled while it was offline.
	OnReconnect(fn func(ctx context.Context))
}

// Config holds configuration shared by all delivery strategies.
type Config struct {
	// APIClient is used to open the event stream and poll the queue.
	APIClient Source

	// Logger receives connection and handler failures. Defaults to
	// logrus.StandardLogger().
	Logger *logrus.Logger

	// PollingInitialInterval is the starting interval between polls.
	// If zero, defaults to DefaultPollingInitialInterval.
	PollingInitialInterval time.Duration

	// PollingMaxBackoff is the maximum interval between polls.
	// If zero, defaults to DefaultPollingMaxBackoff.
	PollingMaxBackoff time.Duration

	// PollingBackoffMultiplier is the factor by which the interval
	// increases after each poll that returned nothing.
	// If zero, defaults to DefaultPollingBackoffMultiplier.
	PollingBackoffMultiplier float64

	// PollingJitterFactor is the maximum random jitter added to
	// poll intervals (as a fraction of the interval).
	// If zero, defaults to DefaultPollingJitterFactor.
	PollingJitterFactor float64

	// SSEConnectionTimeout is the maximum time to wait for an SSE connection
	// before falling back to polling (auto mode only).
	// If zero, defaults to DefaultSSEConnectionTimeout.
	SSEConnectionTimeout time.Duration

	// SSEReconnectInterval is the base delay between SSE reconnect attempts.
	// If zero, defaults to SSEReconnectInterval.
	SSEReconnectInterval time.Duration
}

// Default polling configuration values.
const (
	DefaultPollingInitialInterval   = 2 * time.Second
	DefaultPollingMaxBackoff        = 30 * time.Second
	DefaultPollingBackoffMultiplier = 1.5
	DefaultPollingJitterFactor      = 0.3
	DefaultSSEConnectionTimeout     = 5 * time.Second
)

func (c Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

func (c Config) withDefaults() Config {
	if c.PollingInitialInterval == 0 {
		c.PollingInitialInterval = DefaultPollingInitialInterval
	}
	if c.PollingMaxBackoff == 0 {
		c.PollingMaxBackoff = DefaultPollingMaxBackoff
	}
	if c.PollingBackoffMultiplier == 0 {
		c.PollingBackoffMultiplier = DefaultPollingBackoffMultiplier
	}
	if c.PollingJitterFactor == 0 {
		c.PollingJitterFactor = DefaultPollingJitterFactor
	}
	if c.SSEConnectionTimeout == 0 {
		c.SSEConnectionTimeout = DefaultSSEConnectionTimeout
	}
	if c.SSEReconnectInterval == 0 {
		c.SSEReconnectInterval = SSEReconnectInterval
	}
	return c
}

func dispatch(ctx context.Context, log *logrus.Logger, strategy string, handler EventHandler, event *api.Event) {
	if handler == nil {
		return
	}
	if err := handler(ctx, event); err != nil {
		log.WithFields(logrus.Fields{
			"function":   "dispatch",
			"strategy":   strategy,
			"event_type": event.Type,
			"group_id":   event.GroupID,
			"error":      err.Error(),
		}).Warn("Event handler failed")
	}
}
