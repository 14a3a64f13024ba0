package groupkeys

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/groupkeys/client-go/internal/store"
)

// DeliveryStrategy specifies how the client receives key distribution events.
type DeliveryStrategy string

const (
	// StrategyAuto tries SSE first, falls back to polling.
	StrategyAuto DeliveryStrategy = "auto"
	// StrategySSE uses Server-Sent Events for real-time push notifications.
	StrategySSE DeliveryStrategy = "sse"
	// StrategyPolling polls the device queue with exponential backoff.
	StrategyPolling DeliveryStrategy = "polling"
	// StrategyNone receives nothing in the background. Events are fed through
	// HandleEvent and the queue is drained with FetchQueued.
	StrategyNone DeliveryStrategy = "none"
)

const (
	defaultBaseURL             = "https://keys.groupkeys.dev"
	defaultTimeout             = 30 * time.Second
	defaultOutboxRetryInterval = 30 * time.Second
	defaultOutboxBaseDelay     = 2 * time.Second
	defaultOutboxMaxDelay      = 10 * time.Minute

	// DefaultPendingPlaceholder is shown in place of a message whose sender
	// key has not arrived yet.
	DefaultPendingPlaceholder = "[waiting for this message's key]"
	// DefaultUndecryptablePlaceholder is shown in place of a message that
	// failed authenticated decryption.
	DefaultUndecryptablePlaceholder = "[message could not be decrypted]"
)

// clientConfig holds configuration for the client.
type clientConfig struct {
	baseURL          string
	authToken        string
	httpClient       *http.Client
	deliveryStrategy DeliveryStrategy
	timeout          time.Duration
	retries          int
	retryOn          []int

	store     store.Store
	dataDir   string
	logger    *logrus.Logger
	registry  Registry
	directory Directory

	// Polling configuration
	pollingInitialInterval   time.Duration
	pollingMaxBackoff        time.Duration
	pollingBackoffMultiplier float64
	pollingJitterFactor      float64
	sseConnectionTimeout     time.Duration

	// Outbox configuration
	outboxRetryInterval time.Duration
	outboxBaseDelay     time.Duration
	outboxMaxDelay      time.Duration

	pendingPlaceholder       string
	undecryptablePlaceholder string
}

// Option configures the client.
type Option func(*clientConfig)

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) {
		c.baseURL = url
	}
}

// WithAuthToken sets the bearer token sent on every request.
func WithAuthToken(token string) Option {
	return func(c *clientConfig) {
		c.authToken = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = client
	}
}

// WithDeliveryStrategy sets the delivery strategy.
func WithDeliveryStrategy(strategy DeliveryStrategy) Option {
	return func(c *clientConfig) {
		c.deliveryStrategy = strategy
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = timeout
	}
}

// WithRetries sets the number of retries for API calls.
// Default: 0. A failed call is returned to the caller.
func WithRetries(count int) Option {
	return func(c *clientConfig) {
		c.retries = count
	}
}

// WithRetryOn sets the HTTP status codes that trigger a retry.
// Default: [408, 429, 500, 502, 503, 504]
func WithRetryOn(statusCodes []int) Option {
	return func(c *clientConfig) {
		c.retryOn = statusCodes
	}
}

// WithStore sets the key/value store holding identity, sender keys, epoch
// pointers, pending messages and the outbox. The client does not close a
// store passed this way.
func WithStore(s store.Store) Option {
	return func(c *clientConfig) {
		c.store = s
	}
}

// WithDataDir persists state in a badger database under dir. Ignored when
// WithStore is also given. Without either option state is kept in memory.
func WithDataDir(dir string) Option {
	return func(c *clientConfig) {
		c.dataDir = dir
	}
}

// WithLogger sets the logger. Default: logrus.New().
func WithLogger(logger *logrus.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithRegistry replaces the device registry used to publish and look up
// bundles.
func WithRegistry(registry Registry) Option {
	return func(c *clientConfig) {
		c.registry = registry
	}
}

// WithDirectory replaces the source of group membership.
func WithDirectory(directory Directory) Option {
	return func(c *clientConfig) {
		c.directory = directory
	}
}

// WithPollingInitialInterval sets the initial polling interval.
// Default: 2 seconds
func WithPollingInitialInterval(interval time.Duration) Option {
	return func(c *clientConfig) {
		c.pollingInitialInterval = interval
	}
}

// WithPollingMaxBackoff sets the maximum polling backoff interval.
// Default: 30 seconds
func WithPollingMaxBackoff(maxBackoff time.Duration) Option {
	return func(c *clientConfig) {
		c.pollingMaxBackoff = maxBackoff
	}
}

// WithPollingBackoffMultiplier sets the backoff multiplier for polling.
// Default: 1.5
func WithPollingBackoffMultiplier(multiplier float64) Option {
	return func(c *clientConfig) {
		c.pollingBackoffMultiplier = multiplier
	}
}

// WithPollingJitterFactor sets the jitter factor for polling intervals.
// Default: 0.3 (30%)
func WithPollingJitterFactor(factor float64) Option {
	return func(c *clientConfig) {
		c.pollingJitterFactor = factor
	}
}

// WithSSEConnectionTimeout sets the timeout for SSE connection establishment.
// When using StrategyAuto, if the SSE connection is not established within
// this timeout, the client falls back to polling.
// Default: 5 seconds
func WithSSEConnectionTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		c.sseConnectionTimeout = timeout
	}
}

// WithOutboxRetryInterval sets how often undelivered sender key envelopes
// are retried in the background. Zero disables the background loop; the
// outbox can still be flushed with FlushOutbox.
// Default: 30 seconds
func WithOutboxRetryInterval(interval time.Duration) Option {
	return func(c *clientConfig) {
		c.outboxRetryInterval = interval
	}
}

// WithOutboxBackoff sets the per-recipient backoff bounds of the outbox.
// Default: 2 seconds doubling up to 10 minutes.
func WithOutboxBackoff(base, max time.Duration) Option {
	return func(c *clientConfig) {
		c.outboxBaseDelay = base
		c.outboxMaxDelay = max
	}
}

// WithPlaceholders sets the strings Decrypt returns for messages whose key
// is missing and for messages that fail decryption.
func WithPlaceholders(pending, undecryptable string) Option {
	return func(c *clientConfig) {
		c.pendingPlaceholder = pending
		c.undecryptablePlaceholder = undecryptable
	}
}
