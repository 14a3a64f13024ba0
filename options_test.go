package groupkeys

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/groupkeys/client-go/internal/store"
)

func TestDeliveryStrategy_Constants(t *testing.T) {
	tests := map[DeliveryStrategy]string{
		StrategyAuto:    "auto",
		StrategySSE:     "sse",
		StrategyPolling: "polling",
		StrategyNone:    "none",
	}
	for strategy, want := range tests {
		if string(strategy) != want {
			t.Errorf("strategy = %s, want %s", strategy, want)
		}
	}
}

func TestDefaultConstants(t *testing.T) {
	if defaultBaseURL != "https://keys.groupkeys.dev" {
		t.Errorf("defaultBaseURL = %s, want https://keys.groupkeys.dev", defaultBaseURL)
	}
	if defaultTimeout != 30*time.Second {
		t.Errorf("defaultTimeout = %v, want 30s", defaultTimeout)
	}
	if defaultOutboxRetryInterval != 30*time.Second {
		t.Errorf("defaultOutboxRetryInterval = %v, want 30s", defaultOutboxRetryInterval)
	}
	if DefaultPendingPlaceholder == DefaultUndecryptablePlaceholder {
		t.Error("placeholders must differ")
	}
}

func TestWithBaseURL(t *testing.T) {
	cfg := &clientConfig{}
	WithBaseURL("https://custom.example.com")(cfg)
	if cfg.baseURL != "https://custom.example.com" {
		t.Errorf("baseURL = %s, want https://custom.example.com", cfg.baseURL)
	}
}

func TestWithAuthToken(t *testing.T) {
	cfg := &clientConfig{}
	WithAuthToken("secret")(cfg)
	if cfg.authToken != "secret" {
		t.Errorf("authToken = %s, want secret", cfg.authToken)
	}
}

func TestWithHTTPClient(t *testing.T) {
	cfg := &clientConfig{}
	customClient := &http.Client{Timeout: 99 * time.Second}
	WithHTTPClient(customClient)(cfg)
	if cfg.httpClient != customClient {
		t.Error("httpClient was not set")
	}
}

func TestWithDeliveryStrategy(t *testing.T) {
	for _, strategy := range []DeliveryStrategy{StrategyAuto, StrategySSE, StrategyPolling, StrategyNone} {
		t.Run(string(strategy), func(t *testing.T) {
			cfg := &clientConfig{}
			WithDeliveryStrategy(strategy)(cfg)
			if cfg.deliveryStrategy != strategy {
				t.Errorf("deliveryStrategy = %s, want %s", cfg.deliveryStrategy, strategy)
			}
		})
	}
}

func TestWithTimeout(t *testing.T) {
	cfg := &clientConfig{}
	WithTimeout(120 * time.Second)(cfg)
	if cfg.timeout != 120*time.Second {
		t.Errorf("timeout = %v, want 120s", cfg.timeout)
	}
}

func TestWithRetries(t *testing.T) {
	cfg := &clientConfig{}
	WithRetries(5)(cfg)
	if cfg.retries != 5 {
		t.Errorf("retries = %d, want 5", cfg.retries)
	}
}

func TestWithRetryOn(t *testing.T) {
	cfg := &clientConfig{}
	WithRetryOn([]int{500, 503})(cfg)
	if len(cfg.retryOn) != 2 || cfg.retryOn[0] != 500 || cfg.retryOn[1] != 503 {
		t.Errorf("retryOn = %v, want [500 503]", cfg.retryOn)
	}
}

func TestWithStoreAndDataDir(t *testing.T) {
	cfg := &clientConfig{}
	s := store.NewMemory()
	WithStore(s)(cfg)
	WithDataDir("/tmp/keys")(cfg)
	if cfg.store != s {
		t.Error("store was not set")
	}
	if cfg.dataDir != "/tmp/keys" {
		t.Errorf("dataDir = %s, want /tmp/keys", cfg.dataDir)
	}
}

func TestWithLogger(t *testing.T) {
	cfg := &clientConfig{}
	logger := logrus.New()
	WithLogger(logger)(cfg)
	if cfg.logger != logger {
		t.Error("logger was not set")
	}
}

type staticDirectory []string

func (d staticDirectory) GroupMembers(context.Context, string) ([]string, error) {
	return d, nil
}

func TestWithDirectory(t *testing.T) {
	cfg := &clientConfig{}
	dir := staticDirectory{"alice"}
	WithDirectory(dir)(cfg)
	if cfg.directory == nil {
		t.Error("directory was not set")
	}
}

func TestPollingOptions(t *testing.T) {
	cfg := &clientConfig{}
	WithPollingInitialInterval(time.Second)(cfg)
	WithPollingMaxBackoff(time.Minute)(cfg)
	WithPollingBackoffMultiplier(3)(cfg)
	WithPollingJitterFactor(0.1)(cfg)
	WithSSEConnectionTimeout(7 * time.Second)(cfg)

	if cfg.pollingInitialInterval != time.Second {
		t.Errorf("pollingInitialInterval = %v, want 1s", cfg.pollingInitialInterval)
	}
	if cfg.pollingMaxBackoff != time.Minute {
		t.Errorf("pollingMaxBackoff = %v, want 1m", cfg.pollingMaxBackoff)
	}
	if cfg.pollingBackoffMultiplier != 3 {
		t.Errorf("pollingBackoffMultiplier = %v, want 3", cfg.pollingBackoffMultiplier)
	}
	if cfg.pollingJitterFactor != 0.1 {
		t.Errorf("pollingJitterFactor = %v, want 0.1", cfg.pollingJitterFactor)
	}
	if cfg.sseConnectionTimeout != 7*time.Second {
		t.Errorf("sseConnectionTimeout = %v, want 7s", cfg.sseConnectionTimeout)
	}
}

func TestOutboxOptions(t *testing.T) {
	cfg := &clientConfig{}
	WithOutboxRetryInterval(5 * time.Second)(cfg)
	WithOutboxBackoff(time.Second, time.Hour)(cfg)

	if cfg.outboxRetryInterval != 5*time.Second {
		t.Errorf("outboxRetryInterval = %v, want 5s", cfg.outboxRetryInterval)
	}
	if cfg.outboxBaseDelay != time.Second || cfg.outboxMaxDelay != time.Hour {
		t.Errorf("outbox backoff = %v..%v, want 1s..1h", cfg.outboxBaseDelay, cfg.outboxMaxDelay)
	}
}

func TestWithPlaceholders(t *testing.T) {
	cfg := &clientConfig{}
	WithPlaceholders("wait", "broken")(cfg)
	if cfg.pendingPlaceholder != "wait" || cfg.undecryptablePlaceholder != "broken" {
		t.Errorf("placeholders = %q/%q, want wait/broken", cfg.pendingPlaceholder, cfg.undecryptablePlaceholder)
	}
}
