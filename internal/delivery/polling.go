package delivery

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/groupkeys/client-go/internal/api"
)

// PollingStrategy delivers events by polling the device's key update queue.
// Non-empty polls are surfaced as a single queued-updates event.
type PollingStrategy struct {
	apiClient   Source
	log         *logrus.Logger
	cfg         Config
	deviceID    string
	handler     EventHandler
	onReconnect func(ctx context.Context)
	cancel      context.CancelFunc
	done        chan struct{}
	mu          sync.RWMutex
	started     bool
	interval    time.Duration
	healthy     bool // last poll succeeded
}

// NewPollingStrategy creates a new polling strategy.
func NewPollingStrategy(cfg Config) *PollingStrategy {
	cfg = cfg.withDefaults()
	return &PollingStrategy{
		apiClient: cfg.APIClient,
		log:       cfg.logger(),
		cfg:       cfg,
		interval:  cfg.PollingInitialInterval,
	}
}

// Name returns the strategy name.
func (p *PollingStrategy) Name() string {
	return "polling"
}

// OnReconnect sets the callback run when polling (re)gains contact with the
// server: on the first successful poll and after any failed one.
func (p *PollingStrategy) OnReconnect(fn func(ctx context.Context)) {
	p.mu.Lock()
	p.onReconnect = fn
	p.mu.Unlock()
}

// Start begins polling the queue of deviceID.
func (p *PollingStrategy) Start(ctx context.Context, deviceID string, handler EventHandler) error {
	if deviceID == "" {
		return errors.New("polling strategy: device ID is required")
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("polling strategy: already started")
	}
	p.deviceID = deviceID
	p.handler = handler
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.pollLoop(ctx)
	return nil
}

// Stop shuts down the strategy and waits for the poll loop to exit.
func (p *PollingStrategy) Stop() error {
	p.mu.Lock()
	p.started = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

func (p *PollingStrategy) pollLoop(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p.poll(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.waitDuration()):
		}
	}
}

func (p *PollingStrategy) poll(ctx context.Context) {
	if p.apiClient == nil {
		return
	}

	updates, err := p.apiClient.FetchQueue(ctx, p.deviceID)
	if err != nil {
		if ctx.Err() == nil {
			p.log.WithFields(logrus.Fields{
				"function":  "PollingStrategy.poll",
				"device_id": p.deviceID,
				"error":     err.Error(),
			}).Warn("Queue poll failed")
		}
		p.healthy = false
		p.backoff()
		return
	}

	p.mu.RLock()
	onReconnect, handler := p.onReconnect, p.handler
	p.mu.RUnlock()

	if !p.healthy {
		p.healthy = true
		if onReconnect != nil {
			onReconnect(ctx)
		}
	}

	if len(updates) == 0 {
		p.backoff()
		return
	}

	p.interval = p.cfg.PollingInitialInterval
	dispatch(ctx, p.log, p.Name(), handler, &api.Event{
		Type:       api.EventQueuedUpdates,
		KeyUpdates: updates,
	})
}

func (p *PollingStrategy) backoff() {
	next := time.Duration(float64(p.interval) * p.cfg.PollingBackoffMultiplier)
	if next > p.cfg.PollingMaxBackoff {
		next = p.cfg.PollingMaxBackoff
	}
	p.interval = next
}

func (p *PollingStrategy) waitDuration() time.Duration {
	jitter := time.Duration(rand.Float64() * p.cfg.PollingJitterFactor * float64(p.interval))
	return p.interval + jitter
}
