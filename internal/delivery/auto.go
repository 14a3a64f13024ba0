package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AutoStrategy tries SSE first and falls back to polling when the stream
// cannot be established within Config.SSEConnectionTimeout.
type AutoStrategy struct {
	cfg         Config
	mu          sync.RWMutex
	current     Strategy
	onReconnect func(ctx context.Context)
}

// NewAutoStrategy creates a new auto strategy.
func NewAutoStrategy(cfg Config) *AutoStrategy {
	return &AutoStrategy{
		cfg: cfg.withDefaults(),
	}
}

// Name returns the strategy name.
func (a *AutoStrategy) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.current != nil {
		return "auto:" + a.current.Name()
	}
	return "auto"
}

// OnReconnect sets the callback forwarded to whichever strategy is chosen.
func (a *AutoStrategy) OnReconnect(fn func(ctx context.Context)) {
	a.mu.Lock()
	a.onReconnect = fn
	current := a.current
	a.mu.Unlock()

	if current != nil {
		current.OnReconnect(fn)
	}
}

// Start connects via SSE, or starts polling if SSE does not connect in time.
func (a *AutoStrategy) Start(ctx context.Context, deviceID string, handler EventHandler) error {
	a.mu.RLock()
	onReconnect := a.onReconnect
	a.mu.RUnlock()

	sse := NewSSEStrategy(a.cfg)
	sse.OnReconnect(onReconnect)
	if err := sse.Start(ctx, deviceID, handler); err != nil {
		return a.startPolling(ctx, deviceID, handler, onReconnect)
	}

	timer := time.NewTimer(a.cfg.SSEConnectionTimeout)
	defer timer.Stop()

	select {
	case <-sse.Connected():
		a.setCurrent(sse)
		return nil
	case <-timer.C:
		sse.Stop()
		a.cfg.logger().WithFields(logrus.Fields{
			"function":  "AutoStrategy.Start",
			"device_id": deviceID,
			"error":     errString(sse.LastError()),
		}).Info("Event stream unavailable, falling back to polling")
		return a.startPolling(ctx, deviceID, handler, onReconnect)
	case <-ctx.Done():
		sse.Stop()
		return ctx.Err()
	}
}

func (a *AutoStrategy) startPolling(ctx context.Context, deviceID string, handler EventHandler, onReconnect func(ctx context.Context)) error {
	polling := NewPollingStrategy(a.cfg)
	polling.OnReconnect(onReconnect)
	if err := polling.Start(ctx, deviceID, handler); err != nil {
		return err
	}
	a.setCurrent(polling)
	return nil
}

func (a *AutoStrategy) setCurrent(s Strategy) {
	a.mu.Lock()
	a.current = s
	a.mu.Unlock()
}

// Stop shuts down whichever strategy is running.
func (a *AutoStrategy) Stop() error {
	a.mu.RLock()
	current := a.current
	a.mu.RUnlock()

	if current != nil {
		return current.Stop()
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
