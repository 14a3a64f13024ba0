package delivery

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/groupkeys/client-go/internal/api"
)

const (
	SSEReconnectInterval    = 5 * time.Second
	SSEMaxReconnectAttempts = 10
	SSEBackoffMultiplier    = 2
)

// SSEStrategy delivers events via Server-Sent Events.
type SSEStrategy struct {
	apiClient     Source
	log           *logrus.Logger
	deviceID      string
	handler       EventHandler
	onReconnect   func(ctx context.Context)
	cancel        context.CancelFunc
	done          chan struct{}
	mu            sync.RWMutex
	reconnectWait time.Duration
	attempts      int
	started       bool
	connected     chan struct{} // closed when the first connection is established
	connectedOnce sync.Once
	lastError     error
}

// NewSSEStrategy creates a new SSE strategy.
func NewSSEStrategy(cfg Config) *SSEStrategy {
	cfg = cfg.withDefaults()
	return &SSEStrategy{
		apiClient:     cfg.APIClient,
		log:           cfg.logger(),
		reconnectWait: cfg.SSEReconnectInterval,
		connected:     make(chan struct{}),
	}
}

// Name returns the strategy name.
func (s *SSEStrategy) Name() string {
	return "sse"
}

// Connected returns a channel that's closed when the SSE connection is established.
func (s *SSEStrategy) Connected() <-chan struct{} {
	return s.connected
}

// LastError returns the last connection error, if any.
func (s *SSEStrategy) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// OnReconnect sets the callback run after every successful connection.
func (s *SSEStrategy) OnReconnect(fn func(ctx context.Context)) {
	s.mu.Lock()
	s.onReconnect = fn
	s.mu.Unlock()
}

// Start begins listening for events addressed to deviceID.
func (s *SSEStrategy) Start(ctx context.Context, deviceID string, handler EventHandler) error {
	if deviceID == "" {
		return errors.New("SSE strategy: device ID is required")
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("SSE strategy: already started")
	}
	s.deviceID = deviceID
	s.handler = handler
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.connectLoop(ctx)
	return nil
}

// Stop shuts down the strategy and waits for the connection loop to exit.
func (s *SSEStrategy) Stop() error {
	s.mu.Lock()
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

func (s *SSEStrategy) connectLoop(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"function":  "SSEStrategy.connectLoop",
				"device_id": s.deviceID,
				"attempt":   s.attempts + 1,
				"error":     err.Error(),
			}).Warn("Event stream disconnected")
		}

		s.attempts++
		if s.attempts >= SSEMaxReconnectAttempts {
			s.log.WithFields(logrus.Fields{
				"function":  "SSEStrategy.connectLoop",
				"device_id": s.deviceID,
			}).Error("Giving up on event stream")
			return
		}

		wait := s.reconnectWait * time.Duration(1<<(s.attempts-1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *SSEStrategy) setLastError(err error) error {
	s.mu.Lock()
	s.lastError = err
	s.mu.Unlock()
	return err
}

func (s *SSEStrategy) connect(ctx context.Context) error {
	if s.apiClient == nil {
		return s.setLastError(fmt.Errorf("SSE strategy: API client is nil"))
	}

	resp, err := s.apiClient.OpenEventStream(ctx, s.deviceID)
	if err != nil {
		return s.setLastError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return s.setLastError(fmt.Errorf("SSE strategy: unexpected status %d", resp.StatusCode))
	}

	s.attempts = 0
	s.connectedOnce.Do(func() {
		close(s.connected)
	})

	s.mu.RLock()
	onReconnect, handler := s.onReconnect, s.handler
	s.mu.RUnlock()
	if onReconnect != nil {
		onReconnect(ctx)
	}

	return s.readEvents(ctx, resp.Body, handler)
}

// readEvents parses "data:" lines until the stream ends. Multi-line data
// fields are joined with newlines and dispatched on the blank line that
// terminates the event.
func (s *SSEStrategy) readEvents(ctx context.Context, body io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data []string
	flush := func() {
		if len(data) == 0 {
			return
		}
		payload := strings.Join(data, "\n")
		data = data[:0]

		var event api.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "SSEStrategy.readEvents",
				"error":    err.Error(),
			}).Debug("Skipping malformed event")
			return
		}
		dispatch(ctx, s.log, s.Name(), handler, &event)
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
