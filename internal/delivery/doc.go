// Package delivery provides the strategies a device uses to receive key
// distribution events: newly registered devices, sender keys becoming
// available, epoch advances, and batches of queued key updates.
//
// # Delivery Strategies
//
//   - [SSEStrategy]: Server-Sent Events on the device's event stream.
//     Lowest latency, recommended for most use cases.
//
//   - [PollingStrategy]: Periodically polls the device's key update queue and
//     surfaces non-empty results as a queued-updates event. Uses adaptive
//     backoff while the queue stays empty.
//
//   - [AutoStrategy]: SSE with a fallback to polling when the stream cannot
//     be established.
//
// # Usage
//
//	cfg := delivery.Config{APIClient: apiClient, Logger: logger}
//	strategy := delivery.NewAutoStrategy(cfg)
//	strategy.OnReconnect(func(ctx context.Context) {
//	    // register if needed, then drain the queue
//	})
//	strategy.Start(ctx, deviceID, func(ctx context.Context, event *api.Event) error {
//	    return nil
//	})
//	defer strategy.Stop()
//
// # Backoff and Retry
//
//   - Polling increases intervals from 2s to 30s max while the queue is empty
//   - SSE reconnects with exponential backoff up to 10 attempts
//   - Jitter prevents thundering herd when multiple clients reconnect
//
// # Thread Safety
//
// All strategy types are safe for concurrent use.
package delivery
