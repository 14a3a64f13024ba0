// Package api provides the HTTP client for the key distribution service:
// device registry, group epochs, wrapped sender keys, the per-device update
// queue, safety numbers and the realtime event stream.
//
// # Client Creation
//
// The package provides two ways to create a client:
//
//   - [NewClient]: Struct-based configuration for explicit, type-safe setup.
//   - [New]: Functional options pattern for flexible configuration.
//
// Both require a base URL. When an auth token is configured it is sent as a
// bearer token on every request.
//
// # Retry Behavior
//
// Failed requests are retried with exponential backoff for these HTTP status
// codes unless configured otherwise:
//
//   - 408 Request Timeout
//   - 429 Too Many Requests
//   - 500 Internal Server Error
//   - 502 Bad Gateway
//   - 503 Service Unavailable
//   - 504 Gateway Timeout
//
// [RetryConfig] is also used on its own by callers that retry whole
// operations, such as the sender key outbox.
//
// # Error Handling
//
// HTTP failures are returned as *apierrors.APIError and transport failures as
// *apierrors.NetworkError. Endpoints tag errors with a resource type so that
// errors.Is distinguishes, for example, a missing epoch from a missing device:
//
//	if errors.Is(err, apierrors.ErrEpochNotFound) {
//	    // group is not initialized
//	}
//
// # Thread Safety
//
// The [Client] type is safe for concurrent use.
package api
