// Package apierrors provides the error types shared by the REST client and
// the public groupkeys package.
package apierrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() checks
var (
	// ErrUnauthorized is returned when the auth token is rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDeviceNotFound is returned when a device or its bundle is unknown.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrGroupNotFound is returned when a group is unknown to the server.
	ErrGroupNotFound = errors.New("group not found")

	// ErrEpochNotFound is returned when a group has no epoch yet.
	ErrEpochNotFound = errors.New("epoch not found")

	// ErrSenderKeysNotFound is returned when no envelopes are addressed to
	// the device for a (group, epoch).
	ErrSenderKeysNotFound = errors.New("sender keys not found")

	// ErrConflict is returned when the server rejects a state transition,
	// for example initializing a group twice.
	ErrConflict = errors.New("conflict")

	// ErrRateLimited is returned when the API rate limit is exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrServiceUnavailable is returned for 5xx responses.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// ResourceType indicates which type of resource an error relates to.
type ResourceType string

const (
	// ResourceUnknown indicates the resource type is not specified.
	ResourceUnknown ResourceType = ""
	// ResourceDevice indicates the error relates to a device or bundle.
	ResourceDevice ResourceType = "device"
	// ResourceGroup indicates the error relates to a group.
	ResourceGroup ResourceType = "group"
	// ResourceEpoch indicates the error relates to a group epoch.
	ResourceEpoch ResourceType = "epoch"
	// ResourceSenderKeys indicates the error relates to wrapped sender keys.
	ResourceSenderKeys ResourceType = "sender-keys"
)

// APIError represents an HTTP error from the key distribution service.
type APIError struct {
	StatusCode   int
	Message      string
	RequestID    string
	ResourceType ResourceType
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		if e.Message != "" {
			return fmt.Sprintf("API error %d: %s (request_id: %s)", e.StatusCode, e.Message, e.RequestID)
		}
		return fmt.Sprintf("API error %d (request_id: %s)", e.StatusCode, e.RequestID)
	}
	if e.Message != "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error %d", e.StatusCode)
}

// Is implements errors.Is for sentinel error matching.
func (e *APIError) Is(target error) bool {
	switch {
	case e.StatusCode == 401 || e.StatusCode == 403:
		return target == ErrUnauthorized
	case e.StatusCode == 404:
		switch e.ResourceType {
		case ResourceDevice:
			return target == ErrDeviceNotFound
		case ResourceGroup:
			return target == ErrGroupNotFound
		case ResourceEpoch:
			return target == ErrEpochNotFound
		case ResourceSenderKeys:
			return target == ErrSenderKeysNotFound
		default:
			return target == ErrDeviceNotFound || target == ErrGroupNotFound ||
				target == ErrEpochNotFound || target == ErrSenderKeysNotFound
		}
	case e.StatusCode == 409:
		return target == ErrConflict
	case e.StatusCode == 429:
		return target == ErrRateLimited
	case e.StatusCode >= 500:
		return target == ErrServiceUnavailable
	}
	return false
}

// WithResourceType returns a copy of the error with the resource type set.
// If the error is not an *APIError, it is returned unchanged.
func WithResourceType(err error, rt ResourceType) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			StatusCode:   apiErr.StatusCode,
			Message:      apiErr.Message,
			RequestID:    apiErr.RequestID,
			ResourceType: rt,
		}
	}
	return err
}

// NetworkError represents a network-level failure.
type NetworkError struct {
	Err     error
	URL     string
	Attempt int
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}
