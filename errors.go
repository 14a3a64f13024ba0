package groupkeys

import (
	"errors"
	"fmt"

	"github.com/groupkeys/client-go/internal/apierrors"
)

// Sentinel errors for errors.Is() checks
var (
	// ErrMissingUserID is returned when no user ID is provided.
	ErrMissingUserID = errors.New("user ID is required")

	// ErrMissingDeviceID is returned when no device ID is provided.
	ErrMissingDeviceID = errors.New("device ID is required")

	// ErrClientClosed is returned when operations are attempted on a closed client.
	ErrClientClosed = errors.New("client has been closed")

	// ErrUnauthorized is returned when the auth token is rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrKeyGeneration is returned when a key could not be generated.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrRegistryUnavailable is returned when the key distribution service
	// cannot be reached or fails with a server error.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrWrapFailure is returned when a sender key could not be wrapped for
	// one recipient device.
	ErrWrapFailure = errors.New("key wrap failed")

	// ErrDecryptFailure is returned when authenticated decryption fails.
	ErrDecryptFailure = errors.New("decryption failed")

	// ErrKeyUnavailable is returned when no cached, persisted or fetchable
	// sender key exists for a (group, epoch).
	ErrKeyUnavailable = errors.New("sender key unavailable")

	// ErrDeviceNotFound is returned when a device or its bundle is unknown.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrGroupNotFound is returned when the server does not know a group.
	ErrGroupNotFound = errors.New("group not found")

	// ErrGroupNotInitialized is returned when an operation needs an active
	// epoch and the group has none.
	ErrGroupNotInitialized = errors.New("group not initialized")

	// ErrGroupAlreadyInitialized is returned by InitGroup for a group that
	// already has an epoch.
	ErrGroupAlreadyInitialized = errors.New("group already initialized")

	// ErrEpochRegression is returned when the server answers an epoch advance
	// with an epoch that is not greater than the current one.
	ErrEpochRegression = errors.New("epoch did not increase")

	// ErrInvalidBundle is returned when a device bundle's signature does not
	// match its keys.
	ErrInvalidBundle = errors.New("invalid device bundle")

	// ErrRateLimited is returned when the API rate limit is exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// GroupKeysError is implemented by all errors returned by this package.
type GroupKeysError interface {
	error
	GroupKeysError() // marker method
}

// APIError represents an HTTP error from the key distribution service.
type APIError struct {
	StatusCode   int
	Message      string
	RequestID    string // if returned by server
	ResourceType string // device, group, epoch or sender-keys when known
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

// GroupKeysError implements the GroupKeysError interface.
func (e *APIError) GroupKeysError() {}

// Is implements errors.Is for sentinel error matching.
func (e *APIError) Is(target error) bool {
	switch {
	case e.StatusCode == 401 || e.StatusCode == 403:
		return target == ErrUnauthorized
	case e.StatusCode == 404:
		switch apierrors.ResourceType(e.ResourceType) {
		case apierrors.ResourceDevice:
			return target == ErrDeviceNotFound
		case apierrors.ResourceGroup:
			return target == ErrGroupNotFound
		case apierrors.ResourceEpoch:
			return target == ErrGroupNotInitialized
		case apierrors.ResourceSenderKeys:
			return target == ErrKeyUnavailable
		}
		return false
	case e.StatusCode == 409:
		return target == ErrGroupAlreadyInitialized && e.ResourceType == string(apierrors.ResourceGroup)
	case e.StatusCode == 429:
		return target == ErrRateLimited
	case e.StatusCode >= 500:
		return target == ErrRegistryUnavailable
	}
	return false
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

// Is implements errors.Is for sentinel error matching.
func (e *NetworkError) Is(target error) bool {
	return target == ErrRegistryUnavailable
}

// GroupKeysError implements the GroupKeysError interface.
func (e *NetworkError) GroupKeysError() {}

// WrapError reports a failure to wrap a sender key for one recipient device.
type WrapError struct {
	RecipientUserID   string
	RecipientDeviceID string
	Stage             string // "bundle", "verify", "wrap"
	Err               error
}

func (e *WrapError) Error() string {
	return fmt.Sprintf("wrap for %s/%s failed at %s: %v", e.RecipientUserID, e.RecipientDeviceID, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *WrapError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *WrapError) Is(target error) bool {
	return target == ErrWrapFailure
}

// GroupKeysError implements the GroupKeysError interface.
func (e *WrapError) GroupKeysError() {}

// DecryptError represents a failure to decrypt a message or a key update.
type DecryptError struct {
	GroupID string
	Epoch   uint64
	Stage   string // "decode", "aes", "unwrap"
	Err     error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decryption failed for %s@%d at %s: %v", e.GroupID, e.Epoch, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecryptError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *DecryptError) Is(target error) bool {
	return target == ErrDecryptFailure
}

// GroupKeysError implements the GroupKeysError interface.
func (e *DecryptError) GroupKeysError() {}

// KeyGenerationError reports which key could not be generated.
type KeyGenerationError struct {
	Key string // "identity", "signed-prekey", "sender-key"
	Err error
}

func (e *KeyGenerationError) Error() string {
	return fmt.Sprintf("generate %s: %v", e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *KeyGenerationError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *KeyGenerationError) Is(target error) bool {
	return target == ErrKeyGeneration
}

// GroupKeysError implements the GroupKeysError interface.
func (e *KeyGenerationError) GroupKeysError() {}

// wrapError converts internal API errors to public errors.
// This ensures that errors.Is() checks work with public sentinel errors.
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *apierrors.APIError
	if errors.As(err, &apiErr) {
		return &APIError{
			StatusCode:   apiErr.StatusCode,
			Message:      apiErr.Message,
			RequestID:    apiErr.RequestID,
			ResourceType: string(apiErr.ResourceType),
		}
	}

	var netErr *apierrors.NetworkError
	if errors.As(err, &netErr) {
		return &NetworkError{
			Err:     netErr.Err,
			URL:     netErr.URL,
			Attempt: netErr.Attempt,
		}
	}

	return err
}
