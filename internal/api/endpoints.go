package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/groupkeys/client-go/internal/apierrors"
)

// UploadBundle publishes this device's public key bundle.
func (c *Client) UploadBundle(ctx context.Context, bundle *DeviceBundle) error {
	return c.Do(ctx, http.MethodPost, "/api/devices", bundle, nil)
}

// GetBundle fetches the public key bundle of one device.
func (c *Client) GetBundle(ctx context.Context, userID, deviceID string) (*DeviceBundle, error) {
	path := fmt.Sprintf("/api/users/%s/devices/%s/bundle", url.PathEscape(userID), url.PathEscape(deviceID))
	var result DeviceBundle
	if err := c.Do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceDevice)
	}
	return &result, nil
}

// ListDevices lists the device IDs registered for a user.
func (c *Client) ListDevices(ctx context.Context, userID string) ([]string, error) {
	path := fmt.Sprintf("/api/users/%s/devices", url.PathEscape(userID))
	var result DeviceList
	if err := c.Do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceDevice)
	}
	return result.Devices, nil
}

// GroupMembers lists the user IDs currently in a group.
func (c *Client) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	path := fmt.Sprintf("/api/groups/%s/members", url.PathEscape(groupID))
	var result GroupMembers
	if err := c.Do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceGroup)
	}
	return result.Members, nil
}

// InitEpoch asks the server to assign the initial epoch of a group.
func (c *Client) InitEpoch(ctx context.Context, groupID string) (*EpochState, error) {
	path := fmt.Sprintf("/api/groups/%s/epoch", url.PathEscape(groupID))
	var result EpochState
	if err := c.Do(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceGroup)
	}
	return &result, nil
}

// GetEpoch fetches the current epoch of a group. A group without an epoch
// yields an error matching apierrors.ErrEpochNotFound.
func (c *Client) GetEpoch(ctx context.Context, groupID string) (*EpochState, error) {
	path := fmt.Sprintf("/api/groups/%s/epoch", url.PathEscape(groupID))
	var result EpochState
	if err := c.Do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceEpoch)
	}
	return &result, nil
}

// AdvanceEpoch asks the server for the next epoch of a group.
func (c *Client) AdvanceEpoch(ctx context.Context, groupID string, req AdvanceEpochRequest) (*EpochState, error) {
	path := fmt.Sprintf("/api/groups/%s/epoch/advance", url.PathEscape(groupID))
	var result EpochState
	if err := c.Do(ctx, http.MethodPost, path, req, &result); err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceEpoch)
	}
	return &result, nil
}

// UploadSenderKeys uploads one batch of envelopes for (group, epoch).
func (c *Client) UploadSenderKeys(ctx context.Context, groupID string, epoch uint64, req UploadSenderKeysRequest) (*UploadSenderKeysResponse, error) {
	path := fmt.Sprintf("/api/groups/%s/epochs/%d/sender-keys", url.PathEscape(groupID), epoch)
	var result UploadSenderKeysResponse
	if err := c.Do(ctx, http.MethodPost, path, req, &result); err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceSenderKeys)
	}
	return &result, nil
}

// FetchSenderKeys fetches the envelopes addressed to deviceID for
// (group, epoch).
func (c *Client) FetchSenderKeys(ctx context.Context, groupID string, epoch uint64, deviceID string) ([]KeyUpdate, error) {
	path := fmt.Sprintf("/api/groups/%s/epochs/%d/sender-keys/%s",
		url.PathEscape(groupID), epoch, url.PathEscape(deviceID))
	var result KeyUpdateList
	if err := c.Do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceSenderKeys)
	}
	return result.Updates, nil
}

// FetchQueue fetches every queued key update for a device.
func (c *Client) FetchQueue(ctx context.Context, deviceID string) ([]KeyUpdate, error) {
	path := fmt.Sprintf("/api/devices/%s/queue", url.PathEscape(deviceID))
	var result KeyUpdateList
	if err := c.Do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, apierrors.WithResourceType(err, apierrors.ResourceDevice)
	}
	return result.Updates, nil
}

// AckQueue removes processed updates from the device queue.
func (c *Client) AckQueue(ctx context.Context, deviceID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	path := fmt.Sprintf("/api/devices/%s/queue/ack", url.PathEscape(deviceID))
	return c.Do(ctx, http.MethodPost, path, AckRequest{IDs: ids}, nil)
}

// SafetyNumber asks the server for the canonical safety number of two
// identity public keys.
func (c *Client) SafetyNumber(ctx context.Context, keyA, keyB []byte) (string, error) {
	var result SafetyNumberResponse
	if err := c.Do(ctx, http.MethodPost, "/api/safety-number", SafetyNumberRequest{KeyA: keyA, KeyB: keyB}, &result); err != nil {
		return "", err
	}
	return result.SafetyNumber, nil
}

// OpenEventStream opens an SSE connection for the device's realtime events.
// The caller owns the response body.
func (c *Client) OpenEventStream(ctx context.Context, deviceID string) (*http.Response, error) {
	path := fmt.Sprintf("/api/devices/%s/events", url.PathEscape(deviceID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	return c.httpClient.Do(req)
}
