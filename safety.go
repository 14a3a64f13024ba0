package groupkeys

import (
	"context"
	"fmt"

	"github.com/groupkeys/client-go/internal/crypto"
)

// SafetyNumber asks the server for the safety number of this device's
// identity key and theirs. Comparing it out of band is advisory: nothing
// in this package requires verification before sending or decrypting.
func (c *Client) SafetyNumber(ctx context.Context, theirIdentityPublic []byte) (string, error) {
	if err := c.checkClosed(); err != nil {
		return "", err
	}

	identity, err := c.identity.generateOrLoad(ctx)
	if err != nil {
		return "", err
	}

	number, err := c.api.SafetyNumber(ctx, identity.IdentityPublicKey, theirIdentityPublic)
	if err != nil {
		return "", fmt.Errorf("safety number: %w", wrapError(err))
	}
	return number, nil
}

// SafetyNumberFor looks up a device's bundle and returns the safety number
// for its identity key.
func (c *Client) SafetyNumberFor(ctx context.Context, userID, deviceID string) (string, error) {
	if err := c.checkClosed(); err != nil {
		return "", err
	}

	bundle, err := c.registry.GetBundle(ctx, userID, deviceID)
	if err != nil {
		return "", fmt.Errorf("get bundle of %s/%s: %w", userID, deviceID, err)
	}
	if err := bundle.Verify(); err != nil {
		return "", err
	}
	return c.SafetyNumber(ctx, bundle.IdentityPublicKey)
}

// ComputeSafetyNumber is the canonical combine-and-hash of two identity
// public keys. The keys are sorted first, so the result does not depend on
// argument order.
func ComputeSafetyNumber(a, b []byte) (string, error) {
	return crypto.SafetyNumber(a, b)
}
