package groupkeys

import (
	"context"
	"fmt"

	"github.com/groupkeys/client-go/internal/api"
	"github.com/groupkeys/client-go/internal/crypto"
)

// DeviceKeyBundle is the public key bundle a device publishes.
type DeviceKeyBundle struct {
	UserID                string
	DeviceID              string
	IdentityPublicKey     []byte
	SignedPreKey          []byte
	SignedPreKeySignature []byte
}

// Verify checks that the bundle carries a well-formed identity key and that
// its signed pre-key signature matches.
func (b *DeviceKeyBundle) Verify() error {
	if b == nil {
		return fmt.Errorf("%w: nil bundle", ErrInvalidBundle)
	}
	if _, err := crypto.ParsePublicKey(b.IdentityPublicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if !crypto.VerifyPreKeySignature(b.SignedPreKey, b.IdentityPublicKey, b.SignedPreKeySignature) {
		return fmt.Errorf("%w: signed pre-key signature mismatch", ErrInvalidBundle)
	}
	return nil
}

// Registry publishes and looks up device bundles.
type Registry interface {
	UploadBundle(ctx context.Context, bundle *DeviceKeyBundle) error
	GetBundle(ctx context.Context, userID, deviceID string) (*DeviceKeyBundle, error)
	ListDevices(ctx context.Context, userID string) ([]string, error)
}

// Directory resolves group membership. Membership policy lives outside
// this package.
type Directory interface {
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
}

// apiRegistry implements Registry and Directory with the REST client.
type apiRegistry struct {
	client *api.Client
}

func (r *apiRegistry) UploadBundle(ctx context.Context, bundle *DeviceKeyBundle) error {
	return wrapError(r.client.UploadBundle(ctx, &api.DeviceBundle{
		UserID:                bundle.UserID,
		DeviceID:              bundle.DeviceID,
		IdentityPublicKey:     bundle.IdentityPublicKey,
		SignedPreKey:          bundle.SignedPreKey,
		SignedPreKeySignature: bundle.SignedPreKeySignature,
	}))
}

func (r *apiRegistry) GetBundle(ctx context.Context, userID, deviceID string) (*DeviceKeyBundle, error) {
	bundle, err := r.client.GetBundle(ctx, userID, deviceID)
	if err != nil {
		return nil, wrapError(err)
	}
	return &DeviceKeyBundle{
		UserID:                bundle.UserID,
		DeviceID:              bundle.DeviceID,
		IdentityPublicKey:     bundle.IdentityPublicKey,
		SignedPreKey:          bundle.SignedPreKey,
		SignedPreKeySignature: bundle.SignedPreKeySignature,
	}, nil
}

func (r *apiRegistry) ListDevices(ctx context.Context, userID string) ([]string, error) {
	devices, err := r.client.ListDevices(ctx, userID)
	return devices, wrapError(err)
}

func (r *apiRegistry) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	members, err := r.client.GroupMembers(ctx, groupID)
	return members, wrapError(err)
}
