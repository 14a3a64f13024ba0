package groupkeys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/groupkeys/client-go/internal/crypto"
	"github.com/groupkeys/client-go/internal/store"
)

// IdentityState is the lifecycle state of a device identity.
type IdentityState int

const (
	// IdentityUninitialized means no identity has been loaded or generated.
	IdentityUninitialized IdentityState = iota
	// IdentityGenerating means a load or generation is in flight.
	IdentityGenerating
	// IdentityReady means the identity is loaded.
	IdentityReady
)

func (s IdentityState) String() string {
	switch s {
	case IdentityGenerating:
		return "generating"
	case IdentityReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// DeviceIdentity is the long-lived key material of one device. The private
// halves never leave the device.
type DeviceIdentity struct {
	UserID                string    `json:"userId"`
	DeviceID              string    `json:"deviceId"`
	IdentityPublicKey     []byte    `json:"identityPublicKey"`
	IdentityPrivateKey    []byte    `json:"identityPrivateKey"`
	SignedPreKey          []byte    `json:"signedPreKey"`
	SignedPreKeyPrivate   []byte    `json:"signedPreKeyPrivate"`
	SignedPreKeySignature []byte    `json:"signedPreKeySignature"`
	CreatedAt             time.Time `json:"createdAt"`
}

// Bundle returns the public projection published to the registry.
func (d *DeviceIdentity) Bundle() *DeviceKeyBundle {
	return &DeviceKeyBundle{
		UserID:                d.UserID,
		DeviceID:              d.DeviceID,
		IdentityPublicKey:     d.IdentityPublicKey,
		SignedPreKey:          d.SignedPreKey,
		SignedPreKeySignature: d.SignedPreKeySignature,
	}
}

// identityStore loads or generates the device identity exactly once.
// Concurrent callers share a single generation.
type identityStore struct {
	ns    store.Namespace
	store store.Store
	log   *logrus.Logger
	group singleflight.Group

	mu       sync.RWMutex
	state    IdentityState
	identity *DeviceIdentity
}

func newIdentityStore(ns store.Namespace, s store.Store, log *logrus.Logger) *identityStore {
	return &identityStore{ns: ns, store: s, log: log}
}

func (s *identityStore) current() (*DeviceIdentity, IdentityState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.state
}

func (s *identityStore) setState(state IdentityState, identity *DeviceIdentity) {
	s.mu.Lock()
	s.state = state
	s.identity = identity
	s.mu.Unlock()
}

// generateOrLoad returns the persisted identity, generating and persisting
// one first if none exists.
func (s *identityStore) generateOrLoad(ctx context.Context) (*DeviceIdentity, error) {
	if identity, state := s.current(); state == IdentityReady {
		return identity, nil
	}

	ch := s.group.DoChan("identity", func() (interface{}, error) {
		if identity, state := s.current(); state == IdentityReady {
			return identity, nil
		}
		s.setState(IdentityGenerating, nil)

		identity, err := s.loadOrCreate()
		if err != nil {
			s.setState(IdentityUninitialized, nil)
			return nil, err
		}
		s.setState(IdentityReady, identity)
		return identity, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*DeviceIdentity), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *identityStore) loadOrCreate() (*DeviceIdentity, error) {
	data, err := s.store.Get(s.ns.Identity())
	switch {
	case err == nil:
		var identity DeviceIdentity
		if err := json.Unmarshal(data, &identity); err != nil {
			return nil, fmt.Errorf("decode identity: %w", err)
		}
		return &identity, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load identity: %w", err)
	}

	identity, err := generateIdentity(s.ns.UserID, s.ns.DeviceID)
	if err != nil {
		return nil, err
	}

	data, err = json.Marshal(identity)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err) //coverage:ignore
	}
	if err := s.store.Set(s.ns.Identity(), data); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"function":  "identityStore.loadOrCreate",
		"user_id":   identity.UserID,
		"device_id": identity.DeviceID,
	}).Info("Generated device identity")

	return identity, nil
}

func generateIdentity(userID, deviceID string) (*DeviceIdentity, error) {
	identityKey, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, &KeyGenerationError{Key: "identity", Err: err}
	}
	preKey, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, &KeyGenerationError{Key: "signed-prekey", Err: err}
	}

	return &DeviceIdentity{
		UserID:                userID,
		DeviceID:              deviceID,
		IdentityPublicKey:     identityKey.PublicKey,
		IdentityPrivateKey:    identityKey.PrivateKey,
		SignedPreKey:          preKey.PublicKey,
		SignedPreKeyPrivate:   preKey.PrivateKey,
		SignedPreKeySignature: crypto.SignPreKey(preKey.PublicKey, identityKey.PublicKey),
		CreatedAt:             time.Now().UTC(),
	}, nil
}

// Identity returns this device's identity, loading or generating it if
// needed.
func (c *Client) Identity(ctx context.Context) (*DeviceIdentity, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	return c.identity.generateOrLoad(ctx)
}

// IdentityState reports where the identity lifecycle currently stands.
func (c *Client) IdentityState() IdentityState {
	_, state := c.identity.current()
	return state
}

// Register publishes this device's bundle to the registry. It uploads at
// most once per device lifetime; later calls are no-ops. A failed upload
// leaves the device unregistered so the next call, or the next connection,
// retries.
func (c *Client) Register(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	identity, err := c.identity.generateOrLoad(ctx)
	if err != nil {
		return err
	}

	// Concurrent callers, such as the reconnect hook and an explicit call,
	// share one upload. The upload outlives a cancelled caller.
	uploadCtx := context.WithoutCancel(ctx)
	ch := c.registering.DoChan("register", func() (interface{}, error) {
		return nil, c.register(uploadCtx, identity)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) register(ctx context.Context, identity *DeviceIdentity) error {
	registered, err := c.isRegistered()
	if err != nil {
		return err
	}
	if registered {
		return nil
	}

	if err := c.registry.UploadBundle(ctx, identity.Bundle()); err != nil {
		err = wrapError(err)
		c.log.WithFields(logrus.Fields{
			"function":  "Client.Register",
			"device_id": c.deviceID,
			"error":     err.Error(),
		}).Warn("Device registration failed")
		return fmt.Errorf("register device: %w", err)
	}

	if err := c.store.Set(c.ns.Registered(), []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		return fmt.Errorf("persist registration: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"function":  "Client.Register",
		"device_id": c.deviceID,
	}).Info("Device registered")
	return nil
}

// Registered reports whether this device's bundle has been published.
func (c *Client) Registered() (bool, error) {
	if err := c.checkClosed(); err != nil {
		return false, err
	}
	return c.isRegistered()
}

func (c *Client) isRegistered() (bool, error) {
	_, err := c.store.Get(c.ns.Registered())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("load registration: %w", err)
	}
}
