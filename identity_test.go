package groupkeys

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupkeys/client-go/internal/crypto"
	"github.com/groupkeys/client-go/internal/store"
)

func TestIdentityState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", IdentityUninitialized.String())
	assert.Equal(t, "generating", IdentityGenerating.String())
	assert.Equal(t, "ready", IdentityReady.String())
}

func TestIdentityStore_ConcurrentCallersShareOneIdentity(t *testing.T) {
	s := store.NewMemory()
	ns := store.Namespace{UserID: "alice", DeviceID: "a1"}
	ids := newIdentityStore(ns, s, quietLogger())

	const callers = 20
	results := make([]*DeviceIdentity, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			identity, err := ids.generateOrLoad(context.Background())
			assert.NoError(t, err)
			results[i] = identity
		}(i)
	}
	wg.Wait()

	for _, identity := range results {
		require.NotNil(t, identity)
		assert.Equal(t, results[0].IdentityPublicKey, identity.IdentityPublicKey)
	}
	_, state := ids.current()
	assert.Equal(t, IdentityReady, state)

	// A second store over the same data loads rather than regenerates.
	reloaded, err := newIdentityStore(ns, s, quietLogger()).generateOrLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, results[0].IdentityPublicKey, reloaded.IdentityPublicKey)
	assert.Equal(t, results[0].IdentityPrivateKey, reloaded.IdentityPrivateKey)
}

func TestDeviceIdentity_BundleVerifies(t *testing.T) {
	identity, err := generateIdentity("alice", "a1")
	require.NoError(t, err)

	bundle := identity.Bundle()
	assert.Equal(t, "alice", bundle.UserID)
	assert.Equal(t, "a1", bundle.DeviceID)
	assert.NoError(t, bundle.Verify())

	bundle.SignedPreKeySignature = append([]byte(nil), bundle.SignedPreKeySignature...)
	bundle.SignedPreKeySignature[0] ^= 0xff
	assert.ErrorIs(t, bundle.Verify(), ErrInvalidBundle)
}

func TestClient_IdentityPersistsAcrossClients(t *testing.T) {
	srv := newFakeServer(t)
	s := store.NewMemory()

	first := srv.newClient(t, "alice", "a1", WithStore(s))
	id1, err := first.Identity(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := srv.newClient(t, "alice", "a1", WithStore(s))
	id2, err := second.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id1.IdentityPublicKey, id2.IdentityPublicKey)
	assert.Equal(t, IdentityReady, second.IdentityState())
}

func TestClient_RegisterUploadsOnce(t *testing.T) {
	srv := newFakeServer(t)
	c := srv.newClient(t, "alice", "a1")
	ctx := context.Background()

	registered, err := c.Registered()
	require.NoError(t, err)
	assert.False(t, registered)

	require.NoError(t, c.Register(ctx))
	require.NoError(t, c.Register(ctx))

	assert.Equal(t, 1, srv.uploads())
	assert.True(t, srv.hasBundle("alice", "a1"))
	registered, err = c.Registered()
	require.NoError(t, err)
	assert.True(t, registered)
}

func TestClient_RegisterFailureIsRetried(t *testing.T) {
	srv := newFakeServer(t)
	srv.failRegister = 1
	c := srv.newClient(t, "alice", "a1")
	ctx := context.Background()

	err := c.Register(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistryUnavailable)
	registered, err := c.Registered()
	require.NoError(t, err)
	assert.False(t, registered)

	require.NoError(t, c.Register(ctx))
	assert.True(t, srv.hasBundle("alice", "a1"))
}

type exhaustedReader struct{}

func (exhaustedReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestNew_IdentityGenerationFailure(t *testing.T) {
	restore := crypto.SetRandReaderForTesting(exhaustedReader{})
	defer restore()

	_, err := New(context.Background(), "alice", "a1",
		WithStore(store.NewMemory()),
		WithDeliveryStrategy(StrategyNone),
		WithOutboxRetryInterval(0),
		WithLogger(quietLogger()),
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKeyGeneration))

	var keyErr *KeyGenerationError
	require.True(t, errors.As(err, &keyErr))
	assert.Equal(t, "identity", keyErr.Key)
}

func TestRegister_ConcurrentCallersUploadOnce(t *testing.T) {
	srv := newFakeServer(t)
	c := srv.newClient(t, "alice", "a1")

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Register(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, srv.uploads())

	registered, err := c.Registered()
	require.NoError(t, err)
	assert.True(t, registered)
}
