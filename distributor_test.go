package groupkeys

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupkeys/client-go/internal/api"
	"github.com/groupkeys/client-go/internal/store"
)

// unlistedRegistry fails ListDevices for one user.
type unlistedRegistry struct {
	Registry
	user string
}

func (r *unlistedRegistry) ListDevices(ctx context.Context, userID string) ([]string, error) {
	if userID == r.user {
		return nil, &APIError{StatusCode: 503, Message: "directory down"}
	}
	return r.Registry.ListDevices(ctx, userID)
}

func TestDistribute_PartialFailureStaysInOutbox(t *testing.T) {
	srv := newFakeServer(t)
	ctx := context.Background()
	alice := srv.newDevice(t, "alice", "a1")
	b1 := srv.newDevice(t, "bob", "b1")
	b2 := srv.newDevice(t, "bob", "b2")
	carol := srv.newDevice(t, "carol", "c1")
	srv.setMembers("G", "alice", "bob", "carol")

	_, err := alice.InitGroup(ctx, "G")
	require.NoError(t, err)

	srv.mu.Lock()
	srv.failBundle["carol/c1"] = 1
	srv.mu.Unlock()

	report, err := alice.Distribute(ctx, "G", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Recipients)
	assert.Equal(t, 2, report.Wrapped)
	assert.Equal(t, 2, report.Uploaded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.ErrorIs(t, report.Errors[0], ErrWrapFailure)
	assert.ErrorIs(t, report.Errors[0], ErrRegistryUnavailable)

	var wrapErr *WrapError
	require.True(t, errors.As(report.Errors[0], &wrapErr))
	assert.Equal(t, "carol", wrapErr.RecipientUserID)
	assert.Equal(t, "c1", wrapErr.RecipientDeviceID)
	assert.Equal(t, "bundle", wrapErr.Stage)

	for _, c := range []*Client{b1, b2} {
		n, err := c.FetchQueued(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n, c.DeviceID())
	}

	size, err := alice.OutboxSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	delivered, err := alice.FlushOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	size, err = alice.OutboxSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)

	n, err := carol.FetchQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDistribute_BackgroundRetryAfterUploadFailure(t *testing.T) {
	srv := newFakeServer(t)
	ctx := context.Background()
	alice := srv.newDevice(t, "alice", "a1",
		WithOutboxRetryInterval(10*time.Millisecond),
		WithOutboxBackoff(time.Millisecond, 5*time.Millisecond),
	)
	bob := srv.newDevice(t, "bob", "b1")
	srv.setMembers("G", "alice", "bob")

	_, err := alice.InitGroup(ctx, "G")
	require.NoError(t, err)

	srv.mu.Lock()
	srv.failUpload = 1
	srv.mu.Unlock()

	report, err := alice.Distribute(ctx, "G", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Wrapped)
	assert.Equal(t, 0, report.Uploaded)
	assert.Equal(t, 1, report.Failed)

	require.Eventually(t, func() bool {
		size, err := alice.OutboxSize(ctx)
		return err == nil && size == 0
	}, 2*time.Second, 10*time.Millisecond)

	n, err := bob.FetchQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDistribute_IncludesOwnOtherDevices(t *testing.T) {
	srv := newFakeServer(t)
	ctx := context.Background()
	laptop := srv.newDevice(t, "alice", "a1")
	phone := srv.newDevice(t, "alice", "a2")
	srv.setMembers("G", "alice")

	_, err := laptop.InitGroup(ctx, "G")
	require.NoError(t, err)
	report, err := laptop.Distribute(ctx, "G", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recipients)

	_, err = phone.FetchQueued(ctx)
	require.NoError(t, err)

	msg, err := laptop.Encrypt(ctx, "G", "synced")
	require.NoError(t, err)
	assert.Equal(t, "synced", phone.Decrypt(ctx, "G", msg).Text)
}

func TestDistribute_UnlistableMemberIsReported(t *testing.T) {
	srv := newFakeServer(t)
	ctx := context.Background()
	alice := srv.newDevice(t, "alice", "a1")
	srv.newDevice(t, "bob", "b1")
	srv.newDevice(t, "carol", "c1")
	srv.setMembers("G", "alice", "bob", "carol")
	alice.registry = &unlistedRegistry{Registry: alice.registry, user: "carol"}

	_, err := alice.InitGroup(ctx, "G")
	require.NoError(t, err)

	report, err := alice.Distribute(ctx, "G", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recipients)
	assert.Equal(t, 1, report.Uploaded)
	assert.Equal(t, 1, report.Failed)

	var wrapErr *WrapError
	require.True(t, errors.As(report.Errors[0], &wrapErr))
	assert.Equal(t, "devices", wrapErr.Stage)
	assert.Equal(t, "carol", wrapErr.RecipientUserID)
}

func TestDistribute_UnknownGroup(t *testing.T) {
	srv := newFakeServer(t)
	ctx := context.Background()
	alice := srv.newDevice(t, "alice", "a1")

	_, err := alice.InitGroup(ctx, "G")
	require.NoError(t, err)

	// No membership registered for G.
	_, err = alice.Distribute(ctx, "G", 0)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestHandleEvent_DeviceRegisteredSendsCurrentKey(t *testing.T) {
	srv := newFakeServer(t)
	ctx := context.Background()
	alice := srv.newDevice(t, "alice", "a1")
	srv.newDevice(t, "bob", "b1")
	srv.setMembers("G", "alice", "bob")

	_, err := alice.InitGroup(ctx, "G")
	require.NoError(t, err)
	_, err = alice.Distribute(ctx, "G", 0)
	require.NoError(t, err)

	b2 := srv.newDevice(t, "bob", "b2")
	dave := srv.newDevice(t, "dave", "d1")

	require.NoError(t, alice.HandleEvent(ctx, &Event{Type: EventDeviceRegistered, UserID: "bob", DeviceID: "b2"}))
	require.NoError(t, alice.HandleEvent(ctx, &Event{Type: EventDeviceRegistered, UserID: "dave", DeviceID: "d1"}))

	n, err := b2.FetchQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = dave.FetchQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "non-members receive nothing")
}

func TestOutbox_DedupesAndBacksOff(t *testing.T) {
	ob := newOutbox(store.Namespace{UserID: "alice", DeviceID: "a1"}, store.NewMemory(), &api.RetryConfig{
		MaxRetries: -1,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
	})

	target := func() *outboxEntry {
		return &outboxEntry{GroupID: "G", Epoch: 1, RecipientUserID: "bob", RecipientDeviceID: "b1"}
	}

	first, err := ob.add([]*outboxEntry{target()})
	require.NoError(t, err)
	second, err := ob.add([]*outboxEntry{target()})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)

	entries, err := ob.list()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	now := time.Now()
	require.NoError(t, ob.fail(entries[0], errors.New("boom"), now))
	entries, err = ob.list()
	require.NoError(t, err)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "boom", entries[0].LastError)
	assert.True(t, entries[0].NextAttempt.After(now))

	require.NoError(t, ob.remove([]string{entries[0].ID, "missing"}))
	entries, err = ob.list()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
