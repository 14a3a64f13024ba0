package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"badger": func(t *testing.T) Store {
			logger := logrus.New()
			logger.SetLevel(logrus.WarnLevel)
			s, err := OpenBadger(BadgerConfig{Path: t.TempDir(), Logger: logger})
			require.NoError(t, err)
			return s
		},
		"badger-in-memory": func(t *testing.T) Store {
			s, err := OpenBadger(BadgerConfig{InMemory: true})
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			_, err := s.Get("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set("a", []byte("one")))
			got, err := s.Get("a")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), got)

			require.NoError(t, s.Set("a", []byte("two")))
			got, err = s.Get("a")
			require.NoError(t, err)
			assert.Equal(t, []byte("two"), got, "last writer wins")

			require.NoError(t, s.Delete("a"))
			_, err = s.Get("a")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, s.Delete("a"), "deleting a missing key")
		})
	}
}

func TestStore_ListPrefix(t *testing.T) {
	ns := Namespace{UserID: "alice", DeviceID: "phone"}

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			require.NoError(t, s.Set(ns.SenderKey("g1", 1, "bob", "d2"), []byte("k2")))
			require.NoError(t, s.Set(ns.SenderKey("g1", 1, "bob", "d1"), []byte("k1")))
			require.NoError(t, s.Set(ns.SenderKey("g1", 10, "bob", "d1"), []byte("k10")))
			require.NoError(t, s.Set(ns.SenderKey("g2", 1, "bob", "d1"), []byte("other")))

			items, err := s.List(ns.SenderKeyPrefix("g1", 1))
			require.NoError(t, err)
			require.Len(t, items, 2, "epoch 1 prefix must not match epoch 10")
			assert.Equal(t, ns.SenderKey("g1", 1, "bob", "d1"), items[0].Key)
			assert.Equal(t, []byte("k1"), items[0].Value)
			assert.Equal(t, []byte("k2"), items[1].Value)

			items, err = s.List(ns.PendingPrefix("g1", 1))
			require.NoError(t, err)
			assert.Empty(t, items)
		})
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := NewMemory()
	value := []byte("secret")
	require.NoError(t, s.Set("k", value))
	value[0] = 'X'

	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)

	got[0] = 'Y'
	again, _ := s.Get("k")
	assert.Equal(t, []byte("secret"), again)
}

func TestMemory_Closed(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())

	_, err := s.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set("k", nil), ErrClosed)
	assert.ErrorIs(t, s.Delete("k"), ErrClosed)
	_, err = s.List("")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBadger_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ns := Namespace{UserID: "alice", DeviceID: "laptop"}

	s, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Set(ns.Identity(), []byte(`{"deviceId":"laptop"}`)))
	require.NoError(t, s.Close())

	s, err = OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ns.Identity())
	require.NoError(t, err)
	assert.JSONEq(t, `{"deviceId":"laptop"}`, string(got))
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	s := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k/%d", i)
			_ = s.Set(key, []byte{byte(i)})
			_, _ = s.Get(key)
			_, _ = s.List("k/")
		}(i)
	}
	wg.Wait()

	items, err := s.List("k/")
	require.NoError(t, err)
	assert.Len(t, items, 50)
}

func TestNamespace_Keys(t *testing.T) {
	ns := Namespace{UserID: "u", DeviceID: "d"}

	assert.Equal(t, "groupkeys/u/d/identity", ns.Identity())
	assert.Equal(t, "groupkeys/u/d/epoch/g", ns.Epoch("g"))
	assert.Equal(t, "groupkeys/u/d/epoch/", ns.EpochPrefix())
	assert.Equal(t, "groupkeys/u/d/senderkey/g/3/v/w", ns.SenderKey("g", 3, "v", "w"))
	assert.Equal(t, "groupkeys/u/d/pending/g/3/id", ns.Pending("g", 3, "id"))
	assert.Equal(t, "groupkeys/u/d/outbox/x", ns.Outbox("x"))
	assert.Equal(t, "groupkeys/u/d/outbox/", ns.OutboxPrefix())
}

func TestNamespace_EscapesSegments(t *testing.T) {
	ns := Namespace{UserID: "u/x", DeviceID: "d"}

	assert.Equal(t, "groupkeys/u%2Fx/d/epoch/G%2F0", ns.Epoch("G/0"))
	assert.Equal(t, "groupkeys/u%2Fx/d/pending/G%2F0/0/", ns.PendingPrefix("G/0", 0))

	group, err := ns.EpochGroup(ns.Epoch("G/0"))
	require.NoError(t, err)
	assert.Equal(t, "G/0", group)
}

func TestNamespace_PrefixesDoNotOverlap(t *testing.T) {
	ns := Namespace{UserID: "u", DeviceID: "d"}

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			require.NoError(t, s.Set(ns.Pending("G", 0, "a"), []byte("outer")))
			require.NoError(t, s.Set(ns.Pending("G/0", 0, "b"), []byte("nested")))
			require.NoError(t, s.Set(ns.SenderKey("G", 0, "alice", "a1"), []byte("outer")))
			require.NoError(t, s.Set(ns.SenderKey("G/0", 0, "alice", "a1"), []byte("nested")))

			items, err := s.List(ns.PendingPrefix("G", 0))
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, "outer", string(items[0].Value))

			items, err = s.List(ns.SenderKeyPrefix("G", 0))
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, "outer", string(items[0].Value))
		})
	}
}
