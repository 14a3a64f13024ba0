package groupkeys

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/groupkeys/client-go/internal/crypto"
	"github.com/groupkeys/client-go/internal/store"
)

// SenderKeyRecord is one sending device's AES-256 key for (group, epoch).
type SenderKeyRecord struct {
	GroupID        string    `json:"groupId"`
	Epoch          uint64    `json:"epoch"`
	SenderUserID   string    `json:"senderUserId"`
	SenderDeviceID string    `json:"senderDeviceId"`
	Key            []byte    `json:"key"`
	CreatedAt      time.Time `json:"createdAt"`
}

type senderKeyID struct {
	groupID  string
	epoch    uint64
	userID   string
	deviceID string
}

func (r *SenderKeyRecord) id() senderKeyID {
	return senderKeyID{r.GroupID, r.Epoch, r.SenderUserID, r.SenderDeviceID}
}

// epochPointer is the persisted view of a group's active epoch.
type epochPointer struct {
	Epoch  uint64 `json:"epoch"`
	Reason string `json:"reason,omitempty"`
}

// keyState is the device's key material and epoch pointers. Reads consult
// the in-memory cache first and then the store. It is only touched from
// task queue closures.
type keyState struct {
	ns     store.Namespace
	store  store.Store
	keys   map[senderKeyID]*SenderKeyRecord
	epochs map[string]epochPointer
}

func newKeyState(ns store.Namespace, s store.Store) *keyState {
	return &keyState{
		ns:     ns,
		store:  s,
		keys:   make(map[senderKeyID]*SenderKeyRecord),
		epochs: make(map[string]epochPointer),
	}
}

// senderKey returns the record for id, or nil if none is held.
func (s *keyState) senderKey(id senderKeyID) (*SenderKeyRecord, error) {
	if rec, ok := s.keys[id]; ok {
		return rec, nil
	}

	data, err := s.store.Get(s.ns.SenderKey(id.groupID, id.epoch, id.userID, id.deviceID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sender key: %w", err)
	}

	var rec SenderKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode sender key: %w", err)
	}
	s.keys[id] = &rec
	return &rec, nil
}

// senderKeys returns every record held for (group, epoch), ordered by
// sender.
func (s *keyState) senderKeys(groupID string, epoch uint64) ([]*SenderKeyRecord, error) {
	items, err := s.store.List(s.ns.SenderKeyPrefix(groupID, epoch))
	if err != nil {
		return nil, fmt.Errorf("list sender keys: %w", err)
	}

	records := make([]*SenderKeyRecord, 0, len(items))
	for _, item := range items {
		var rec SenderKeyRecord
		if err := json.Unmarshal(item.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode sender key %s: %w", item.Key, err)
		}
		if rec.GroupID != groupID || rec.Epoch != epoch {
			continue
		}
		if cached, ok := s.keys[rec.id()]; ok {
			records = append(records, cached)
			continue
		}
		s.keys[rec.id()] = &rec
		records = append(records, &rec)
	}
	return records, nil
}

// putSenderKey caches and persists rec, overwriting any previous record.
func (s *keyState) putSenderKey(rec *SenderKeyRecord) error {
	if len(rec.Key) != crypto.AESKeySize {
		return fmt.Errorf("%w: sender key is %d bytes", crypto.ErrInvalidKeySize, len(rec.Key))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode sender key: %w", err) //coverage:ignore
	}
	if err := s.store.Set(s.ns.SenderKey(rec.GroupID, rec.Epoch, rec.SenderUserID, rec.SenderDeviceID), data); err != nil {
		return fmt.Errorf("persist sender key: %w", err)
	}
	s.keys[rec.id()] = rec
	return nil
}

// ownSenderKey returns this device's key for (group, epoch), generating and
// persisting it when create is set and none exists.
func (s *keyState) ownSenderKey(groupID string, epoch uint64, create bool) (rec *SenderKeyRecord, created bool, err error) {
	id := senderKeyID{groupID, epoch, s.ns.UserID, s.ns.DeviceID}
	rec, err = s.senderKey(id)
	if err != nil || rec != nil || !create {
		return rec, false, err
	}

	key, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, false, &KeyGenerationError{Key: "sender-key", Err: err}
	}
	rec = &SenderKeyRecord{
		GroupID:        groupID,
		Epoch:          epoch,
		SenderUserID:   s.ns.UserID,
		SenderDeviceID: s.ns.DeviceID,
		Key:            key,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.putSenderKey(rec); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// epoch returns the active epoch pointer of a group.
func (s *keyState) epoch(groupID string) (epochPointer, bool, error) {
	if p, ok := s.epochs[groupID]; ok {
		return p, true, nil
	}

	data, err := s.store.Get(s.ns.Epoch(groupID))
	if errors.Is(err, store.ErrNotFound) {
		return epochPointer{}, false, nil
	}
	if err != nil {
		return epochPointer{}, false, fmt.Errorf("load epoch: %w", err)
	}

	var p epochPointer
	if err := json.Unmarshal(data, &p); err != nil {
		return epochPointer{}, false, fmt.Errorf("decode epoch: %w", err)
	}
	s.epochs[groupID] = p
	return p, true, nil
}

// advance moves the group's epoch pointer to epoch if it is ahead of the
// current one, or sets it if the group has none. It reports whether the
// pointer moved.
func (s *keyState) advance(groupID string, epoch uint64, reason string) (bool, error) {
	cur, ok, err := s.epoch(groupID)
	if err != nil {
		return false, err
	}
	if ok && epoch <= cur.Epoch {
		return false, nil
	}

	p := epochPointer{Epoch: epoch, Reason: reason}
	data, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("encode epoch: %w", err) //coverage:ignore
	}
	if err := s.store.Set(s.ns.Epoch(groupID), data); err != nil {
		return false, fmt.Errorf("persist epoch: %w", err)
	}
	s.epochs[groupID] = p
	return true, nil
}

// groups lists every group with a persisted epoch pointer.
func (s *keyState) groups() ([]string, error) {
	items, err := s.store.List(s.ns.EpochPrefix())
	if err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	groups := make([]string, 0, len(items))
	for _, item := range items {
		groupID, err := s.ns.EpochGroup(item.Key)
		if err != nil {
			return nil, fmt.Errorf("decode epoch key %s: %w", item.Key, err)
		}
		groups = append(groups, groupID)
	}
	return groups, nil
}
