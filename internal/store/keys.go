package store

import (
	"net/url"
	"strconv"
	"strings"
)

const root = "groupkeys"

// Namespace builds the keys used by one (user, device).
type Namespace struct {
	UserID   string
	DeviceID string
}

// join escapes every segment so IDs containing "/" cannot collide with,
// or fall under the prefix of, another ID's keys.
func (n Namespace) join(parts ...string) string {
	segments := make([]string, 0, len(parts)+3)
	segments = append(segments, root, url.PathEscape(n.UserID), url.PathEscape(n.DeviceID))
	for _, p := range parts {
		segments = append(segments, url.PathEscape(p))
	}
	return strings.Join(segments, "/")
}

// Identity is the key of the device identity record.
func (n Namespace) Identity() string { return n.join("identity") }

// Registered is the key of the registration marker.
func (n Namespace) Registered() string { return n.join("registered") }

// Epoch is the key of the persisted epoch pointer for a group.
func (n Namespace) Epoch(groupID string) string { return n.join("epoch", groupID) }

// EpochPrefix selects every persisted epoch pointer.
func (n Namespace) EpochPrefix() string { return n.join("epoch") + "/" }

// EpochGroup recovers the group ID from a key listed under EpochPrefix.
func (n Namespace) EpochGroup(key string) (string, error) {
	return url.PathUnescape(strings.TrimPrefix(key, n.EpochPrefix()))
}

// SenderKey is the key of one sender key record.
func (n Namespace) SenderKey(groupID string, epoch uint64, senderUserID, senderDeviceID string) string {
	return n.join("senderkey", groupID, strconv.FormatUint(epoch, 10), senderUserID, senderDeviceID)
}

// SenderKeyPrefix selects every sender key held for (group, epoch).
func (n Namespace) SenderKeyPrefix(groupID string, epoch uint64) string {
	return n.join("senderkey", groupID, strconv.FormatUint(epoch, 10)) + "/"
}

// Pending is the key of one buffered message.
func (n Namespace) Pending(groupID string, epoch uint64, id string) string {
	return n.join("pending", groupID, strconv.FormatUint(epoch, 10), id)
}

// PendingPrefix selects every message buffered for (group, epoch).
func (n Namespace) PendingPrefix(groupID string, epoch uint64) string {
	return n.join("pending", groupID, strconv.FormatUint(epoch, 10)) + "/"
}

// Outbox is the key of one outbox entry.
func (n Namespace) Outbox(id string) string { return n.join("outbox", id) }

// OutboxPrefix selects every outbox entry.
func (n Namespace) OutboxPrefix() string { return n.join("outbox") + "/" }
