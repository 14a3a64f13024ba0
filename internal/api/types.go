package api

import (
	"time"

	"github.com/groupkeys/client-go/internal/crypto"
)

// Event types pushed by the server.
const (
	EventDeviceRegistered   = "device-registered"
	EventSenderKeyAvailable = "sender-key-available"
	EventEpochAdvanced      = "epoch-advanced"
	EventQueuedUpdates      = "queued-updates"
)

// DeviceBundle is the public key bundle a device publishes. Byte fields are
// carried as standard base64 strings.
type DeviceBundle struct {
	UserID                string `json:"userId"`
	DeviceID              string `json:"deviceId"`
	IdentityPublicKey     []byte `json:"identityPublicKey"`
	SignedPreKey          []byte `json:"signedPreKey"`
	SignedPreKeySignature []byte `json:"signedPreKeySignature"`
}

// DeviceList is the GET /api/users/{user}/devices response.
type DeviceList struct {
	UserID  string   `json:"userId"`
	Devices []string `json:"devices"`
}

// GroupMembers is the GET /api/groups/{group}/members response.
type GroupMembers struct {
	GroupID string   `json:"groupId"`
	Members []string `json:"members"`
}

// EpochState is returned by the epoch endpoints.
type EpochState struct {
	GroupID string `json:"groupId"`
	Epoch   uint64 `json:"epoch"`
	Reason  string `json:"reason,omitempty"`
}

// AdvanceEpochRequest is the POST /api/groups/{group}/epoch/advance body.
type AdvanceEpochRequest struct {
	Reason       string `json:"reason"`
	CurrentEpoch uint64 `json:"currentEpoch"`
}

// AddressedEnvelope is a wrapped sender key for one recipient device.
type AddressedEnvelope struct {
	RecipientUserID   string           `json:"recipientUserId"`
	RecipientDeviceID string           `json:"recipientDeviceId"`
	Envelope          *crypto.Envelope `json:"envelope"`
}

// UploadSenderKeysRequest is a batch of envelopes tagged with the sending
// device for one (group, epoch).
type UploadSenderKeysRequest struct {
	SenderUserID   string              `json:"senderUserId"`
	SenderDeviceID string              `json:"senderDeviceId"`
	Envelopes      []AddressedEnvelope `json:"envelopes"`
}

// UploadSenderKeysResponse reports how many envelopes the server stored.
type UploadSenderKeysResponse struct {
	Stored int `json:"stored"`
}

// KeyUpdate is a wrapped sender key addressed to this device, delivered
// through the queue, the envelope fetch endpoint or a push event.
type KeyUpdate struct {
	ID                string           `json:"id"`
	GroupID           string           `json:"groupId"`
	Epoch             uint64           `json:"epoch"`
	SenderUserID      string           `json:"senderUserId"`
	SenderDeviceID    string           `json:"senderDeviceId"`
	RecipientUserID   string           `json:"recipientUserId,omitempty"`
	RecipientDeviceID string           `json:"recipientDeviceId,omitempty"`
	Envelope          *crypto.Envelope `json:"envelope"`
	CreatedAt         time.Time        `json:"createdAt,omitempty"`
}

// KeyUpdateList wraps the envelope fetch and queue responses.
type KeyUpdateList struct {
	Updates []KeyUpdate `json:"updates"`
}

// AckRequest acknowledges processed queue entries.
type AckRequest struct {
	IDs []string `json:"ids"`
}

// SafetyNumberRequest is the POST /api/safety-number body.
type SafetyNumberRequest struct {
	KeyA []byte `json:"keyA"`
	KeyB []byte `json:"keyB"`
}

// SafetyNumberResponse carries the canonical fingerprint.
type SafetyNumberResponse struct {
	SafetyNumber string `json:"safetyNumber"`
}

// Event is a realtime event payload. Fields not relevant to Type are empty.
type Event struct {
	Type       string      `json:"type"`
	GroupID    string      `json:"groupId,omitempty"`
	Epoch      uint64      `json:"epoch,omitempty"`
	UserID     string      `json:"userId,omitempty"`
	DeviceID   string      `json:"deviceId,omitempty"`
	KeyUpdates []KeyUpdate `json:"keyUpdates,omitempty"`
}
