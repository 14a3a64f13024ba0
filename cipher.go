package groupkeys

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/groupkeys/client-go/internal/crypto"
)

// Message is the wire form of a group message.
//
// When Encrypted is false, Content is plaintext: the sender had no usable
// key and fell back to cleartext. Callers must surface this rather than
// treat it as an encrypted message. Otherwise Content is the base64
// AES-256-GCM ciphertext under the sender's key for Epoch.
type Message struct {
	Encrypted      bool   `json:"encrypted"`
	Content        string `json:"content"`
	IV             []byte `json:"iv,omitempty"`
	Epoch          uint64 `json:"epoch"`
	SenderUserID   string `json:"senderUserId,omitempty"`
	SenderDeviceID string `json:"senderDeviceId,omitempty"`
}

// DecryptStatus is the outcome of Decrypt.
type DecryptStatus int

const (
	// StatusPlaintext means the message was sent in cleartext.
	StatusPlaintext DecryptStatus = iota
	// StatusDecrypted means the message was decrypted.
	StatusDecrypted
	// StatusPending means the key has not arrived. The message was buffered
	// and will be replayed to subscribers when it does.
	StatusPending
	// StatusFailed means authenticated decryption failed.
	StatusFailed
)

func (s DecryptStatus) String() string {
	switch s {
	case StatusPlaintext:
		return "plaintext"
	case StatusDecrypted:
		return "decrypted"
	case StatusPending:
		return "pending"
	default:
		return "failed"
	}
}

// DecryptResult is returned by Decrypt. Text is the message text or, for
// StatusPending and StatusFailed, the configured placeholder.
type DecryptResult struct {
	Status    DecryptStatus
	Text      string
	PendingID string // set for StatusPending
	Err       error  // wraps ErrKeyUnavailable or ErrDecryptFailure
}

// Readable reports whether Text is the message content.
func (r *DecryptResult) Readable() bool {
	return r.Status == StatusPlaintext || r.Status == StatusDecrypted
}

// Encrypt encrypts plaintext for the group under this device's key for the
// current epoch, creating and distributing that key on first use.
//
// If the group has no epoch or the key cannot be generated, Encrypt returns
// a message with Encrypted set to false carrying the plaintext.
func (c *Client) Encrypt(ctx context.Context, groupID, plaintext string) (*Message, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	epoch, err := c.GetEpoch(ctx, groupID)
	if err != nil {
		return nil, err
	}

	log := c.log.WithFields(logrus.Fields{
		"function": "Client.Encrypt",
		"group_id": groupID,
	})

	if epoch.State != EpochActive {
		log.Warn("Group has no epoch, sending cleartext")
		return &Message{Encrypted: false, Content: plaintext}, nil
	}
	log = log.WithField("epoch", epoch.Epoch)

	var (
		rec     *SenderKeyRecord
		created bool
	)
	err = c.queue.submit(ctx, func() error {
		var err error
		rec, created, err = c.keys.ownSenderKey(groupID, epoch.Epoch, true)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrKeyGeneration) {
			log.WithField("error", err.Error()).Warn("Sender key generation failed, sending cleartext")
			return &Message{Encrypted: false, Content: plaintext, Epoch: epoch.Epoch}, nil
		}
		return nil, err
	}

	if created {
		if _, err := c.Distribute(ctx, groupID, epoch.Epoch); err != nil {
			log.WithField("error", err.Error()).Warn("Distribution of new sender key failed")
		}
	}

	iv, ciphertext, err := crypto.Seal(rec.Key, []byte(plaintext), crypto.MessageAAD(groupID, epoch.Epoch))
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}

	return &Message{
		Encrypted:      true,
		Content:        crypto.ToBase64(ciphertext),
		IV:             iv,
		Epoch:          epoch.Epoch,
		SenderUserID:   c.userID,
		SenderDeviceID: c.deviceID,
	}, nil
}

// Decrypt decrypts a group message. It never fails: a message whose key is
// missing is buffered and answered with the pending placeholder, and a
// message that fails authentication is answered with the undecryptable
// placeholder.
//
// Keys are looked up in memory, then in the store, then fetched from the
// server.
func (c *Client) Decrypt(ctx context.Context, groupID string, msg *Message) *DecryptResult {
	if msg == nil {
		return c.failed(&DecryptError{GroupID: groupID, Stage: "decode", Err: errors.New("nil message")})
	}
	if !msg.Encrypted {
		return &DecryptResult{Status: StatusPlaintext, Text: msg.Content}
	}
	if err := c.checkClosed(); err != nil {
		return c.failed(err)
	}

	ciphertext, err := crypto.FromBase64(msg.Content)
	if err != nil {
		return c.failed(&DecryptError{GroupID: groupID, Epoch: msg.Epoch, Stage: "decode", Err: err})
	}
	if len(msg.IV) != crypto.AESNonceSize {
		return c.failed(&DecryptError{GroupID: groupID, Epoch: msg.Epoch, Stage: "decode", Err: crypto.ErrInvalidNonceSize})
	}

	records, err := c.heldKeys(ctx, groupID, msg)
	if err != nil {
		return c.failed(err)
	}
	if len(records) == 0 {
		if _, err := c.fetchSenderKeys(ctx, groupID, msg.Epoch); err != nil && !errors.Is(err, ErrKeyUnavailable) {
			c.log.WithFields(logrus.Fields{
				"function": "Client.Decrypt",
				"group_id": groupID,
				"epoch":    msg.Epoch,
				"error":    err.Error(),
			}).Warn("Fetching sender keys failed")
		}
		if records, err = c.heldKeys(ctx, groupID, msg); err != nil {
			return c.failed(err)
		}
	}

	if len(records) == 0 {
		return c.buffer(ctx, groupID, msg)
	}

	text, err := openMessage(records, groupID, msg, ciphertext)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "Client.Decrypt",
			"group_id": groupID,
			"epoch":    msg.Epoch,
			"error":    err.Error(),
		}).Warn("Message failed authentication")
		return c.failed(err)
	}
	return &DecryptResult{Status: StatusDecrypted, Text: text}
}

func (c *Client) failed(err error) *DecryptResult {
	return &DecryptResult{Status: StatusFailed, Text: c.undecryptablePlaceholder, Err: err}
}

// heldKeys returns the keys that may open msg: the sender's key when the
// sender is named, else every key held for (group, epoch).
func (c *Client) heldKeys(ctx context.Context, groupID string, msg *Message) ([]*SenderKeyRecord, error) {
	var records []*SenderKeyRecord
	err := c.queue.submit(ctx, func() error {
		var err error
		records, err = c.keys.candidates(groupID, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *keyState) candidates(groupID string, msg *Message) ([]*SenderKeyRecord, error) {
	if msg.SenderUserID != "" && msg.SenderDeviceID != "" {
		rec, err := s.senderKey(senderKeyID{groupID, msg.Epoch, msg.SenderUserID, msg.SenderDeviceID})
		if err != nil || rec == nil {
			return nil, err
		}
		return []*SenderKeyRecord{rec}, nil
	}
	return s.senderKeys(groupID, msg.Epoch)
}

// openMessage tries each record in turn.
func openMessage(records []*SenderKeyRecord, groupID string, msg *Message, ciphertext []byte) (string, error) {
	aad := crypto.MessageAAD(groupID, msg.Epoch)
	var lastErr error
	for _, rec := range records {
		plaintext, err := crypto.DecryptAESGCM(rec.Key, msg.IV, aad, ciphertext)
		if err == nil {
			return string(plaintext), nil
		}
		lastErr = err
	}
	return "", &DecryptError{GroupID: groupID, Epoch: msg.Epoch, Stage: "aes", Err: lastErr}
}
