package groupkeys

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/groupkeys/client-go/internal/crypto"
	"github.com/groupkeys/client-go/internal/store"
)

// PendingMessage is a message buffered until its sender key arrives.
type PendingMessage struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"groupId"`
	Epoch      uint64    `json:"epoch"`
	Message    *Message  `json:"message"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ReplayedMessage is a pending message that became readable.
type ReplayedMessage struct {
	PendingMessage
	Text string
}

// pendingBuffer persists pending messages. It is only used from task queue
// closures.
type pendingBuffer struct {
	ns    store.Namespace
	store store.Store
}

// pendingID derives a stable ID from the message so that decrypting the
// same message again maps to the same buffer entry.
func pendingID(groupID string, msg *Message) string {
	var buf bytes.Buffer
	for _, field := range []string{groupID, strconv.FormatUint(msg.Epoch, 10), msg.SenderUserID, msg.SenderDeviceID, string(msg.IV), msg.Content} {
		buf.WriteString(strconv.Itoa(len(field)))
		buf.WriteByte(':')
		buf.WriteString(field)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, buf.Bytes()).String()
}

// get returns the message buffered under id, or nil.
func (b *pendingBuffer) get(groupID string, epoch uint64, id string) (*PendingMessage, error) {
	data, err := b.store.Get(b.ns.Pending(groupID, epoch, id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending message: %w", err)
	}
	var p PendingMessage
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode pending message: %w", err)
	}
	return &p, nil
}

// add stores p unless a message with the same ID is already buffered, in
// which case the earlier entry is kept.
func (b *pendingBuffer) add(p *PendingMessage) error {
	existing, err := b.get(p.GroupID, p.Epoch, p.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending message: %w", err) //coverage:ignore
	}
	if err := b.store.Set(b.ns.Pending(p.GroupID, p.Epoch, p.ID), data); err != nil {
		return fmt.Errorf("persist pending message: %w", err)
	}
	return nil
}

func (b *pendingBuffer) list(groupID string, epoch uint64) ([]*PendingMessage, error) {
	items, err := b.store.List(b.ns.PendingPrefix(groupID, epoch))
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	messages := make([]*PendingMessage, 0, len(items))
	for _, item := range items {
		var p PendingMessage
		if err := json.Unmarshal(item.Value, &p); err != nil {
			return nil, fmt.Errorf("decode pending message %s: %w", item.Key, err)
		}
		if p.GroupID != groupID || p.Epoch != epoch {
			continue
		}
		messages = append(messages, &p)
	}
	return messages, nil
}

func (b *pendingBuffer) remove(p *PendingMessage) error {
	err := b.store.Delete(b.ns.Pending(p.GroupID, p.Epoch, p.ID))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete pending message: %w", err)
	}
	return nil
}

// buffer records msg as pending and returns the pending result.
func (c *Client) buffer(ctx context.Context, groupID string, msg *Message) *DecryptResult {
	p := &PendingMessage{
		ID:         pendingID(groupID, msg),
		GroupID:    groupID,
		Epoch:      msg.Epoch,
		Message:    msg,
		ReceivedAt: time.Now().UTC(),
	}

	log := c.log.WithFields(logrus.Fields{
		"function": "Client.buffer",
		"group_id": groupID,
		"epoch":    msg.Epoch,
	})

	if err := c.queue.submit(ctx, func() error { return c.pending.add(p) }); err != nil {
		log.WithField("error", err.Error()).Warn("Could not buffer message")
	} else {
		log.WithField("pending_id", p.ID).Debug("Buffered message until its key arrives")
	}

	return &DecryptResult{
		Status:    StatusPending,
		Text:      c.pendingPlaceholder,
		PendingID: p.ID,
		Err:       fmt.Errorf("%w: %s@%d", ErrKeyUnavailable, groupID, msg.Epoch),
	}
}

// PendingMessages lists the messages buffered for (group, epoch).
func (c *Client) PendingMessages(ctx context.Context, groupID string, epoch uint64) ([]*PendingMessage, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	var messages []*PendingMessage
	err := c.queue.submit(ctx, func() error {
		var err error
		messages, err = c.pending.list(groupID, epoch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// replayLocked re-decrypts every message pending for (group, epoch) with the
// keys now held. Readable messages leave the buffer and are returned.
// Messages naming a sender whose key fails them are dropped as
// undecryptable. Must run on the task queue.
func (c *Client) replayLocked(groupID string, epoch uint64) ([]*ReplayedMessage, error) {
	pending, err := c.pending.list(groupID, epoch)
	if err != nil || len(pending) == 0 {
		return nil, err
	}

	var replayed []*ReplayedMessage
	for _, p := range pending {
		records, err := c.keys.candidates(groupID, p.Message)
		if err != nil {
			return replayed, err
		}
		if len(records) == 0 {
			continue
		}

		ciphertext, err := crypto.FromBase64(p.Message.Content)
		if err == nil {
			var text string
			text, err = openMessage(records, groupID, p.Message, ciphertext)
			if err == nil {
				if err := c.pending.remove(p); err != nil {
					return replayed, err
				}
				replayed = append(replayed, &ReplayedMessage{PendingMessage: *p, Text: text})
				continue
			}
		}

		if p.Message.SenderDeviceID != "" {
			c.log.WithFields(logrus.Fields{
				"function":   "Client.replayLocked",
				"group_id":   groupID,
				"epoch":      epoch,
				"pending_id": p.ID,
				"error":      err.Error(),
			}).Warn("Dropping pending message that failed decryption")
			if err := c.pending.remove(p); err != nil {
				return replayed, err
			}
		}
	}
	return replayed, nil
}
