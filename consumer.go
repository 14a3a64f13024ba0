package groupkeys

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/groupkeys/client-go/internal/api"
	"github.com/groupkeys/client-go/internal/crypto"
)

// Event is a realtime event addressed to this device.
type Event = api.Event

// KeyUpdate is a wrapped sender key addressed to this device.
type KeyUpdate = api.KeyUpdate

// Event types handled by HandleEvent.
const (
	EventDeviceRegistered   = api.EventDeviceRegistered
	EventSenderKeyAvailable = api.EventSenderKeyAvailable
	EventEpochAdvanced      = api.EventEpochAdvanced
	EventQueuedUpdates      = api.EventQueuedUpdates
)

// eventTimeout bounds the work done for one pushed event.
const eventTimeout = 30 * time.Second

// FetchQueued drains this device's key update queue: every update is
// unwrapped with the identity key and stored in ascending epoch order,
// pending messages for each new key are replayed, and the processed
// updates are acknowledged. It returns the number of keys stored.
func (c *Client) FetchQueued(ctx context.Context) (int, error) {
	if err := c.checkClosed(); err != nil {
		return 0, err
	}

	updates, err := c.api.FetchQueue(ctx, c.deviceID)
	if err != nil {
		return 0, fmt.Errorf("fetch key queue: %w", wrapError(err))
	}
	return c.consume(ctx, updates, true)
}

// HandleEvent applies one realtime event. Delivery strategies call it for
// every pushed or polled event; it is exported for callers that bring
// their own transport.
func (c *Client) HandleEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	if err := c.checkClosed(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	switch event.Type {
	case EventDeviceRegistered:
		if event.UserID == c.userID && event.DeviceID == c.deviceID {
			_, err := c.FetchQueued(ctx)
			return err
		}
		if event.UserID == "" || event.DeviceID == "" {
			return nil
		}
		return c.distributeToDevice(ctx, event.UserID, event.DeviceID)

	case EventSenderKeyAvailable:
		_, err := c.fetchSenderKeys(ctx, event.GroupID, event.Epoch)
		return err

	case EventEpochAdvanced:
		return c.applyRemoteEpoch(ctx, event.GroupID, event.Epoch, "")

	case EventQueuedUpdates:
		_, err := c.consume(ctx, event.KeyUpdates, true)
		return err

	default:
		c.log.WithFields(logrus.Fields{
			"function":   "Client.HandleEvent",
			"event_type": event.Type,
		}).Debug("Ignoring unknown event")
		return nil
	}
}

// fetchSenderKeys fetches the envelopes addressed to this device for
// (group, epoch) and stores the keys they carry.
func (c *Client) fetchSenderKeys(ctx context.Context, groupID string, epoch uint64) (int, error) {
	updates, err := c.api.FetchSenderKeys(ctx, groupID, epoch, c.deviceID)
	if err != nil {
		return 0, fmt.Errorf("fetch sender keys for %s@%d: %w", groupID, epoch, wrapError(err))
	}
	for i := range updates {
		if updates[i].GroupID == "" {
			updates[i].GroupID = groupID
			updates[i].Epoch = epoch
		}
	}
	return c.consume(ctx, updates, false)
}

// consume unwraps updates, stores the keys and replays pending messages.
// With ack set, processed queue entries are acknowledged. Updates that fail
// to unwrap are logged and left in the queue.
func (c *Client) consume(ctx context.Context, updates []KeyUpdate, ack bool) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	identity, err := c.identity.generateOrLoad(ctx)
	if err != nil {
		return 0, err
	}

	ordered := make([]KeyUpdate, len(updates))
	copy(ordered, updates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Epoch < ordered[j].Epoch
	})

	var (
		records   []*SenderKeyRecord
		processed []string
	)
	for _, u := range ordered {
		log := c.log.WithFields(logrus.Fields{
			"function":  "Client.consume",
			"update_id": u.ID,
			"group_id":  u.GroupID,
			"epoch":     u.Epoch,
		})

		if u.RecipientDeviceID != "" && u.RecipientDeviceID != c.deviceID {
			log.WithField("device_id", u.RecipientDeviceID).Warn("Ignoring update addressed to another device")
			processed = appendID(processed, u.ID)
			continue
		}

		key, err := crypto.UnwrapKey(identity.IdentityPrivateKey, u.Envelope)
		if err != nil {
			err = &DecryptError{GroupID: u.GroupID, Epoch: u.Epoch, Stage: "unwrap", Err: err}
			log.WithField("error", err.Error()).Warn("Could not unwrap key update")
			continue
		}

		records = append(records, &SenderKeyRecord{
			GroupID:        u.GroupID,
			Epoch:          u.Epoch,
			SenderUserID:   u.SenderUserID,
			SenderDeviceID: u.SenderDeviceID,
			Key:            key,
			CreatedAt:      time.Now().UTC(),
		})
		processed = appendID(processed, u.ID)
	}

	var replayed []*ReplayedMessage
	err = c.queue.submit(ctx, func() error {
		type pair struct {
			groupID string
			epoch   uint64
		}
		var touched []pair
		seen := make(map[pair]bool)
		for _, rec := range records {
			if err := c.keys.putSenderKey(rec); err != nil {
				return err
			}
			p := pair{rec.GroupID, rec.Epoch}
			if !seen[p] {
				seen[p] = true
				touched = append(touched, p)
			}
		}
		for _, p := range touched {
			out, err := c.replayLocked(p.groupID, p.epoch)
			replayed = append(replayed, out...)
			if err != nil {
				return err
			}
		}
		return nil
	})

	for _, m := range replayed {
		c.subs.notify(m.GroupID, m)
	}
	if err != nil {
		return 0, err
	}

	if len(records) > 0 {
		c.log.WithFields(logrus.Fields{
			"function": "Client.consume",
			"stored":   len(records),
			"replayed": len(replayed),
		}).Info("Stored sender keys")
	}

	if ack && len(processed) > 0 {
		if err := c.api.AckQueue(ctx, c.deviceID, processed); err != nil {
			return len(records), fmt.Errorf("acknowledge key queue: %w", wrapError(err))
		}
	}
	return len(records), nil
}

func appendID(ids []string, id string) []string {
	if id == "" {
		return ids
	}
	return append(ids, id)
}

// sync runs after every (re)connection: register if needed, drain the
// queue filled while offline, and retry due outbox entries.
func (c *Client) sync(ctx context.Context) {
	log := c.log.WithFields(logrus.Fields{
		"function":  "Client.sync",
		"device_id": c.deviceID,
	})

	if err := c.Register(ctx); err != nil {
		log.WithField("error", err.Error()).Warn("Registration on connect failed")
	}
	if n, err := c.FetchQueued(ctx); err != nil {
		log.WithField("error", err.Error()).Warn("Draining key queue failed")
	} else if n > 0 {
		log.WithField("stored", n).Info("Caught up on queued key updates")
	}
	if _, err := c.flushOutbox(ctx, true); err != nil {
		log.WithField("error", err.Error()).Warn("Outbox retry failed")
	}
}
