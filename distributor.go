package groupkeys

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/groupkeys/client-go/internal/api"
	"github.com/groupkeys/client-go/internal/crypto"
)

// DistributionReport summarizes one fan-out of a sender key.
type DistributionReport struct {
	GroupID    string
	Epoch      uint64
	Recipients int     // recipient devices targeted
	Wrapped    int     // envelopes produced
	Uploaded   int     // envelopes accepted by the server
	Failed     int     // recipients left in the outbox or not enumerable
	Errors     []error // one per failure
}

func (r *DistributionReport) addFailure(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
}

// Distribute wraps this device's sender key for (group, epoch) for every
// other device of every group member, this user's other devices included,
// and uploads the envelopes in one batch.
//
// A failure for one recipient never aborts the others. Recipients whose
// bundle fetch, wrap or upload failed stay in the outbox and are retried
// with backoff until the server accepts them. The returned error is
// non-nil only when nothing could be attempted.
func (c *Client) Distribute(ctx context.Context, groupID string, epoch uint64) (*DistributionReport, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	var rec *SenderKeyRecord
	err := c.queue.submit(ctx, func() error {
		var err error
		rec, _, err = c.keys.ownSenderKey(groupID, epoch, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no own sender key for %s@%d", ErrKeyUnavailable, groupID, epoch)
	}

	report := &DistributionReport{GroupID: groupID, Epoch: epoch}

	targets, err := c.recipients(ctx, groupID, epoch, report)
	if err != nil {
		return nil, err
	}

	var entries []*outboxEntry
	err = c.queue.submit(ctx, func() error {
		var err error
		entries, err = c.outbox.add(targets)
		return err
	})
	if err != nil {
		return nil, err
	}
	report.Recipients = len(entries)

	if err := c.deliver(ctx, rec, entries, report); err != nil {
		return report, err
	}

	c.log.WithFields(logrus.Fields{
		"function":   "Client.Distribute",
		"group_id":   groupID,
		"epoch":      epoch,
		"recipients": report.Recipients,
		"uploaded":   report.Uploaded,
		"failed":     report.Failed,
	}).Info("Sender key distributed")

	return report, nil
}

// recipients enumerates every device that should receive the key, except
// this one. Users whose devices cannot be listed are recorded in report.
func (c *Client) recipients(ctx context.Context, groupID string, epoch uint64, report *DistributionReport) ([]*outboxEntry, error) {
	members, err := c.directory.GroupMembers(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", groupID, wrapError(err))
	}

	users := make([]string, 0, len(members)+1)
	seen := make(map[string]bool, len(members)+1)
	for _, u := range append([]string{c.userID}, members...) {
		if !seen[u] {
			seen[u] = true
			users = append(users, u)
		}
	}

	var targets []*outboxEntry
	for _, userID := range users {
		devices, err := c.registry.ListDevices(ctx, userID)
		if err != nil {
			err = &WrapError{RecipientUserID: userID, Stage: "devices", Err: wrapError(err)}
			c.log.WithFields(logrus.Fields{
				"function": "Client.recipients",
				"group_id": groupID,
				"user_id":  userID,
				"error":    err.Error(),
			}).Warn("Skipping member whose devices could not be listed")
			report.addFailure(err)
			continue
		}
		for _, deviceID := range devices {
			if userID == c.userID && deviceID == c.deviceID {
				continue
			}
			targets = append(targets, &outboxEntry{
				GroupID:           groupID,
				Epoch:             epoch,
				RecipientUserID:   userID,
				RecipientDeviceID: deviceID,
			})
		}
	}
	return targets, nil
}

// deliver wraps rec for each entry and uploads the successful ones in one
// batch. Accepted entries leave the outbox; failed ones are rescheduled.
// Only store failures are returned.
func (c *Client) deliver(ctx context.Context, rec *SenderKeyRecord, entries []*outboxEntry, report *DistributionReport) error {
	type failure struct {
		entry *outboxEntry
		err   error
	}
	var (
		failures  []failure
		wrapped   []*outboxEntry
		envelopes []api.AddressedEnvelope
	)

	for _, e := range entries {
		env, err := c.wrapFor(ctx, rec, e.RecipientUserID, e.RecipientDeviceID)
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"function":  "Client.deliver",
				"group_id":  rec.GroupID,
				"epoch":     rec.Epoch,
				"user_id":   e.RecipientUserID,
				"device_id": e.RecipientDeviceID,
				"error":     err.Error(),
			}).Warn("Skipping recipient device")
			report.addFailure(err)
			failures = append(failures, failure{e, err})
			continue
		}
		wrapped = append(wrapped, e)
		envelopes = append(envelopes, api.AddressedEnvelope{
			RecipientUserID:   e.RecipientUserID,
			RecipientDeviceID: e.RecipientDeviceID,
			Envelope:          env,
		})
	}
	report.Wrapped += len(wrapped)

	var acked []string
	if len(envelopes) > 0 {
		_, err := c.api.UploadSenderKeys(ctx, rec.GroupID, rec.Epoch, api.UploadSenderKeysRequest{
			SenderUserID:   c.userID,
			SenderDeviceID: c.deviceID,
			Envelopes:      envelopes,
		})
		if err != nil {
			err = wrapError(err)
			c.log.WithFields(logrus.Fields{
				"function": "Client.deliver",
				"group_id": rec.GroupID,
				"epoch":    rec.Epoch,
				"count":    len(envelopes),
				"error":    err.Error(),
			}).Warn("Sender key upload failed")
			for _, e := range wrapped {
				report.addFailure(err)
				failures = append(failures, failure{e, err})
			}
		} else {
			report.Uploaded += len(wrapped)
			for _, e := range wrapped {
				acked = append(acked, e.ID)
			}
		}
	}

	return c.queue.submit(context.WithoutCancel(ctx), func() error {
		if err := c.outbox.remove(acked); err != nil {
			return err
		}
		now := time.Now()
		for _, f := range failures {
			if err := c.outbox.fail(f.entry, f.err, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// wrapFor fetches and checks the recipient's bundle and wraps rec's key
// for it.
func (c *Client) wrapFor(ctx context.Context, rec *SenderKeyRecord, userID, deviceID string) (*crypto.Envelope, error) {
	bundle, err := c.registry.GetBundle(ctx, userID, deviceID)
	if err != nil {
		return nil, &WrapError{RecipientUserID: userID, RecipientDeviceID: deviceID, Stage: "bundle", Err: err}
	}
	if err := bundle.Verify(); err != nil {
		return nil, &WrapError{RecipientUserID: userID, RecipientDeviceID: deviceID, Stage: "verify", Err: err}
	}
	env, err := crypto.WrapKey(bundle.IdentityPublicKey, rec.Key)
	if err != nil {
		return nil, &WrapError{RecipientUserID: userID, RecipientDeviceID: deviceID, Stage: "wrap", Err: err}
	}
	return env, nil
}

// distributeToDevice sends this device's current sender key of every active
// group the user belongs to to one newly registered device.
func (c *Client) distributeToDevice(ctx context.Context, userID, deviceID string) error {
	var held []*SenderKeyRecord

	err := c.queue.submit(ctx, func() error {
		groups, err := c.keys.groups()
		if err != nil {
			return err
		}
		for _, g := range groups {
			ptr, ok, err := c.keys.epoch(g)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			rec, _, err := c.keys.ownSenderKey(g, ptr.Epoch, false)
			if err != nil {
				return err
			}
			if rec != nil {
				held = append(held, rec)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, rec := range held {
		if userID != c.userID {
			members, err := c.directory.GroupMembers(ctx, rec.GroupID)
			if err != nil {
				c.log.WithFields(logrus.Fields{
					"function": "Client.distributeToDevice",
					"group_id": rec.GroupID,
					"error":    wrapError(err).Error(),
				}).Warn("Could not check membership for new device")
				continue
			}
			if !slices.Contains(members, userID) {
				continue
			}
		}

		var entries []*outboxEntry
		err := c.queue.submit(ctx, func() error {
			var err error
			entries, err = c.outbox.add([]*outboxEntry{{
				GroupID:           rec.GroupID,
				Epoch:             rec.Epoch,
				RecipientUserID:   userID,
				RecipientDeviceID: deviceID,
			}})
			return err
		})
		if err != nil {
			return err
		}

		report := &DistributionReport{GroupID: rec.GroupID, Epoch: rec.Epoch, Recipients: len(entries)}
		if err := c.deliver(ctx, rec, entries, report); err != nil {
			return err
		}
	}
	return nil
}
