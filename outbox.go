package groupkeys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/groupkeys/client-go/internal/api"
	"github.com/groupkeys/client-go/internal/store"
)

// outboxEntry is one recipient device still owed this device's sender key
// for (group, epoch). Entries are removed once the server accepts the
// upload that carries them.
type outboxEntry struct {
	ID                string    `json:"id"`
	GroupID           string    `json:"groupId"`
	Epoch             uint64    `json:"epoch"`
	RecipientUserID   string    `json:"recipientUserId"`
	RecipientDeviceID string    `json:"recipientDeviceId"`
	Attempts          int       `json:"attempts"`
	NextAttempt       time.Time `json:"nextAttempt"`
	LastError         string    `json:"lastError,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

func (e *outboxEntry) sameTarget(o *outboxEntry) bool {
	return e.GroupID == o.GroupID && e.Epoch == o.Epoch &&
		e.RecipientUserID == o.RecipientUserID && e.RecipientDeviceID == o.RecipientDeviceID
}

// outbox persists entries in the store. Like keyState it is only used from
// task queue closures.
type outbox struct {
	ns    store.Namespace
	store store.Store
	retry *api.RetryConfig
}

func newOutbox(ns store.Namespace, s store.Store, retry *api.RetryConfig) *outbox {
	return &outbox{ns: ns, store: s, retry: retry}
}

func (o *outbox) list() ([]*outboxEntry, error) {
	items, err := o.store.List(o.ns.OutboxPrefix())
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	entries := make([]*outboxEntry, 0, len(items))
	for _, item := range items {
		var e outboxEntry
		if err := json.Unmarshal(item.Value, &e); err != nil {
			return nil, fmt.Errorf("decode outbox entry %s: %w", item.Key, err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

func (o *outbox) put(e *outboxEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode outbox entry: %w", err) //coverage:ignore
	}
	if err := o.store.Set(o.ns.Outbox(e.ID), data); err != nil {
		return fmt.Errorf("persist outbox entry: %w", err)
	}
	return nil
}

// add persists entries for new targets and returns the entry now owning
// each target, reusing entries already queued for the same recipient.
func (o *outbox) add(targets []*outboxEntry) ([]*outboxEntry, error) {
	existing, err := o.list()
	if err != nil {
		return nil, err
	}

	result := make([]*outboxEntry, 0, len(targets))
	now := time.Now().UTC()
next:
	for _, t := range targets {
		for _, e := range existing {
			if e.sameTarget(t) {
				result = append(result, e)
				continue next
			}
		}
		t.ID = uuid.NewString()
		t.CreatedAt = now
		t.NextAttempt = now
		if err := o.put(t); err != nil {
			return nil, err
		}
		existing = append(existing, t)
		result = append(result, t)
	}
	return result, nil
}

func (o *outbox) remove(ids []string) error {
	for _, id := range ids {
		if err := o.store.Delete(o.ns.Outbox(id)); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete outbox entry: %w", err)
		}
	}
	return nil
}

// fail records a failed attempt and schedules the next one.
func (o *outbox) fail(e *outboxEntry, cause error, now time.Time) error {
	e.LastError = cause.Error()
	e.NextAttempt = o.retry.NextAttempt(e.Attempts, now)
	e.Attempts++
	return o.put(e)
}

// FlushOutbox retries every undelivered recipient now, ignoring backoff,
// and returns how many were delivered.
func (c *Client) FlushOutbox(ctx context.Context) (int, error) {
	if err := c.checkClosed(); err != nil {
		return 0, err
	}
	return c.flushOutbox(ctx, false)
}

// OutboxSize returns how many recipient devices are still owed a sender key.
func (c *Client) OutboxSize(ctx context.Context) (int, error) {
	if err := c.checkClosed(); err != nil {
		return 0, err
	}
	var n int
	err := c.queue.submit(ctx, func() error {
		entries, err := c.outbox.list()
		n = len(entries)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

type outboxBatch struct {
	groupID string
	epoch   uint64
}

func (c *Client) flushOutbox(ctx context.Context, dueOnly bool) (int, error) {
	var (
		batches = make(map[outboxBatch][]*outboxEntry)
		order   []outboxBatch
		keys    = make(map[outboxBatch]*SenderKeyRecord)
		dropped []*outboxEntry
	)

	err := c.queue.submit(ctx, func() error {
		entries, err := c.outbox.list()
		if err != nil {
			return err
		}
		now := time.Now()
		for _, e := range entries {
			if dueOnly && e.NextAttempt.After(now) {
				continue
			}
			b := outboxBatch{e.GroupID, e.Epoch}
			if _, seen := batches[b]; !seen {
				rec, _, err := c.keys.ownSenderKey(e.GroupID, e.Epoch, false)
				if err != nil {
					return err
				}
				if rec == nil {
					dropped = append(dropped, e)
					continue
				}
				keys[b] = rec
				order = append(order, b)
			}
			batches[b] = append(batches[b], e)
		}

		ids := make([]string, 0, len(dropped))
		for _, e := range dropped {
			ids = append(ids, e.ID)
		}
		return c.outbox.remove(ids)
	})
	if err != nil {
		return 0, err
	}

	for _, e := range dropped {
		c.log.WithFields(logrus.Fields{
			"function":  "Client.flushOutbox",
			"group_id":  e.GroupID,
			"epoch":     e.Epoch,
			"device_id": e.RecipientDeviceID,
		}).Warn("Dropping outbox entry without a local sender key")
	}

	delivered := 0
	for _, b := range order {
		report := &DistributionReport{GroupID: b.groupID, Epoch: b.epoch, Recipients: len(batches[b])}
		if err := c.deliver(ctx, keys[b], batches[b], report); err != nil {
			return delivered, err
		}
		delivered += report.Uploaded
	}
	return delivered, nil
}

// outboxLoop retries due entries until ctx ends.
func (c *Client) outboxLoop(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.flushOutbox(ctx, true)
			log := c.log.WithField("function", "Client.outboxLoop")
			switch {
			case err != nil && ctx.Err() == nil:
				log.WithField("error", err.Error()).Warn("Outbox retry failed")
			case n > 0:
				log.WithField("delivered", n).Info("Delivered queued sender keys")
			}
		}
	}
}
