package groupkeys

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/groupkeys/client-go/internal/api"
)

// EpochState is the lifecycle state of a group on this device.
type EpochState int

const (
	// EpochUninitialized means neither this device nor the server knows an
	// epoch for the group.
	EpochUninitialized EpochState = iota
	// EpochActive means the group has a current epoch.
	EpochActive
)

func (s EpochState) String() string {
	if s == EpochActive {
		return "active"
	}
	return "uninitialized"
}

// GroupEpoch is the current generation of a group's sender keys.
type GroupEpoch struct {
	GroupID string
	Epoch   uint64
	Reason  string // advisory, unverified
	State   EpochState
}

func (e *GroupEpoch) String() string {
	if e.State != EpochActive {
		return fmt.Sprintf("%s: uninitialized", e.GroupID)
	}
	return fmt.Sprintf("%s: epoch %d", e.GroupID, e.Epoch)
}

// InitGroup asks the server for the group's first epoch and generates this
// device's sender key for it. It fails with ErrGroupAlreadyInitialized if
// the group already has an epoch. The key is not distributed; call
// Distribute once the group has members.
func (c *Client) InitGroup(ctx context.Context, groupID string) (*GroupEpoch, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	var known bool
	err := c.queue.submit(ctx, func() error {
		_, ok, err := c.keys.epoch(groupID)
		known = ok
		return err
	})
	if err != nil {
		return nil, err
	}
	if known {
		return nil, fmt.Errorf("%w: %s", ErrGroupAlreadyInitialized, groupID)
	}

	state, err := c.api.InitEpoch(ctx, groupID)
	if err != nil {
		err = wrapError(err)
		if errors.Is(err, ErrGroupAlreadyInitialized) {
			return nil, fmt.Errorf("%w: %s", ErrGroupAlreadyInitialized, groupID)
		}
		return nil, fmt.Errorf("init group %s: %w", groupID, err)
	}

	err = c.queue.submit(ctx, func() error {
		if _, err := c.keys.advance(groupID, state.Epoch, state.Reason); err != nil {
			return err
		}
		_, _, err := c.keys.ownSenderKey(groupID, state.Epoch, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"function": "Client.InitGroup",
		"group_id": groupID,
		"epoch":    state.Epoch,
	}).Info("Group initialized")

	return &GroupEpoch{GroupID: groupID, Epoch: state.Epoch, Reason: state.Reason, State: EpochActive}, nil
}

// GetEpoch returns the group's current epoch, consulting the local pointer
// first and the server second. A group the server does not know either is
// returned in state EpochUninitialized without error.
func (c *Client) GetEpoch(ctx context.Context, groupID string) (*GroupEpoch, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	local, err := c.localEpoch(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if local.State == EpochActive {
		return local, nil
	}

	state, err := c.api.GetEpoch(ctx, groupID)
	if err != nil {
		err = wrapError(err)
		if errors.Is(err, ErrGroupNotInitialized) || errors.Is(err, ErrGroupNotFound) {
			return &GroupEpoch{GroupID: groupID, State: EpochUninitialized}, nil
		}
		return nil, fmt.Errorf("get epoch of %s: %w", groupID, err)
	}

	if err := c.applyRemoteEpoch(ctx, groupID, state.Epoch, state.Reason); err != nil {
		return nil, err
	}
	return c.localEpoch(ctx, groupID)
}

// AdvanceEpoch rotates the group to a new epoch, generates this device's
// key for it and distributes that key. A distribution failure does not
// undo the advance; undelivered recipients stay in the outbox.
func (c *Client) AdvanceEpoch(ctx context.Context, groupID, reason string) (*GroupEpoch, error) {
	current, err := c.GetEpoch(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if current.State != EpochActive {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotInitialized, groupID)
	}

	state, err := c.api.AdvanceEpoch(ctx, groupID, api.AdvanceEpochRequest{
		Reason:       reason,
		CurrentEpoch: current.Epoch,
	})
	if err != nil {
		return nil, fmt.Errorf("advance epoch of %s: %w", groupID, wrapError(err))
	}
	if state.Epoch <= current.Epoch {
		return nil, fmt.Errorf("%w: %s went from %d to %d", ErrEpochRegression, groupID, current.Epoch, state.Epoch)
	}

	err = c.queue.submit(ctx, func() error {
		if _, err := c.keys.advance(groupID, state.Epoch, reason); err != nil {
			return err
		}
		_, _, err := c.keys.ownSenderKey(groupID, state.Epoch, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	log := c.log.WithFields(logrus.Fields{
		"function": "Client.AdvanceEpoch",
		"group_id": groupID,
		"epoch":    state.Epoch,
		"reason":   reason,
	})
	log.Info("Epoch advanced")

	if _, err := c.Distribute(ctx, groupID, state.Epoch); err != nil {
		log.WithField("error", err.Error()).Warn("Distribution after epoch advance failed")
	}

	return &GroupEpoch{GroupID: groupID, Epoch: state.Epoch, Reason: reason, State: EpochActive}, nil
}

// applyRemoteEpoch moves the local pointer forward to epoch. Older or equal
// epochs are ignored.
func (c *Client) applyRemoteEpoch(ctx context.Context, groupID string, epoch uint64, reason string) error {
	var moved bool
	err := c.queue.submit(ctx, func() error {
		var err error
		moved, err = c.keys.advance(groupID, epoch, reason)
		return err
	})
	if err != nil {
		return err
	}
	if moved {
		c.log.WithFields(logrus.Fields{
			"function": "Client.applyRemoteEpoch",
			"group_id": groupID,
			"epoch":    epoch,
		}).Debug("Epoch pointer moved")
	}
	return nil
}

func (c *Client) localEpoch(ctx context.Context, groupID string) (*GroupEpoch, error) {
	var (
		ptr   epochPointer
		known bool
	)
	err := c.queue.submit(ctx, func() error {
		var err error
		ptr, known, err = c.keys.epoch(groupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !known {
		return &GroupEpoch{GroupID: groupID, State: EpochUninitialized}, nil
	}
	return &GroupEpoch{GroupID: groupID, Epoch: ptr.Epoch, Reason: ptr.Reason, State: EpochActive}, nil
}
