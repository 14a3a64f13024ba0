package groupkeys

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// subscription represents an active replay subscription.
type subscription struct {
	id       string
	groupID  string
	callback func(*ReplayedMessage)
	active   atomic.Bool
}

// subscriptionManager handles replay subscriptions with safe lifecycle
// management. Callbacks are never invoked after unsubscription completes.
type subscriptionManager struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*subscription // groupID -> subID -> subscription
	nextID atomic.Uint64
}

func newSubscriptionManager() *subscriptionManager {
	return &subscriptionManager{
		subs: make(map[string]map[string]*subscription),
	}
}

// subscribe registers a callback for replayed messages of a group.
// Returns an unsubscribe function that must be called to clean up.
func (m *subscriptionManager) subscribe(groupID string, callback func(*ReplayedMessage)) func() {
	id := strconv.FormatUint(m.nextID.Add(1), 10)

	sub := &subscription{
		id:       id,
		groupID:  groupID,
		callback: callback,
	}
	sub.active.Store(true)

	m.mu.Lock()
	if m.subs[groupID] == nil {
		m.subs[groupID] = make(map[string]*subscription)
	}
	m.subs[groupID][id] = sub
	m.mu.Unlock()

	return func() {
		m.unsubscribe(groupID, id)
	}
}

// unsubscribe removes a subscription. Safe to call multiple times.
func (m *subscriptionManager) unsubscribe(groupID, subID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if groupSubs, ok := m.subs[groupID]; ok {
		if sub, ok := groupSubs[subID]; ok {
			sub.active.Store(false)
			delete(groupSubs, subID)
			if len(groupSubs) == 0 {
				delete(m.subs, groupID)
			}
		}
	}
}

// notify calls all registered callbacks for the group synchronously,
// outside the lock.
func (m *subscriptionManager) notify(groupID string, msg *ReplayedMessage) {
	m.mu.RLock()
	groupSubs := m.subs[groupID]
	if len(groupSubs) == 0 {
		m.mu.RUnlock()
		return
	}

	subs := make([]*subscription, 0, len(groupSubs))
	for _, sub := range groupSubs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		if sub.active.Load() {
			sub.callback(msg)
		}
	}
}

// clear removes all subscriptions. Called during Client.Close().
func (m *subscriptionManager) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, groupSubs := range m.subs {
		for _, sub := range groupSubs {
			sub.active.Store(false)
		}
	}
	m.subs = make(map[string]map[string]*subscription)
}

// Subscribe calls fn for every pending message of the group that becomes
// readable once its sender key arrives. fn runs synchronously on the
// goroutine that stored the key. The returned function unsubscribes.
func (c *Client) Subscribe(groupID string, fn func(*ReplayedMessage)) func() {
	return c.subs.subscribe(groupID, fn)
}

// WatchGroup returns a channel that receives the group's replayed
// messages until ctx is cancelled. The channel is not closed when the
// context is cancelled; use a select on ctx.Done() to detect cancellation.
//
// Example:
//
//	ch := client.WatchGroup(ctx, "team")
//	for {
//	    select {
//	    case <-ctx.Done():
//	        return
//	    case msg := <-ch:
//	        fmt.Println(msg.Text)
//	    }
//	}
func (c *Client) WatchGroup(ctx context.Context, groupID string) <-chan *ReplayedMessage {
	ch := make(chan *ReplayedMessage, 16)

	unsub := c.subs.subscribe(groupID, func(msg *ReplayedMessage) {
		go func(m *ReplayedMessage) {
			select {
			case ch <- m:
			case <-ctx.Done():
			}
		}(msg)
	})

	go func() {
		<-ctx.Done()
		unsub()
	}()

	return ch
}
