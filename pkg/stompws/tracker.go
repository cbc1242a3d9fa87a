package stompws

import (
	"context"
	"sort"
	"sync"
	"time"
)

type trackedSubscription struct {
	sub   Subscription
	since time.Time
}

// SubscriptionTracker is a ClientMonitor that records connection state and
// the set of active subscriptions. Subscriptions survive disconnects so that
// they can be restored after reconnecting.
type SubscriptionTracker struct {
	mu                sync.RWMutex
	connected         bool
	connectionTime    time.Time
	disconnectionTime time.Time
	lastError         error
	session           SessionInfo
	subscriptions     map[string]trackedSubscription
}

// NewSubscriptionTracker creates an empty tracker.
func NewSubscriptionTracker() *SubscriptionTracker {
	return &SubscriptionTracker{
		subscriptions: make(map[string]trackedSubscription),
	}
}

func (t *SubscriptionTracker) OnConnect(ctx context.Context, client Client, info SessionInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = true
	t.connectionTime = time.Now()
	t.lastError = nil
	t.session = info
}

func (t *SubscriptionTracker) OnConnectionError(ctx context.Context, client Client, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastError = err
}

func (t *SubscriptionTracker) OnError(ctx context.Context, client Client, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastError = err
}

func (t *SubscriptionTracker) OnDisconnect(ctx context.Context, client Client, reason string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	t.disconnectionTime = time.Now()
	if err != nil {
		t.lastError = err
	}
}

func (t *SubscriptionTracker) OnSubscribe(ctx context.Context, client Client, sub Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.subscriptions[sub.ID] = trackedSubscription{sub: sub, since: time.Now()}
}

func (t *SubscriptionTracker) OnUnsubscribe(ctx context.Context, client Client, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.subscriptions, id)
}

// Forget drops every tracked subscription.
func (t *SubscriptionTracker) Forget() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.subscriptions = make(map[string]trackedSubscription)
}

func (t *SubscriptionTracker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *SubscriptionTracker) GetConnectionTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connectionTime
}

func (t *SubscriptionTracker) GetDisconnectionTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.disconnectionTime
}

func (t *SubscriptionTracker) GetLastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastError
}

// GetSession returns the session of the most recent successful connect.
func (t *SubscriptionTracker) GetSession() SessionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session
}

func (t *SubscriptionTracker) GetSubscriptionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscriptions)
}

// GetSubscriptionIDs returns the tracked subscription ids, sorted.
func (t *SubscriptionTracker) GetSubscriptionIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.subscriptions))
	for id := range t.subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetSubscriptions returns a snapshot of the tracked subscriptions keyed by id.
func (t *SubscriptionTracker) GetSubscriptions() map[string]Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := make(map[string]Subscription, len(t.subscriptions))
	for id, tracked := range t.subscriptions {
		subs[id] = tracked.sub
	}
	return subs
}

func (t *SubscriptionTracker) IsSubscribed(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.subscriptions[id]
	return ok
}

// GetSubscriptionTime returns when id was subscribed, or the zero time.
func (t *SubscriptionTracker) GetSubscriptionTime(id string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subscriptions[id].since
}
