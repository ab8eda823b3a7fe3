package webhook

import "sync"

// activityBatch is what one webhook delivery dispatches, after parsing and
// before address matching (each worker matches against its own subscribed
// set).
type activityBatch struct {
	PluginID   string
	Activities []activityEntry
}

// Broadcaster relays parsed activity between webhook adapter instances that
// run as goroutines in one process rather than as separate OS processes, so
// the relay collapses to an in-process pub-sub: broadcast parsed activity to
// every other registered adapter for the same plugin; receivers must not
// re-broadcast.
type Broadcaster struct {
	mu        sync.Mutex
	listeners map[string]map[int]func(activityBatch)
	nextID    int
}

// NewBroadcaster creates an empty broadcaster, shared by every plugin's
// webhook adapter instances in this process.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{listeners: make(map[string]map[int]func(activityBatch))}
}

// Register subscribes handle to activity broadcast for pluginID. The
// returned id identifies this listener so it can exclude itself when it
// calls Broadcast after handling its own delivery locally; unregister
// removes the subscription.
func (b *Broadcaster) Register(pluginID string, handle func(activityBatch)) (id int, unregister func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listeners[pluginID] == nil {
		b.listeners[pluginID] = make(map[int]func(activityBatch))
	}
	id = b.nextID
	b.nextID++
	b.listeners[pluginID][id] = handle

	return id, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners[pluginID], id)
	}
}

// peerCount reports how many OTHER listeners are registered for pluginID
// besides the one identified by excludeID.
func (b *Broadcaster) peerCount(pluginID string, excludeID int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id := range b.listeners[pluginID] {
		if id != excludeID {
			n++
		}
	}
	return n
}

// Broadcast delivers batch to every registered listener for its plugin
// except excludeID, the listener that already handled it locally.
func (b *Broadcaster) Broadcast(batch activityBatch, excludeID int) {
	b.mu.Lock()
	handlers := make([]func(activityBatch), 0, len(b.listeners[batch.PluginID]))
	for id, h := range b.listeners[batch.PluginID] {
		if id != excludeID {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(batch)
	}
}
