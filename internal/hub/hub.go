// Package hub implements the top-level subscription multiplexer: one
// Adapter and one Subscription-State per plugin, the set of connected
// clients, and the client-facing subscribe/unsubscribe RPC methods.
package hub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/edgeapp/addrhub/internal/adapter"
	"github.com/edgeapp/addrhub/internal/addrtypes"
	"github.com/edgeapp/addrhub/internal/codec"
	"github.com/edgeapp/addrhub/internal/log"
	"github.com/edgeapp/addrhub/internal/metrics"
	"github.com/edgeapp/addrhub/internal/substate"
)

// Result codes for the subscribe RPC method
const (
	ResultUnknownPlugin = -1
	ResultRefused       = 0
	ResultNoChange      = 1
	ResultChanged       = 2
)

type pluginEntry struct {
	plugin  addrtypes.Plugin
	adapter adapter.Adapter
	state   *substate.State
}

// ConnectionInfo is the per-client state the hub tracks while a transport
// is open
type ConnectionInfo struct {
	ConnID   string
	Codec    *codec.Codec
	RemoteIP string
}

// Hub is the process-wide (per-worker, in this port's goroutine-per-worker
// model) multiplexer.
type Hub struct {
	log     *log.Logger
	metrics *metrics.HubMetrics

	pluginsMu sync.RWMutex
	plugins   map[string]*pluginEntry

	connMu      sync.Mutex
	connections map[string]*ConnectionInfo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an empty hub.
func New(m *metrics.HubMetrics, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:         logger.Module("hub"),
		metrics:     m,
		plugins:     make(map[string]*pluginEntry),
		connections: make(map[string]*ConnectionInfo),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterPlugin wires adapter a into the hub under pluginID and starts the
// goroutine that fans out its events to subscribed connections.
func (h *Hub) RegisterPlugin(plugin addrtypes.Plugin, a adapter.Adapter) {
	entry := &pluginEntry{plugin: plugin, adapter: a, state: substate.New()}

	h.pluginsMu.Lock()
	h.plugins[plugin.ID] = entry
	h.pluginsMu.Unlock()

	if h.metrics != nil {
		h.metrics.PluginCount().Set(int64(h.pluginCount()))
	}

	h.wg.Add(1)
	go h.fanOutLoop(entry)
}

func (h *Hub) pluginCount() int {
	h.pluginsMu.RLock()
	defer h.pluginsMu.RUnlock()
	return len(h.plugins)
}

func (h *Hub) getPlugin(pluginID string) (*pluginEntry, bool) {
	h.pluginsMu.RLock()
	defer h.pluginsMu.RUnlock()
	e, ok := h.plugins[pluginID]
	return e, ok
}

// fanOutLoop reads an adapter's events and delivers them to every connection
// currently subscribed to the affected address
func (h *Hub) fanOutLoop(entry *pluginEntry) {
	defer h.wg.Done()
	events := entry.adapter.Events()
	for {
		select {
		case <-h.ctx.Done():
			return
		case u, ok := <-events.Updates:
			if !ok {
				return
			}
			h.handleUpdate(entry, u)
		case sl, ok := <-events.SubLosts:
			if !ok {
				return
			}
			h.handleSubLost(entry, sl)
		}
	}
}

func (h *Hub) handleUpdate(entry *pluginEntry, u adapter.Update) {
	key := entry.plugin.NormalizeAddress(u.Address)
	conns := entry.state.Subscribers(key)
	if len(conns) == 0 {
		return
	}
	if h.metrics != nil {
		h.metrics.ChangeEventCount(entry.plugin.ID).Inc()
	}
	for _, c := range conns {
		h.notify(string(c), "update", entry.plugin.ID, u.Address, u.Checkpoint)
	}
}

func (h *Hub) handleSubLost(entry *pluginEntry, sl adapter.SubLost) {
	for _, addr := range sl.Addresses {
		key := entry.plugin.NormalizeAddress(addr)
		conns := entry.state.Subscribers(key)
		for _, c := range conns {
			h.notify(string(c), "subLost", entry.plugin.ID, addr, "")
		}
		entry.state.Forget(key)
	}
	h.updateSubGauge(entry)
}

func (h *Hub) updateSubGauge(entry *pluginEntry) {
	if h.metrics != nil {
		h.metrics.ActiveSubscriptions(entry.plugin.ID).Set(int64(entry.state.ActiveAddressCount()))
	}
}

func (h *Hub) notify(connID, method, pluginID, addr, checkpoint string) {
	h.connMu.Lock()
	info, ok := h.connections[connID]
	h.connMu.Unlock()
	if !ok {
		return
	}
	params := encodeUpdateParams(pluginID, addr, checkpoint)
	if err := info.Codec.Notify(method, params); err != nil {
		h.log.Debug("notify failed", "conn", connID, "method", method, "err", err)
	}
}

// NewConnectionID generates a 6-hex-char connection id by rejection
// sampling and reserves it immediately under connMu, so two sessions
// racing to open at the same instant can never collide on the id they are
// handed back.
func (h *Hub) NewConnectionID() string {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	for {
		id := randomHexID()
		if _, exists := h.connections[id]; !exists {
			h.connections[id] = &ConnectionInfo{ConnID: id}
			return id
		}
	}
}

func randomHexID() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to
		// the zero id rather than panicking. NewConnectionID accepts it
		// if it is free and only draws again while "000000" is taken.
		return "000000"
	}
	return hex.EncodeToString(b[:])
}

// AddConnection registers a newly opened client transport, completing an id
// previously reserved by NewConnectionID (or, in tests, inserting a fresh
// entry directly under an arbitrary id).
func (h *Hub) AddConnection(connID string, c *codec.Codec, remoteIP string) *ConnectionInfo {
	h.connMu.Lock()
	info, ok := h.connections[connID]
	if !ok {
		info = &ConnectionInfo{ConnID: connID}
		h.connections[connID] = info
	}
	info.Codec = c
	info.RemoteIP = remoteIP
	count := len(h.connections)
	h.connMu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectionCount().Set(int64(count))
	}
	return info
}

// CloseConnection runs the close-cleanup path: every address
// this connection uniquely held is unsubscribed upstream, then the
// connection is forgotten and the gauge decremented.
func (h *Hub) CloseConnection(connID string) {
	h.pluginsMu.RLock()
	plugins := make([]*pluginEntry, 0, len(h.plugins))
	for _, e := range h.plugins {
		plugins = append(plugins, e)
	}
	h.pluginsMu.RUnlock()

	for _, entry := range plugins {
		orphaned := entry.state.Cleanup(substate.ConnID(connID))
		h.updateSubGauge(entry)
		for _, addr := range orphaned {
			if err := entry.adapter.Unsubscribe(h.ctx, addr); err != nil {
				h.log.Warn("upstream unsubscribe failed on close", "plugin", entry.plugin.ID, "addr", addr, "err", err)
			}
		}
	}

	h.connMu.Lock()
	delete(h.connections, connID)
	count := len(h.connections)
	h.connMu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectionCount().Set(int64(count))
	}
}

// Destroy stops every adapter's background work and the fan-out loops.
func (h *Hub) Destroy() {
	h.pluginsMu.RLock()
	plugins := make([]*pluginEntry, 0, len(h.plugins))
	for _, e := range h.plugins {
		plugins = append(plugins, e)
	}
	h.pluginsMu.RUnlock()

	h.cancel()
	for _, e := range plugins {
		e.adapter.Destroy()
	}
	h.wg.Wait()
}
