package hub

import (
	"context"
	"sync"

	"github.com/edgeapp/addrhub/internal/adapter"
	"github.com/edgeapp/addrhub/internal/substate"
)

// SubscribeTuple is one entry of the client-facing subscribe RPC's params
// array.
type SubscribeTuple struct {
	PluginID   string
	Address    string
	Checkpoint string
}

// UnsubscribeTuple is one entry of the client-facing unsubscribe RPC.
type UnsubscribeTuple struct {
	PluginID string
	Address  string
}

// Subscribe implements the client-facing subscribe method. Tuples are
// processed concurrently but the result slice preserves input order.
func (h *Hub) Subscribe(ctx context.Context, connID string, tuples []SubscribeTuple) []int {
	results := make([]int, len(tuples))
	var wg sync.WaitGroup
	for i, tup := range tuples {
		wg.Add(1)
		go func(i int, tup SubscribeTuple) {
			defer wg.Done()
			results[i] = h.subscribeOne(ctx, connID, tup)
		}(i, tup)
	}
	wg.Wait()
	return results
}

func (h *Hub) subscribeOne(ctx context.Context, connID string, tup SubscribeTuple) int {
	entry, ok := h.getPlugin(tup.PluginID)
	if !ok {
		return ResultUnknownPlugin
	}

	key := entry.plugin.NormalizeAddress(tup.Address)
	isFirst := entry.state.Track(substate.ConnID(connID), key)
	if isFirst {
		ok, err := entry.adapter.Subscribe(ctx, tup.Address)
		if err != nil {
			h.log.Warn("adapter subscribe error", "plugin", tup.PluginID, "addr", tup.Address, "err", err)
		}
		if !ok {
			entry.state.Untrack(substate.ConnID(connID), key)
			h.updateSubGauge(entry)
			return ResultRefused
		}
	}
	h.updateSubGauge(entry)

	if tup.Checkpoint == "" {
		return ResultChanged
	}

	changed, err := entry.adapter.Scan(ctx, tup.Address, tup.Checkpoint)
	switch {
	case err == adapter.ErrScanNotSupported:
		return ResultChanged
	case err != nil:
		// Catch-all: any thrown error maps to "changed".
		h.log.Warn("adapter scan error, treating as changed", "plugin", tup.PluginID, "addr", tup.Address, "err", err)
		return ResultChanged
	case changed:
		return ResultChanged
	default:
		return ResultNoChange
	}
}

// Unsubscribe implements the client-facing unsubscribe method. Errors are
// logged, never propagated to the client.
func (h *Hub) Unsubscribe(ctx context.Context, connID string, tuples []UnsubscribeTuple) {
	var wg sync.WaitGroup
	for _, tup := range tuples {
		wg.Add(1)
		go func(tup UnsubscribeTuple) {
			defer wg.Done()
			h.unsubscribeOne(ctx, connID, tup)
		}(tup)
	}
	wg.Wait()
}

func (h *Hub) unsubscribeOne(ctx context.Context, connID string, tup UnsubscribeTuple) {
	entry, ok := h.getPlugin(tup.PluginID)
	if !ok {
		return
	}
	key := entry.plugin.NormalizeAddress(tup.Address)
	isLast := entry.state.Untrack(substate.ConnID(connID), key)
	h.updateSubGauge(entry)
	if !isLast {
		return
	}
	if err := entry.adapter.Unsubscribe(ctx, tup.Address); err != nil {
		h.log.Warn("adapter unsubscribe error", "plugin", tup.PluginID, "addr", tup.Address, "err", err)
	}
}
