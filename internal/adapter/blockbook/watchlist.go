package blockbook

// watchlist tracks unconfirmed mempool transactions per address: an entry
// is created when the upstream notifies us of a mempool tx, and drains as
// confirmations arrive.
type watchlist struct {
	byAddress map[string]map[string]struct{}
}

func newWatchlist() *watchlist {
	return &watchlist{byAddress: make(map[string]map[string]struct{})}
}

// Add records that addr has an unconfirmed tx txid. Returns true if this is
// the address's first watched tx.
func (w *watchlist) Add(addr, txid string) (firstForAddress bool) {
	txs, ok := w.byAddress[addr]
	if !ok {
		txs = make(map[string]struct{})
		w.byAddress[addr] = txs
	}
	_, already := txs[txid]
	txs[txid] = struct{}{}
	return !ok && !already
}

// Confirm drops txid from addr's set. Returns true if at least one tx was
// actually present (i.e. the caller should emit an update), and whether the
// address's watchlist entry is now empty and was removed.
func (w *watchlist) Confirm(addr, txid string) (dropped, emptied bool) {
	txs, ok := w.byAddress[addr]
	if !ok {
		return false, false
	}
	if _, ok := txs[txid]; !ok {
		return false, false
	}
	delete(txs, txid)
	dropped = true
	if len(txs) == 0 {
		delete(w.byAddress, addr)
		emptied = true
	}
	return dropped, emptied
}

// Addresses returns every address currently being watched.
func (w *watchlist) Addresses() []string {
	out := make([]string, 0, len(w.byAddress))
	for addr := range w.byAddress {
		out = append(out, addr)
	}
	return out
}

// Forget removes addr from the watchlist entirely (used on subLost cleanup).
func (w *watchlist) Forget(addr string) {
	delete(w.byAddress, addr)
}
