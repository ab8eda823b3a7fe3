// Package substate implements the per-plugin bidirectional subscription
// index: a pure data structure answering "is this the first/last subscriber
// for address A?" under concurrent access from one plugin's goroutines.
package substate

import "sync"

// ConnID identifies a client connection.
type ConnID string

// State tracks, for one plugin, the bidirectional index between normalized
// addresses and the connections subscribed to them: a single mutex per
// plugin guards every operation, so the two maps are always mutually
// consistent to an outside observer.
type State struct {
	mu             sync.Mutex
	addressToConns map[string]map[ConnID]struct{}
	connToAddrs    map[ConnID]map[string]struct{}
}

// New creates an empty subscription state for one plugin.
func New() *State {
	return &State{
		addressToConns: make(map[string]map[ConnID]struct{}),
		connToAddrs:    make(map[ConnID]map[string]struct{}),
	}
}

// Track records that conn subscribes to addr. It returns true iff this is
// the first subscriber for addr (the caller must then subscribe upstream).
// Idempotent: tracking the same (conn, addr) pair again is a no-op that
// returns false.
func (s *State) Track(conn ConnID, addr string) (isFirst bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, addrExists := s.addressToConns[addr]
	if !addrExists {
		conns = make(map[ConnID]struct{})
		s.addressToConns[addr] = conns
	}
	if _, already := conns[conn]; already {
		return false
	}
	conns[conn] = struct{}{}

	addrs, connExists := s.connToAddrs[conn]
	if !connExists {
		addrs = make(map[string]struct{})
		s.connToAddrs[conn] = addrs
	}
	addrs[addr] = struct{}{}

	return !addrExists
}

// Untrack removes the (conn, addr) subscription. It returns true iff that
// was the last subscriber for addr (the caller must then unsubscribe
// upstream). Idempotent: untracking a non-existent subscription is a no-op
// that returns false.
func (s *State) Untrack(conn ConnID, addr string) (isLast bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.untrackLocked(conn, addr)
}

func (s *State) untrackLocked(conn ConnID, addr string) bool {
	conns, ok := s.addressToConns[addr]
	if !ok {
		return false
	}
	if _, ok := conns[conn]; !ok {
		return false
	}
	delete(conns, conn)

	if addrs, ok := s.connToAddrs[conn]; ok {
		delete(addrs, addr)
		if len(addrs) == 0 {
			delete(s.connToAddrs, conn)
		}
	}

	if len(conns) == 0 {
		delete(s.addressToConns, addr)
		return true
	}
	return false
}

// Cleanup removes every subscription held by conn (on client disconnect) and
// returns the addresses whose subscriber set is now empty — i.e. the
// addresses the caller must unsubscribe upstream.
func (s *State) Cleanup(conn ConnID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs, ok := s.connToAddrs[conn]
	if !ok {
		return nil
	}
	// Snapshot before mutating: untrackLocked deletes from this same map.
	list := make([]string, 0, len(addrs))
	for addr := range addrs {
		list = append(list, addr)
	}

	var orphaned []string
	for _, addr := range list {
		if s.untrackLocked(conn, addr) {
			orphaned = append(orphaned, addr)
		}
	}
	return orphaned
}

// Subscribers returns a snapshot of every connection currently subscribed to
// addr. Used for outbound fan-out.
func (s *State) Subscribers(addr string) []ConnID {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.addressToConns[addr]
	if !ok {
		return nil
	}
	out := make([]ConnID, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

// Forget removes address from the index entirely without touching upstream
// state, used when a subLost notification tells clients to re-subscribe.
func (s *State) Forget(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.addressToConns[addr]
	if !ok {
		return
	}
	for conn := range conns {
		if addrs, ok := s.connToAddrs[conn]; ok {
			delete(addrs, addr)
			if len(addrs) == 0 {
				delete(s.connToAddrs, conn)
			}
		}
	}
	delete(s.addressToConns, addr)
}

// IsSubscribed reports whether any connection currently subscribes to addr —
// the "upstream parity" invariant is addressToConns[a].size >= 1 iff this is
// true.
func (s *State) IsSubscribed(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.addressToConns[addr]
	return ok && len(conns) > 0
}

// ActiveAddressCount returns the number of addresses with at least one
// subscriber, used for the active_subscriptions gauge.
func (s *State) ActiveAddressCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.addressToConns)
}
