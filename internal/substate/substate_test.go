package substate

import (
	"sync"
	"testing"
)

func TestTrackFirstSubscriber(t *testing.T) {
	s := New()
	if first := s.Track("c1", "addr1"); !first {
		t.Errorf("first Track should report isFirst=true")
	}
	if first := s.Track("c2", "addr1"); first {
		t.Errorf("second Track should report isFirst=false")
	}
	if !s.IsSubscribed("addr1") {
		t.Errorf("addr1 should be subscribed")
	}
}

func TestIdempotentSubscribeUnsubscribe(t *testing.T) {
	s := New()
	s.Track("c1", "addr1")
	s.Track("c1", "addr1")
	s.Track("c1", "addr1")

	if got := len(s.Subscribers("addr1")); got != 1 {
		t.Fatalf("reference count = %d, want 1", got)
	}

	if last := s.Untrack("c1", "addr1"); !last {
		t.Errorf("single unsubscribe should be last=true")
	}
	// Repeated unsubscribe of a non-subscription is a no-op.
	if last := s.Untrack("c1", "addr1"); last {
		t.Errorf("repeated unsubscribe should report last=false")
	}
	if s.IsSubscribed("addr1") {
		t.Errorf("addr1 should no longer be subscribed")
	}
}

func TestUntrackLastSubscriber(t *testing.T) {
	s := New()
	s.Track("c1", "addr1")
	s.Track("c2", "addr1")

	if last := s.Untrack("c1", "addr1"); last {
		t.Errorf("c1 leaving should not be last")
	}
	if last := s.Untrack("c2", "addr1"); !last {
		t.Errorf("c2 leaving should be last")
	}
}

func TestCleanupReturnsOrphanedAddresses(t *testing.T) {
	s := New()
	s.Track("c1", "addr1")
	s.Track("c1", "addr2")
	s.Track("c2", "addr1") // shared with c1

	orphaned := s.Cleanup("c1")
	gotSet := map[string]bool{}
	for _, a := range orphaned {
		gotSet[a] = true
	}
	if !gotSet["addr2"] || gotSet["addr1"] {
		t.Errorf("Cleanup(c1) = %v, want only addr2 orphaned (addr1 still held by c2)", orphaned)
	}
	if !s.IsSubscribed("addr1") {
		t.Errorf("addr1 should still be subscribed via c2")
	}
	if s.IsSubscribed("addr2") {
		t.Errorf("addr2 should have been forgotten")
	}
	// Cleanup of an unknown/already-cleaned connection is a no-op.
	if out := s.Cleanup("c1"); out != nil {
		t.Errorf("second Cleanup(c1) = %v, want nil", out)
	}
}

func TestForgetRemovesAllSubscribers(t *testing.T) {
	s := New()
	s.Track("c1", "addr1")
	s.Track("c2", "addr1")
	s.Forget("addr1")
	if s.IsSubscribed("addr1") {
		t.Errorf("addr1 should be forgotten")
	}
	if len(s.Subscribers("addr1")) != 0 {
		t.Errorf("Subscribers should be empty after Forget")
	}
}

// TestInvariantMutualInverse drives concurrent track/untrack across many
// goroutines and checks the two maps stay mutually consistent at the end.
func TestInvariantMutualInverse(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := ConnID(string(rune('a' + i%5)))
			for j := 0; j < 50; j++ {
				s.Track(conn, "addr1")
				s.Untrack(conn, "addr1")
			}
		}(i)
	}
	wg.Wait()

	s.mu.Lock()
	for addr, conns := range s.addressToConns {
		for conn := range conns {
			if _, ok := s.connToAddrs[conn][addr]; !ok {
				t.Errorf("addressToConns[%s] has %s but connToAddrs is missing the inverse", addr, conn)
			}
		}
	}
	for conn, addrs := range s.connToAddrs {
		for addr := range addrs {
			if _, ok := s.addressToConns[addr][conn]; !ok {
				t.Errorf("connToAddrs[%s] has %s but addressToConns is missing the inverse", conn, addr)
			}
		}
	}
	s.mu.Unlock()
}
