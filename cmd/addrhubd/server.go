package main

import (
	"net/http"
	"sync/atomic"
)

// roundRobin distributes incoming client connections across N independent
// worker hubs the way a fronting load balancer would across forked worker
// processes: each request is handed to the next worker's session.Handler
// in turn.
type roundRobin struct {
	handlers []http.Handler
	next     atomic.Uint64
}

func newRoundRobin(handlers []http.Handler) *roundRobin {
	return &roundRobin{handlers: handlers}
}

func (r *roundRobin) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	i := r.next.Add(1) - 1
	r.handlers[i%uint64(len(r.handlers))].ServeHTTP(w, req)
}

// readinessHandler answers process-manager liveness probes: 200 once every
// worker's plugins have finished constructing their adapters, 503 before
// that.
type readinessHandler struct {
	ready atomic.Bool
}

func (h *readinessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
