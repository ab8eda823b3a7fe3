package session

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgeapp/addrhub/internal/adapter"
	"github.com/edgeapp/addrhub/internal/addrtypes"
	"github.com/edgeapp/addrhub/internal/hub"
	"github.com/edgeapp/addrhub/internal/metrics"
)

// stubAdapter is a minimal in-memory adapter.Adapter used to drive the
// session/hub wiring end to end without any real upstream.
type stubAdapter struct {
	pluginID string
	scanFunc func(addr, checkpoint string) (bool, error)
	updates  chan adapter.Update
	subLosts chan adapter.SubLost
}

func newStubAdapter(pluginID string) *stubAdapter {
	return &stubAdapter{
		pluginID: pluginID,
		updates:  make(chan adapter.Update, 8),
		subLosts: make(chan adapter.SubLost, 8),
	}
}

func (s *stubAdapter) PluginID() string                                         { return s.pluginID }
func (s *stubAdapter) Subscribe(ctx context.Context, addr string) (bool, error) { return true, nil }
func (s *stubAdapter) Unsubscribe(ctx context.Context, addr string) error       { return nil }
func (s *stubAdapter) Scan(ctx context.Context, addr, checkpoint string) (bool, error) {
	if s.scanFunc == nil {
		return false, adapter.ErrScanNotSupported
	}
	return s.scanFunc(addr, checkpoint)
}
func (s *stubAdapter) Events() adapter.Events {
	return adapter.Events{Updates: s.updates, SubLosts: s.subLosts}
}
func (s *stubAdapter) Destroy() {}

func dialTestServer(t *testing.T, h *hub.Hub) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(NewHandler(h, nil))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	ID json.RawMessage `json:"id"`
}

// A plugin whose scan returns false for the supplied checkpoint yields
// subscribe result code 1 ("no change").
func TestSubscribeScanNoChange(t *testing.T) {
	reg := metrics.NewRegistry()
	h := hub.New(metrics.NewHubMetrics(reg), nil)
	defer h.Destroy()

	a := newStubAdapter("scan")
	a.scanFunc = func(addr, checkpoint string) (bool, error) { return false, nil }
	h.RegisterPlugin(addrtypes.Plugin{ID: "scan", Variant: addrtypes.VariantBlockPoller}, a)

	conn, cleanup := dialTestServer(t, h)
	defer cleanup()

	req := `{"jsonrpc":"2.0","id":"1","method":"subscribe","params":[[["scan","addr1","999999999"]]]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	var results []int
	if err := json.Unmarshal(resp.Result, &results); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(results) != 1 || results[0] != hub.ResultNoChange {
		t.Fatalf("results = %v, want [%d]", results, hub.ResultNoChange)
	}
}

// An unknown plugin id yields result code -1.
func TestSubscribeUnknownPlugin(t *testing.T) {
	reg := metrics.NewRegistry()
	h := hub.New(metrics.NewHubMetrics(reg), nil)
	defer h.Destroy()

	conn, cleanup := dialTestServer(t, h)
	defer cleanup()

	req := `{"jsonrpc":"2.0","id":"1","method":"subscribe","params":[[["nope","addr1"]]]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	var results []int
	if err := json.Unmarshal(resp.Result, &results); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(results) != 1 || results[0] != hub.ResultUnknownPlugin {
		t.Fatalf("results = %v, want [%d]", results, hub.ResultUnknownPlugin)
	}
}

// A plugin with no scan capability always reports "changed".
func TestSubscribeNoScanPlugin(t *testing.T) {
	reg := metrics.NewRegistry()
	h := hub.New(metrics.NewHubMetrics(reg), nil)
	defer h.Destroy()

	a := newStubAdapter("noscan")
	h.RegisterPlugin(addrtypes.Plugin{ID: "noscan", Variant: addrtypes.VariantBlockPoller}, a)

	conn, cleanup := dialTestServer(t, h)
	defer cleanup()

	req := `{"jsonrpc":"2.0","id":"1","method":"subscribe","params":[[["noscan","addr1"]]]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	var results []int
	if err := json.Unmarshal(resp.Result, &results); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(results) != 1 || results[0] != hub.ResultChanged {
		t.Fatalf("results = %v, want [%d]", results, hub.ResultChanged)
	}
}

// A malformed params array is rejected with -32602 rather than crashing
// the connection.
func TestSubscribeInvalidParams(t *testing.T) {
	reg := metrics.NewRegistry()
	h := hub.New(metrics.NewHubMetrics(reg), nil)
	defer h.Destroy()

	conn, cleanup := dialTestServer(t, h)
	defer cleanup()

	req := `{"jsonrpc":"2.0","id":"1","method":"subscribe","params":["not-an-array-of-tuples"]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("error = %+v, want code -32602", resp.Error)
	}
}

// Closing the client transport must not leave the hub holding a stale
// connection entry.
func TestCloseRemovesConnection(t *testing.T) {
	reg := metrics.NewRegistry()
	h := hub.New(metrics.NewHubMetrics(reg), nil)
	defer h.Destroy()

	a := newStubAdapter("p")
	h.RegisterPlugin(addrtypes.Plugin{ID: "p", Variant: addrtypes.VariantBlockPoller}, a)

	conn, cleanup := dialTestServer(t, h)

	req := `{"jsonrpc":"2.0","id":"1","method":"subscribe","params":[[["p","addr1"]]]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read: %v", err)
	}

	cleanup()
	time.Sleep(200 * time.Millisecond)

	if reg.Gauge("connection_count", nil).Value() != 0 {
		t.Fatalf("connection_count = %d, want 0 after close", reg.Gauge("connection_count", nil).Value())
	}
}
