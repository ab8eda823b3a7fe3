package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/edgeapp/addrhub/internal/adapter"
	"github.com/edgeapp/addrhub/internal/addrtypes"
	"github.com/edgeapp/addrhub/internal/codec"
	"github.com/edgeapp/addrhub/internal/metrics"
)

// fakeAdapter is a fully in-memory stand-in for adapter.Adapter, letting
// these tests drive the hub's dispatch logic deterministically without any
// real transport.
type fakeAdapter struct {
	pluginID string

	mu           sync.Mutex
	subscribed   map[string]bool
	subscribeOK  bool
	subscribeErr error
	scanFunc     func(addr, checkpoint string) (bool, error)

	updates  chan adapter.Update
	subLosts chan adapter.SubLost
}

func newFakeAdapter(pluginID string) *fakeAdapter {
	return &fakeAdapter{
		pluginID:    pluginID,
		subscribed:  make(map[string]bool),
		subscribeOK: true,
		updates:     make(chan adapter.Update, 16),
		subLosts:    make(chan adapter.SubLost, 16),
	}
}

func (f *fakeAdapter) PluginID() string { return f.pluginID }

func (f *fakeAdapter) Subscribe(ctx context.Context, addr string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return false, f.subscribeErr
	}
	if f.subscribeOK {
		f.subscribed[addr] = true
	}
	return f.subscribeOK, nil
}

func (f *fakeAdapter) Unsubscribe(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed, addr)
	return nil
}

func (f *fakeAdapter) Scan(ctx context.Context, addr, checkpoint string) (bool, error) {
	if f.scanFunc == nil {
		return false, adapter.ErrScanNotSupported
	}
	return f.scanFunc(addr, checkpoint)
}

func (f *fakeAdapter) Events() adapter.Events {
	return adapter.Events{Updates: f.updates, SubLosts: f.subLosts}
}

func (f *fakeAdapter) Destroy() {}

func newTestHub() (*Hub, *metrics.Registry) {
	reg := metrics.NewRegistry()
	h := New(metrics.NewHubMetrics(reg), nil)
	return h, reg
}

// recordingCodec captures every notification sent to a client connection
// without needing a real websocket.
type recordingCodec struct {
	codec *codec.Codec
	sent  chan sentNotification
}

type sentNotification struct {
	method string
	params []json.RawMessage
}

func newRecordingCodec() *recordingCodec {
	rc := &recordingCodec{sent: make(chan sentNotification, 32)}
	rc.codec = codec.New(codec.CanonicalDialect{}, rc.capture, nil)
	return rc
}

func (rc *recordingCodec) capture(raw []byte) error {
	var req codec.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	rc.sent <- sentNotification{method: req.Method, params: req.Params}
	return nil
}

func waitNotification(t *testing.T, ch chan sentNotification) sentNotification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return sentNotification{}
	}
}

func assertNoNotification(t *testing.T, ch chan sentNotification) {
	t.Helper()
	select {
	case n := <-ch:
		t.Fatalf("unexpected notification: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

const testPlugin = "ethereum"

func setupHubWithPlugin(t *testing.T) (*Hub, *fakeAdapter) {
	t.Helper()
	h, _ := newTestHub()
	fa := newFakeAdapter(testPlugin)
	h.RegisterPlugin(addrtypes.Plugin{ID: testPlugin, Variant: addrtypes.VariantBlockPoller, Normalize: true}, fa)
	return h, fa
}

// The first subscriber for an address triggers an upstream subscribe.
func TestSubscribeFirstSubscriberCallsUpstream(t *testing.T) {
	h, fa := setupHubWithPlugin(t)
	defer h.Destroy()

	rc := newRecordingCodec()
	h.AddConnection("conn1", rc.codec, "127.0.0.1")

	results := h.Subscribe(context.Background(), "conn1", []SubscribeTuple{
		{PluginID: testPlugin, Address: "0xABC", Checkpoint: ""},
	})
	if len(results) != 1 || results[0] != ResultChanged {
		t.Fatalf("results = %v, want [ResultChanged]", results)
	}
	fa.mu.Lock()
	subscribed := fa.subscribed["0xABC"]
	fa.mu.Unlock()
	if !subscribed {
		t.Fatal("expected upstream Subscribe to have been called")
	}
}

func TestSubscribeRefusedReturnsResultRefused(t *testing.T) {
	h, fa := setupHubWithPlugin(t)
	defer h.Destroy()
	fa.subscribeOK = false

	results := h.Subscribe(context.Background(), "conn1", []SubscribeTuple{
		{PluginID: testPlugin, Address: "0xABC"},
	})
	if results[0] != ResultRefused {
		t.Fatalf("result = %d, want ResultRefused", results[0])
	}
}

func TestSubscribeUnknownPlugin(t *testing.T) {
	h, _ := setupHubWithPlugin(t)
	defer h.Destroy()

	results := h.Subscribe(context.Background(), "conn1", []SubscribeTuple{
		{PluginID: "bitcoin", Address: "0xABC"},
	})
	if results[0] != ResultUnknownPlugin {
		t.Fatalf("result = %d, want ResultUnknownPlugin", results[0])
	}
}

// Checkpoint present and scan reports no change -> ResultNoChange.
func TestSubscribeWithCheckpointNoChange(t *testing.T) {
	h, fa := setupHubWithPlugin(t)
	defer h.Destroy()
	fa.scanFunc = func(addr, checkpoint string) (bool, error) { return false, nil }

	results := h.Subscribe(context.Background(), "conn1", []SubscribeTuple{
		{PluginID: testPlugin, Address: "0xABC", Checkpoint: "100"},
	})
	if results[0] != ResultNoChange {
		t.Fatalf("result = %d, want ResultNoChange", results[0])
	}
}

func TestSubscribeWithCheckpointScanNotSupported(t *testing.T) {
	h, _ := setupHubWithPlugin(t)
	defer h.Destroy()

	results := h.Subscribe(context.Background(), "conn1", []SubscribeTuple{
		{PluginID: testPlugin, Address: "0xABC", Checkpoint: "100"},
	})
	if results[0] != ResultChanged {
		t.Fatalf("result = %d, want ResultChanged", results[0])
	}
}

// A second subscriber on the same address must not re-trigger an upstream
// subscribe call.
func TestSubscribeSecondSubscriberSkipsUpstream(t *testing.T) {
	h, fa := setupHubWithPlugin(t)
	defer h.Destroy()

	h.Subscribe(context.Background(), "conn1", []SubscribeTuple{{PluginID: testPlugin, Address: "0xABC"}})
	fa.mu.Lock()
	fa.subscribed = map[string]bool{"0xABC": true}
	fa.subscribeOK = false // if called again, this would now flip to refused
	fa.mu.Unlock()

	results := h.Subscribe(context.Background(), "conn2", []SubscribeTuple{{PluginID: testPlugin, Address: "0xABC"}})
	if results[0] != ResultChanged {
		t.Fatalf("second subscriber result = %d, want ResultChanged (no re-subscribe)", results[0])
	}
}

// An upstream Update fans out only to connections currently subscribed to
// the affected address.
func TestFanOutDeliversUpdateOnlyToSubscribers(t *testing.T) {
	h, fa := setupHubWithPlugin(t)
	defer h.Destroy()

	rcA := newRecordingCodec()
	rcB := newRecordingCodec()
	h.AddConnection("connA", rcA.codec, "127.0.0.1")
	h.AddConnection("connB", rcB.codec, "127.0.0.2")

	h.Subscribe(context.Background(), "connA", []SubscribeTuple{{PluginID: testPlugin, Address: "0xABC"}})

	fa.updates <- adapter.Update{Address: "0xABC", Checkpoint: "42"}

	n := waitNotification(t, rcA.sent)
	if n.method != "update" {
		t.Fatalf("method = %q, want update", n.method)
	}
	assertNoNotification(t, rcB.sent)
}

// A SubLost notification reaches every subscriber and forgets the
// subscription so a later resubscribe re-establishes it upstream.
func TestSubLostNotifiesAndForgetsSubscription(t *testing.T) {
	h, fa := setupHubWithPlugin(t)
	defer h.Destroy()

	rc := newRecordingCodec()
	h.AddConnection("conn1", rc.codec, "127.0.0.1")
	h.Subscribe(context.Background(), "conn1", []SubscribeTuple{{PluginID: testPlugin, Address: "0xABC"}})

	fa.subLosts <- adapter.SubLost{Addresses: []string{"0xABC"}}

	n := waitNotification(t, rc.sent)
	if n.method != "subLost" {
		t.Fatalf("method = %q, want subLost", n.method)
	}

	fa.mu.Lock()
	fa.subscribed = map[string]bool{}
	fa.mu.Unlock()

	results := h.Subscribe(context.Background(), "conn1", []SubscribeTuple{{PluginID: testPlugin, Address: "0xABC"}})
	if results[0] != ResultChanged {
		t.Fatalf("resubscribe after subLost result = %d, want ResultChanged", results[0])
	}
	fa.mu.Lock()
	subscribed := fa.subscribed["0xABC"]
	fa.mu.Unlock()
	if !subscribed {
		t.Fatal("expected resubscribe to call upstream Subscribe again after subLost forgot the address")
	}
}

// Closing a connection unsubscribes every address it uniquely held, leaving
// shared addresses alone.
func TestCloseConnectionUnsubscribesOrphanedAddressesOnly(t *testing.T) {
	h, fa := setupHubWithPlugin(t)
	defer h.Destroy()

	h.AddConnection("connA", newRecordingCodec().codec, "127.0.0.1")
	h.AddConnection("connB", newRecordingCodec().codec, "127.0.0.2")

	h.Subscribe(context.Background(), "connA", []SubscribeTuple{
		{PluginID: testPlugin, Address: "0xSOLE"},
		{PluginID: testPlugin, Address: "0xSHARED"},
	})
	h.Subscribe(context.Background(), "connB", []SubscribeTuple{
		{PluginID: testPlugin, Address: "0xSHARED"},
	})

	h.CloseConnection("connA")

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.subscribed["0xSOLE"] {
		t.Error("0xSOLE should have been unsubscribed upstream once its only holder closed")
	}
	if !fa.subscribed["0xSHARED"] {
		t.Error("0xSHARED is still held by connB and must remain subscribed upstream")
	}
}

func TestUnsubscribeLastHolderCallsUpstream(t *testing.T) {
	h, fa := setupHubWithPlugin(t)
	defer h.Destroy()

	h.Subscribe(context.Background(), "conn1", []SubscribeTuple{{PluginID: testPlugin, Address: "0xABC"}})
	h.Unsubscribe(context.Background(), "conn1", []UnsubscribeTuple{{PluginID: testPlugin, Address: "0xABC"}})

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.subscribed["0xABC"] {
		t.Error("expected upstream Unsubscribe to have been called for the last holder")
	}
}
