package evmrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/edgeapp/addrhub/internal/adapter"
	"github.com/edgeapp/addrhub/internal/config"
	"github.com/edgeapp/addrhub/internal/log"
)

func TestTopicAddress(t *testing.T) {
	topic := "0x000000000000000000000000aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	got := topicAddress(topic)
	want := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	if got != want {
		t.Errorf("topicAddress = %s, want %s", got, want)
	}
}

func TestParseHexUint(t *testing.T) {
	n, err := parseHexUint("0x1a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 26 {
		t.Errorf("n = %d, want 26", n)
	}
}

func TestProcessBlockMarksSubscribedAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "eth_getBlockByNumber":
			writeResult(w, req.ID, rpcBlock{
				Number: "0x2",
				Hash:   "0xblockhash",
				Transactions: []rpcTx{
					{Hash: "0xtx1", From: "0xAAA0000000000000000000000000000000000a", To: "0xbbb0000000000000000000000000000000000b"},
					{Hash: "0xtx2", From: "0xcccccccccccccccccccccccccccccccccccccc", To: "0xdddddddddddddddddddddddddddddddddddddd"},
				},
			})
		case "eth_getLogs":
			writeResult(w, req.ID, []rpcLog{})
		case "trace_block":
			writeError(w, req.ID, "not supported")
		default:
			writeResult(w, req.ID, nil)
		}
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	a := &Adapter{
		pluginID:   "ethereum",
		normalize:  true,
		client:     newClient([]string{srv.URL}, &cfg, log.Default()),
		log:        log.Default(),
		subscribed: map[string]string{"0xaaa0000000000000000000000000000000000a": "0xAAA0000000000000000000000000000000000a"},
		updates:    make(chan adapter.Update, 8),
		subLosts:   make(chan adapter.SubLost, 8),
	}

	if err := a.processBlock(context.Background(), 2); err != nil {
		t.Fatalf("processBlock error: %v", err)
	}

	select {
	case u := <-a.updates:
		if u.Address != "0xAAA0000000000000000000000000000000000a" {
			t.Errorf("update address = %s, want original-case subscribed address", u.Address)
		}
		if u.Checkpoint != "2" {
			t.Errorf("checkpoint = %s, want 2", u.Checkpoint)
		}
	default:
		t.Fatal("expected an update for the subscribed address")
	}

	select {
	case u := <-a.updates:
		t.Fatalf("unexpected second update: %+v", u)
	default:
	}
}

// Driving the block watcher with a monotonic block feed must yield
// monotonic checkpoints for the same address.
func TestCheckpointsFollowBlockFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch req.Method {
		case "eth_getBlockByNumber":
			num, _ := req.Params[0].(string)
			writeResult(w, req.ID, rpcBlock{
				Number: num,
				Hash:   "0xhash" + num,
				Transactions: []rpcTx{
					{Hash: "0xtx" + num, From: "0xaaa0000000000000000000000000000000000a", To: "0xfff"},
				},
			})
		case "eth_getLogs":
			writeResult(w, req.ID, []rpcLog{})
		default:
			writeResult(w, req.ID, nil)
		}
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	a := &Adapter{
		pluginID:   "ethereum",
		normalize:  true,
		client:     newClient([]string{srv.URL}, &cfg, log.Default()),
		log:        log.Default(),
		subscribed: map[string]string{"0xaaa0000000000000000000000000000000000a": "0xaaa0000000000000000000000000000000000a"},
		updates:    make(chan adapter.Update, 8),
		subLosts:   make(chan adapter.SubLost, 8),
	}

	var prev uint64
	for _, n := range []uint64{2, 3, 5} {
		if err := a.processBlock(context.Background(), n); err != nil {
			t.Fatalf("processBlock(%d): %v", n, err)
		}
		u := <-a.updates
		cp, err := strconv.ParseUint(u.Checkpoint, 10, 64)
		if err != nil {
			t.Fatalf("checkpoint %q: %v", u.Checkpoint, err)
		}
		if cp < prev {
			t.Fatalf("checkpoint went backwards: %d after %d", cp, prev)
		}
		prev = cp
	}
}

func writeResult(w http.ResponseWriter, id int, result any) {
	raw, _ := json.Marshal(result)
	respWithID := struct {
		ID     int             `json:"id"`
		Result json.RawMessage `json:"result"`
	}{ID: id, Result: raw}
	json.NewEncoder(w).Encode(respWithID)
}

func writeError(w http.ResponseWriter, id int, msg string) {
	respWithID := struct {
		ID    int       `json:"id"`
		Error *rpcError `json:"error"`
	}{ID: id, Error: &rpcError{Code: -1, Message: msg}}
	json.NewEncoder(w).Encode(respWithID)
}
