package scanbackend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgeapp/addrhub/internal/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	return &cfg
}

func TestScanAbsentCheckpointAlwaysChanged(t *testing.T) {
	b := New("http://unused.example", "", testConfig(), NewGlobal(), nil)
	changed, err := b.Scan(context.Background(), "0xabc", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Error("absent checkpoint must always report changed")
	}
}

func TestScanNoActivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"0","message":"No transactions found","result":[]}`))
	}))
	defer srv.Close()

	b := New(srv.URL, "", testConfig(), NewGlobal(), nil)
	changed, err := b.Scan(context.Background(), "0xabc", "100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Error("expected no activity")
	}
}

func TestScanActivityOnTxList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"1","message":"OK","result":[{"hash":"0x1"}]}`))
	}))
	defer srv.Close()

	b := New(srv.URL, "", testConfig(), NewGlobal(), nil)
	changed, err := b.Scan(context.Background(), "0xabc", "100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Error("expected activity detected via txlist")
	}
}

func TestScanFallsBackToTokenTx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := r.URL.Query().Get("action")
		if action == "tokentx" {
			w.Write([]byte(`{"status":"1","message":"OK","result":[{"hash":"0x2"}]}`))
			return
		}
		w.Write([]byte(`{"status":"0","message":"No transactions found","result":[]}`))
	}))
	defer srv.Close()

	b := New(srv.URL, "", testConfig(), NewGlobal(), nil)
	changed, err := b.Scan(context.Background(), "0xabc", "100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Error("expected activity detected via tokentx fallback")
	}
}

func TestScanHTTPErrorThrows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := New(srv.URL, "", testConfig(), NewGlobal(), nil)
	_, err := b.Scan(context.Background(), "0xabc", "100")
	if err == nil {
		t.Error("expected an error on non-200 response")
	}
}

func TestPoolFailOpenWhenAllError(t *testing.T) {
	pool := NewPool(erroringScanner{}, erroringScanner{})
	changed, err := pool.Scan(context.Background(), "0xabc", "100")
	if err != nil {
		t.Fatalf("pool itself should not error: %v", err)
	}
	if !changed {
		t.Error("fail-open: pool must report changed when every backend errors")
	}
}

func TestPoolSkipsErroringBackends(t *testing.T) {
	pool := NewPool(erroringScanner{}, erroringScanner{}, falseScanner{})
	changed, err := pool.Scan(context.Background(), "0xabc", "100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Error("expected the one non-erroring backend (false) to settle the result")
	}
}

type erroringScanner struct{}

func (erroringScanner) Scan(context.Context, string, string) (bool, error) {
	return false, errors.New("boom")
}

type falseScanner struct{}

func (falseScanner) Scan(context.Context, string, string) (bool, error) { return false, nil }
