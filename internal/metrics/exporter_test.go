package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExporterWritesCountersAndGauges(t *testing.T) {
	reg := NewRegistry()
	hm := NewHubMetrics(reg)
	hm.ChangeEventCount("ethereum").Add(3)
	hm.ConnectionCount().Set(5)

	exp := NewExporter(reg)
	srv := httptest.NewServer(exp.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := string(raw)

	if !strings.Contains(body, `change_event_count{plugin="ethereum"} 3`) {
		t.Errorf("missing change_event_count line, got:\n%s", body)
	}
	if !strings.Contains(body, "connection_count 5") {
		t.Errorf("missing connection_count line, got:\n%s", body)
	}
}

func TestExporterRejectsPost(t *testing.T) {
	exp := NewExporter(NewRegistry())
	srv := httptest.NewServer(exp.Handler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/metrics", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 405 {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
