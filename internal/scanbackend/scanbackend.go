// Package scanbackend implements the historical-activity lookup: given an
// address and a checkpoint, ask an Etherscan-compatible explorer API
// whether anything happened since.
package scanbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/edgeapp/addrhub/internal/config"
	"github.com/edgeapp/addrhub/internal/log"
)

const (
	maxAttempts  = 10
	retryBackoff = 3 * time.Second
)

var rateLimitMarkers = []string{
	"Max calls per sec rate",
	"ETIMEDOUT",
	"RateLimitExceeded",
}

// Global holds the process-wide "currently throttled" flag. The flag stays
// per-process rather than per-backend, so that a rate limit hit by one
// backend makes every concurrent caller back off once before its first
// attempt. One Global is constructed at startup and shared by every Backend.
type Global struct {
	throttled atomic.Bool
}

// NewGlobal creates an un-throttled Global.
func NewGlobal() *Global { return &Global{} }

func (g *Global) Throttled() bool     { return g.throttled.Load() }
func (g *Global) SetThrottled(v bool) { g.throttled.Store(v) }

// Backend queries one Etherscan-compatible endpoint. Variant is inferred
// from whether ChainID is set: non-empty selects the v2 URL shape
// (`{base}/v2/api?...&chainId=...`), empty selects v1 (`{base}/api?...`).
type Backend struct {
	baseURL string
	chainID string

	cfg    *config.Config
	global *Global
	client *http.Client
	log    *log.Logger
}

// New constructs a Backend for one configured scan-backend URL.
func New(baseURL, chainID string, cfg *config.Config, global *Global, logger *log.Logger) *Backend {
	if logger == nil {
		logger = log.Default()
	}
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 0 // this package drives its own retry loop (body-content based, not status-based)
	return &Backend{
		baseURL: baseURL,
		chainID: chainID,
		cfg:     cfg,
		global:  global,
		client:  rc.StandardClient(),
		log:     logger.Module("scanbackend"),
	}
}

// Scan answers whether address has activity after checkpoint: an absent
// checkpoint always answers true; otherwise txlist is checked first, then
// tokentx.
func (b *Backend) Scan(ctx context.Context, address, checkpoint string) (bool, error) {
	if checkpoint == "" {
		return true, nil
	}
	addr := strings.ToLower(address)

	changed, err := b.query(ctx, addr, checkpoint, "txlist")
	if err != nil {
		return false, err
	}
	if changed {
		return true, nil
	}
	return b.query(ctx, addr, checkpoint, "tokentx")
}

func (b *Backend) query(ctx context.Context, addr, checkpoint, action string) (bool, error) {
	if b.global.Throttled() {
		sleep(ctx, retryBackoff)
	}

	startBlock, err := strconv.ParseUint(checkpoint, 10, 64)
	if err != nil {
		return false, fmt.Errorf("scanbackend: invalid checkpoint %q: %w", checkpoint, err)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		body, status, err := b.fetch(ctx, addr, startBlock+1, action)
		if err != nil {
			return false, err
		}
		if status != http.StatusOK {
			return false, fmt.Errorf("scanbackend: %s returned HTTP %d", b.baseURL, status)
		}
		if containsRateLimitMarker(body) {
			b.global.SetThrottled(true)
			b.log.Warn("scan backend rate limited, retrying", "url", b.baseURL, "attempt", attempt)
			sleep(ctx, retryBackoff*time.Duration(attempt))
			continue
		}
		b.global.SetThrottled(false)
		return parseEtherscanResult(body), nil
	}
	return false, fmt.Errorf("scanbackend: %s exhausted %d retries under rate limiting", b.baseURL, maxAttempts)
}

func (b *Backend) fetch(ctx context.Context, addr string, startBlock uint64, action string) ([]byte, int, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", action)
	q.Set("address", addr)
	q.Set("startblock", strconv.FormatUint(startBlock, 10))
	q.Set("endblock", "999999999")
	q.Set("sort", "asc")

	path := "/api"
	if b.chainID != "" {
		path = "/v2/api"
		q.Set("chainId", b.chainID)
	}
	if key, ok := b.cfg.ServiceKeyFor(b.baseURL); ok {
		q.Set("apikey", key)
	}

	rawURL := b.cfg.SubstituteURLParams(b.baseURL) + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("scanbackend: build request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("scanbackend: request %s: %w", b.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("scanbackend: read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func containsRateLimitMarker(body []byte) bool {
	s := string(body)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// parseEtherscanResult implements the loose Etherscan envelope check:
// status=="1" and a non-empty result array/value means "changed".
func parseEtherscanResult(body []byte) bool {
	var envelope struct {
		Status string `json:"status"`
		Result any    `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false
	}
	if envelope.Status != "1" {
		return false
	}
	switch r := envelope.Result.(type) {
	case []any:
		return len(r) > 0
	case string:
		return r != ""
	case nil:
		return false
	default:
		return true
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
