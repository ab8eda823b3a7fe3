package evmrpc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/edgeapp/addrhub/internal/adapter"
	"github.com/edgeapp/addrhub/internal/config"
	"github.com/edgeapp/addrhub/internal/log"
	"github.com/edgeapp/addrhub/internal/metrics"
)

const (
	pollInterval      = 4 * time.Second
	getLogsMaxRetries = 10
	getLogsRetryDelay = 250 * time.Millisecond
)

// Scanner is the historical-lookup capability this adapter delegates Scan
// to; *scanbackend.Pool satisfies it.
type Scanner interface {
	Scan(ctx context.Context, address, checkpoint string) (bool, error)
}

// Adapter is the block-polling upstream adapter for one EVM-style plugin.
type Adapter struct {
	pluginID          string
	normalize         bool
	internalTransfers bool
	client            *client
	scanner           Scanner
	log               *log.Logger

	mu         sync.Mutex
	subscribed map[string]string // normalized -> original case

	updates  chan adapter.Update
	subLosts chan adapter.SubLost
	cancel   context.CancelFunc
	done     chan struct{}
}

// New constructs an EVM-RPC adapter. scanner may be nil if no scan backend
// is configured for this plugin (Scan then reports ErrScanNotSupported).
func New(pluginID string, pc config.PluginConfig, cfg *config.Config, scanner Scanner, m *metrics.HubMetrics, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	l := logger.Module("evmrpc").WithPlugin(pluginID)

	rpc := newClient(pc.RPCURLs, cfg, l)
	rpc.metrics = m
	rpc.pluginID = pluginID

	a := &Adapter{
		pluginID:          pluginID,
		normalize:         pc.NormalizeAddress,
		internalTransfers: pc.InternalTransfersEnabled(),
		client:            rpc,
		scanner:           scanner,
		log:               l,
		subscribed:        make(map[string]string),
		updates:           make(chan adapter.Update, 256),
		subLosts:          make(chan adapter.SubLost, 16),
		done:              make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.blockWatchLoop(ctx)
	return a
}

func (a *Adapter) PluginID() string { return a.pluginID }

func (a *Adapter) normalizeAddr(addr string) string {
	if a.normalize {
		return strings.ToLower(addr)
	}
	return addr
}

// Subscribe is a pure in-memory mutation; the block-watch loop is always
// running regardless of the subscribed-address set.
func (a *Adapter) Subscribe(ctx context.Context, addr string) (bool, error) {
	a.mu.Lock()
	a.subscribed[a.normalizeAddr(addr)] = addr
	a.mu.Unlock()
	return true, nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, addr string) error {
	a.mu.Lock()
	delete(a.subscribed, a.normalizeAddr(addr))
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Scan(ctx context.Context, addr, checkpoint string) (bool, error) {
	if a.scanner == nil {
		return false, adapter.ErrScanNotSupported
	}
	return a.scanner.Scan(ctx, addr, checkpoint)
}

func (a *Adapter) Events() adapter.Events {
	return adapter.Events{Updates: a.updates, SubLosts: a.subLosts}
}

func (a *Adapter) Destroy() {
	a.cancel()
	<-a.done
}

func (a *Adapter) blockWatchLoop(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastSeen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		latest, err := a.blockNumber(ctx)
		if err != nil {
			a.log.Warn("poll block number failed", "err", err)
			continue
		}
		if lastSeen == 0 {
			lastSeen = latest
			continue
		}
		for n := lastSeen + 1; n <= latest; n++ {
			if err := a.processBlock(ctx, n); err != nil {
				a.log.Error("process block failed", "block", n, "err", err)
			}
		}
		lastSeen = latest
	}
}

func (a *Adapter) blockNumber(ctx context.Context) (uint64, error) {
	var hex string
	if err := a.client.Call(ctx, "eth_blockNumber", nil, &hex); err != nil {
		return 0, err
	}
	return parseHexUint(hex)
}

func (a *Adapter) processBlock(ctx context.Context, number uint64) error {
	hexNum := "0x" + strconv.FormatUint(number, 16)

	var block rpcBlock
	if err := a.client.Call(ctx, "eth_getBlockByNumber", []any{hexNum, true}, &block); err != nil {
		return fmt.Errorf("getBlockByNumber: %w", err)
	}

	a.mu.Lock()
	subscribed := make(map[string]string, len(a.subscribed))
	for k, v := range a.subscribed {
		subscribed[k] = v
	}
	a.mu.Unlock()

	marked := make(map[string]struct{})
	mark := func(addr string) {
		norm := strings.ToLower(addr)
		if orig, ok := subscribed[norm]; ok {
			marked[orig] = struct{}{}
		}
	}

	for _, tx := range block.Transactions {
		mark(tx.From)
		mark(tx.To)
	}

	if err := a.scanLogs(ctx, block.Hash, mark); err != nil {
		a.log.Error("getLogs exhausted retries for block", "block", number, "err", err)
	}

	if a.internalTransfers {
		a.scanInternalTransfers(ctx, block, mark)
	}

	checkpoint := strconv.FormatUint(number, 10)
	for addr := range marked {
		select {
		case a.updates <- adapter.Update{Address: addr, Checkpoint: checkpoint}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// scanLogs queries ERC20 Transfer logs for the block, retrying up to
// getLogsMaxRetries times with linear backoff on error. Exhausting the
// retries aborts log-derived updates for the whole block, not per address.
func (a *Adapter) scanLogs(ctx context.Context, blockHash string, mark func(string)) error {
	var logs []rpcLog
	var err error
	for attempt := 1; attempt <= getLogsMaxRetries; attempt++ {
		filter := map[string]any{
			"blockHash": blockHash,
			"topics":    []any{erc20TransferTopic},
		}
		err = a.client.Call(ctx, "eth_getLogs", []any{filter}, &logs)
		if err == nil {
			break
		}
		select {
		case <-time.After(getLogsRetryDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	for _, l := range logs {
		if len(l.Topics) < 2 {
			continue
		}
		for _, topic := range l.Topics[1:] {
			mark(topicAddress(topic))
		}
	}
	return nil
}

// scanInternalTransfers attempts trace_block first, falling back to
// per-transaction debug_traceTransaction on failure.
func (a *Adapter) scanInternalTransfers(ctx context.Context, block rpcBlock, mark func(string)) {
	var results []traceBlockResult
	tracerOpts := map[string]any{"tracer": "callTracer"}

	if err := a.client.Call(ctx, "trace_block", []any{block.Hash, tracerOpts}, &results); err == nil {
		for _, r := range results {
			r.Result.walk(func(from, to string) { mark(from); mark(to) })
		}
		return
	}

	for _, tx := range block.Transactions {
		var frame callFrame
		if err := a.client.Call(ctx, "debug_traceTransaction", []any{tx.Hash, tracerOpts}, &frame); err != nil {
			a.log.Warn("debug_traceTransaction failed", "tx", tx.Hash, "err", err)
			continue
		}
		frame.walk(func(from, to string) { mark(from); mark(to) })
	}
}

func parseHexUint(hex string) (uint64, error) {
	hex = strings.TrimPrefix(hex, "0x")
	if hex == "" {
		return 0, nil
	}
	return strconv.ParseUint(hex, 16, 64)
}
