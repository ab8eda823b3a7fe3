// Package blockbook implements the Direct WebSocket upstream-adapter family:
// N pooled data connections plus one dedicated block-notification
// connection, talking the Blockbook JSON-RPC dialect.
package blockbook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/edgeapp/addrhub/internal/adapter"
	"github.com/edgeapp/addrhub/internal/codec"
	"github.com/edgeapp/addrhub/internal/log"
	"github.com/edgeapp/addrhub/internal/metrics"
)

const pingInterval = 50 * time.Second

type accountInfo struct {
	UnconfirmedTxs int         `json:"unconfirmedTxs"`
	Transactions   []accountTx `json:"transactions"`
}

type accountTx struct {
	Txid          string `json:"txid"`
	Confirmations int    `json:"confirmations"`
}

// Adapter is the Direct WebSocket upstream adapter for one Blockbook-family
// plugin.
type Adapter struct {
	pluginID string
	wsURL    string
	safeURL  string
	metrics  *metrics.HubMetrics
	log      *log.Logger

	mu        sync.Mutex
	pool      *addrPool
	dataConns map[int]*wsConn
	watchlist *watchlist
	blockConn *wsConn
	backoff   stepOffBackoff
	destroyed bool

	updates  chan adapter.Update
	subLosts chan adapter.SubLost
	cancel   context.CancelFunc
	done     chan struct{}
}

// New constructs a Blockbook adapter and starts its block connection and
// ping ticker.
func New(pluginID, wsURL string, m *metrics.HubMetrics, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	a := &Adapter{
		pluginID:  pluginID,
		wsURL:     wsURL,
		safeURL:   metrics.SafeURL(wsURL),
		metrics:   m,
		log:       logger.Module("blockbook").WithPlugin(pluginID),
		pool:      newAddrPool(),
		dataConns: make(map[int]*wsConn),
		watchlist: newWatchlist(),
		updates:   make(chan adapter.Update, 256),
		subLosts:  make(chan adapter.SubLost, 16),
		done:      make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.blockConnLoop(ctx)
	go a.pingLoop(ctx)
	return a
}

func (a *Adapter) PluginID() string { return a.pluginID }
func (a *Adapter) Events() adapter.Events {
	return adapter.Events{Updates: a.updates, SubLosts: a.subLosts}
}

func (a *Adapter) Destroy() {
	a.cancel()
	<-a.done

	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed = true
	for _, c := range a.dataConns {
		c.Close()
	}
	if a.blockConn != nil {
		a.blockConn.Close()
	}
}

// Subscribe appends addr to the tail data connection (opening a new one at
// capacity) and re-issues subscribeAddresses with the full resulting list.
func (a *Adapter) Subscribe(ctx context.Context, addr string) (bool, error) {
	a.mu.Lock()
	s, opened := a.pool.Place(addr)
	if opened {
		conn, err := dialWSConn(a.wsURL, codec.BlockbookDialect{}, a.log, a.dataConnClosed(s.id))
		if err != nil {
			a.pool.Remove(addr)
			a.mu.Unlock()
			if a.metrics != nil {
				a.metrics.UpstreamError(a.pluginID, a.safeURL).Inc()
			}
			return false, fmt.Errorf("blockbook: dial data connection: %w", err)
		}
		if a.metrics != nil {
			a.metrics.UpstreamConnect(a.pluginID, a.safeURL).Inc()
		}
		a.registerNotificationHandlers(conn)
		a.dataConns[s.id] = conn
	}
	conn := a.dataConns[s.id]
	addrs := s.AddressesOf()
	a.mu.Unlock()

	if err := issueSubscribeAddresses(conn, addrs); err != nil {
		a.log.Warn("subscribeAddresses failed", "addr", addr, "err", err)
		return false, nil
	}
	return true, nil
}

// Unsubscribe removes addr from its owning connection and re-issues
// subscribeAddresses; when the connection's list drains to empty it is
// closed and removed from the pool.
func (a *Adapter) Unsubscribe(ctx context.Context, addr string) error {
	a.mu.Lock()
	s, closedSlot := a.pool.Remove(addr)
	if s == nil {
		a.mu.Unlock()
		return nil
	}
	conn := a.dataConns[s.id]
	if closedSlot {
		delete(a.dataConns, s.id)
	}
	addrs := s.AddressesOf()
	a.watchlist.Forget(addr)
	a.mu.Unlock()

	if closedSlot {
		conn.Close()
		return nil
	}
	return issueSubscribeAddresses(conn, addrs)
}

// Scan asks the block connection for the address's transaction history
// since checkpoint. An absent checkpoint answers true without a query.
func (a *Adapter) Scan(ctx context.Context, addr, checkpoint string) (bool, error) {
	if checkpoint == "" {
		return true, nil
	}
	a.mu.Lock()
	conn := a.blockConn
	a.mu.Unlock()
	if conn == nil {
		return false, fmt.Errorf("blockbook: no block connection available")
	}

	info, err := getAccountInfo(conn, addr, "txs", checkpoint)
	if err != nil {
		return false, err
	}
	changed := info.UnconfirmedTxs > 0 || len(info.Transactions) > 0
	a.mu.Lock()
	for _, tx := range info.Transactions {
		if tx.Confirmations < 0 {
			a.watchlist.Add(addr, tx.Txid)
		}
	}
	a.mu.Unlock()
	return changed, nil
}

func issueSubscribeAddresses(conn *wsConn, addrs []string) error {
	raw, err := json.Marshal(addrs)
	if err != nil {
		return err
	}
	_, err = conn.codec.Call("subscribeAddresses", []json.RawMessage{raw})
	return err
}

func getAccountInfo(conn *wsConn, addr, details, from string) (*accountInfo, error) {
	params := map[string]any{"descriptor": addr, "details": details}
	if from != "" {
		params["from"] = from
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	result, err := conn.codec.Call("getAccountInfo", []json.RawMessage{raw})
	if err != nil {
		return nil, err
	}
	var info accountInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, fmt.Errorf("blockbook: decode getAccountInfo: %w", err)
	}
	return &info, nil
}

// registerNotificationHandlers wires the inbound push the upstream sends
// when a mempool tx touches a subscribed address: a subscribeAddresses
// "notification" (no id) carrying the address and tx.
func (a *Adapter) registerNotificationHandlers(conn *wsConn) {
	conn.codec.Register("subscribeAddresses", func(params []json.RawMessage) (any, error) {
		if len(params) == 0 {
			return nil, nil
		}
		var payload struct {
			Address string    `json:"address"`
			Tx      accountTx `json:"tx"`
		}
		if err := json.Unmarshal(params[0], &payload); err != nil {
			return nil, nil
		}
		a.watchlist.Add(payload.Address, payload.Tx.Txid)
		a.emitUpdate(adapter.Update{Address: payload.Address})
		return nil, nil
	}, true)
}

func (a *Adapter) dataConnClosed(slotID int) func() {
	return func() {
		a.mu.Lock()
		if a.destroyed {
			a.mu.Unlock()
			return
		}
		var owned []string
		for addr, s := range a.pool.owner {
			if s.id == slotID {
				owned = append(owned, addr)
			}
		}
		for _, addr := range owned {
			a.pool.Remove(addr)
			a.watchlist.Forget(addr)
		}
		delete(a.dataConns, slotID)
		a.mu.Unlock()
		if a.metrics != nil {
			a.metrics.UpstreamDisconnect(a.pluginID, a.safeURL).Inc()
		}

		if len(owned) > 0 {
			select {
			case a.subLosts <- adapter.SubLost{Addresses: owned}:
			default:
				a.log.Warn("subLost channel full, dropping event", "count", len(owned))
			}
		}
	}
}

func (a *Adapter) emitUpdate(u adapter.Update) {
	select {
	case a.updates <- u:
	default:
		a.log.Warn("update channel full, dropping event", "address", u.Address)
	}
}

func (a *Adapter) blockConnLoop(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := dialWSConn(a.wsURL, codec.BlockbookDialect{}, a.log, nil)
		if err != nil {
			a.log.Warn("block connection dial failed", "err", err)
			if a.metrics != nil {
				a.metrics.UpstreamError(a.pluginID, a.safeURL).Inc()
			}
			a.sleepBackoff(ctx)
			continue
		}
		if a.metrics != nil {
			a.metrics.UpstreamConnect(a.pluginID, a.safeURL).Inc()
		}

		conn.codec.Register("subscribeNewBlock", func(params []json.RawMessage) (any, error) {
			a.onNewBlock(ctx, params)
			return nil, nil
		}, true)

		a.mu.Lock()
		a.blockConn = conn
		a.mu.Unlock()

		_, _ = conn.codec.Call("subscribeNewBlock", nil)

		select {
		case <-conn.closed:
		case <-ctx.Done():
			conn.Close()
			return
		}
		if a.metrics != nil {
			a.metrics.UpstreamDisconnect(a.pluginID, a.safeURL).Inc()
		}
		a.mu.Lock()
		if a.blockConn == conn {
			a.blockConn = nil
		}
		a.mu.Unlock()
		a.sleepBackoff(ctx)
	}
}

func (a *Adapter) sleepBackoff(ctx context.Context) {
	delay := a.backoff.Next(time.Now())
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// onNewBlock re-checks every watched address for newly confirmed
// transactions
func (a *Adapter) onNewBlock(ctx context.Context, params []json.RawMessage) {
	var blockHeight string
	if len(params) > 0 {
		var payload struct {
			Height json.Number `json:"height"`
		}
		if err := json.Unmarshal(params[0], &payload); err == nil {
			blockHeight = payload.Height.String()
		}
	}

	a.mu.Lock()
	conn := a.blockConn
	addrs := a.watchlist.Addresses()
	a.mu.Unlock()
	if conn == nil {
		return
	}

	for _, addr := range addrs {
		info, err := getAccountInfo(conn, addr, "txslight", "")
		if err != nil {
			a.log.Warn("getAccountInfo failed during block check", "addr", addr, "err", err)
			continue
		}
		dropped := false
		for _, tx := range info.Transactions {
			if tx.Confirmations > 0 {
				if d, _ := a.drop(addr, tx.Txid); d {
					dropped = true
				}
			}
		}
		if dropped {
			a.emitUpdate(adapter.Update{Address: addr, Checkpoint: blockHeight})
		}
	}
}

func (a *Adapter) drop(addr, txid string) (bool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watchlist.Confirm(addr, txid)
}

func (a *Adapter) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		a.mu.Lock()
		conns := make([]*wsConn, 0, len(a.dataConns)+1)
		for _, c := range a.dataConns {
			conns = append(conns, c)
		}
		if a.blockConn != nil {
			conns = append(conns, a.blockConn)
		}
		a.mu.Unlock()

		for _, c := range conns {
			if err := c.ping(); err != nil {
				a.log.Debug("ping failed", "url", c.url, "err", err)
			}
		}
	}
}
