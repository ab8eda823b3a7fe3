package webhook

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/edgeapp/addrhub/internal/adapter"
	"github.com/edgeapp/addrhub/internal/log"
	"github.com/edgeapp/addrhub/internal/metrics"
)

const (
	debounceDelay       = 1 * time.Second
	initialRetryBackoff = 1 * time.Second
	maxRetryBackoff     = 60 * time.Second
)

// Adapter is the Alchemy-family webhook adapter for one plugin/network.
type Adapter struct {
	pluginID  string
	network   string
	publicURI string

	client      *client
	global      *TeamWebhooksGlobal
	signingKeys *SigningKeyStore
	broadcaster *Broadcaster
	broadcastID int
	unregister  func()
	hubMetrics  *metrics.HubMetrics
	log         *log.Logger

	mu           sync.Mutex
	webhookID    string
	subscribed   map[string]string // normalized -> original
	toAdd        map[string]struct{}
	toRemove     map[string]struct{}
	timer        *time.Timer
	retryBackoff *backoff.Backoff
	destroyed    bool

	updates  chan adapter.Update
	subLosts chan adapter.SubLost
}

// Deps bundles the process-scoped singletons every webhook adapter shares:
// the module-level getTeamWebhooks memo, the signing-key store, and the
// in-process activity broadcaster.
type Deps struct {
	AuthToken   string
	PublicURI   string
	Global      *TeamWebhooksGlobal
	SigningKeys *SigningKeyStore
	Broadcaster *Broadcaster
	Metrics     *metrics.HubMetrics
}

// New constructs a webhook adapter for one plugin and registers it with the
// shared broadcaster.
func New(pluginID, alchemyNetwork string, deps Deps, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	a := &Adapter{
		pluginID:     pluginID,
		network:      alchemyNetwork,
		publicURI:    deps.PublicURI,
		client:       newClient(deps.AuthToken),
		global:       deps.Global,
		signingKeys:  deps.SigningKeys,
		broadcaster:  deps.Broadcaster,
		hubMetrics:   deps.Metrics,
		log:          logger.Module("webhook").WithPlugin(pluginID),
		retryBackoff: &backoff.Backoff{Min: initialRetryBackoff, Max: maxRetryBackoff, Factor: 2, Jitter: false},
		subscribed:   make(map[string]string),
		toAdd:        make(map[string]struct{}),
		toRemove:     make(map[string]struct{}),
		updates:      make(chan adapter.Update, 256),
		subLosts:     make(chan adapter.SubLost, 1),
	}
	a.broadcastID, a.unregister = a.broadcaster.Register(pluginID, a.handlePeerActivity)
	return a
}

func (a *Adapter) PluginID() string { return a.pluginID }
func (a *Adapter) Events() adapter.Events {
	return adapter.Events{Updates: a.updates, SubLosts: a.subLosts}
}

func (a *Adapter) Destroy() {
	a.mu.Lock()
	a.destroyed = true
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
	a.unregister()
}

// Scan is not supported by the webhook family; the hub treats this as
// "changed" (result code 2).
func (a *Adapter) Scan(ctx context.Context, addr, checkpoint string) (bool, error) {
	return false, adapter.ErrScanNotSupported
}

func (a *Adapter) Subscribe(ctx context.Context, addr string) (bool, error) {
	norm := strings.ToLower(addr)
	a.mu.Lock()
	a.subscribed[norm] = addr
	delete(a.toRemove, norm)
	a.toAdd[norm] = struct{}{}
	a.scheduleDebounceLocked()
	a.mu.Unlock()
	return true, nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, addr string) error {
	norm := strings.ToLower(addr)
	a.mu.Lock()
	delete(a.subscribed, norm)
	delete(a.toAdd, norm)
	a.toRemove[norm] = struct{}{}
	a.scheduleDebounceLocked()
	a.mu.Unlock()
	return nil
}

func (a *Adapter) scheduleDebounceLocked() {
	if a.timer != nil {
		return
	}
	a.timer = time.AfterFunc(debounceDelay, a.fireDebounce)
}

func (a *Adapter) fireDebounce() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	toAdd := setToSlice(a.toAdd)
	toRemove := setToSlice(a.toRemove)
	webhookID := a.webhookID
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch {
	case webhookID == "" && len(toAdd) > 0:
		err = a.createWebhook(ctx, toAdd)
	case webhookID != "":
		err = a.patchWebhook(ctx, webhookID, toAdd, toRemove)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.timer = nil
	if a.destroyed {
		return
	}

	if err != nil {
		a.log.Warn("webhook mutation failed, requeueing", "err", err)
		if a.hubMetrics != nil {
			a.hubMetrics.UpstreamError(a.pluginID, metrics.SafeURL(a.client.baseURL)).Inc()
		}
		for _, addr := range toAdd {
			a.toAdd[addr] = struct{}{}
		}
		for _, addr := range toRemove {
			a.toRemove[addr] = struct{}{}
		}
		delay := a.retryBackoff.Duration()
		a.timer = time.AfterFunc(delay, a.fireDebounce)
		return
	}

	a.retryBackoff.Reset()
	a.toAdd = make(map[string]struct{})
	a.toRemove = make(map[string]struct{})

	if len(a.subscribed) == 0 && a.webhookID != "" {
		id := a.webhookID
		a.webhookID = ""
		go func() {
			if err := a.client.deleteWebhook(context.Background(), id); err != nil {
				a.log.Warn("delete empty webhook failed", "webhookId", id, "err", err)
			}
		}()
	}
}

func (a *Adapter) createWebhook(ctx context.Context, addresses []string) error {
	info, err := a.ensureWebhook(ctx, addresses)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.webhookID = info.WebhookID
	a.mu.Unlock()
	a.signingKeys.Put(info.WebhookID, info.SigningKey)
	return nil
}

func (a *Adapter) patchWebhook(ctx context.Context, webhookID string, toAdd, toRemove []string) error {
	return a.client.updateWebhookAddresses(ctx, webhookID, toAdd, toRemove)
}

// ensureWebhook implements idempotent, one-shot-per-process webhook
// discovery/adoption: adopt a matching active webhook if one already exists
// for this network, retiring any duplicates, before creating a new one.
// The whole decision is serialized behind the shared global and a create is
// written back into its snapshot, so worker instances for the same network
// never race each other into duplicate webhooks.
func (a *Adapter) ensureWebhook(ctx context.Context, initialAddresses []string) (WebhookInfo, error) {
	a.global.ensureMu.Lock()
	defer a.global.ensureMu.Unlock()

	expectedURL := a.webhookURL()

	webhooks, err := a.global.Get(ctx, a.client.getTeamWebhooks)
	if err != nil {
		return WebhookInfo{}, fmt.Errorf("webhook: getTeamWebhooks: %w", err)
	}

	var adopted *WebhookInfo
	for i := range webhooks {
		wh := webhooks[i]
		if wh.Network != a.network || wh.WebhookType != webhookTypeAddressActivity {
			continue
		}
		if !wh.IsActive {
			go a.client.deleteWebhook(context.Background(), wh.WebhookID)
			continue
		}
		if adopted != nil {
			go a.client.deleteWebhook(context.Background(), wh.WebhookID)
			continue
		}
		if wh.WebhookURL != expectedURL {
			if err := a.client.updateWebhookURL(ctx, wh.WebhookID, expectedURL); err != nil {
				return WebhookInfo{}, fmt.Errorf("webhook: update URL: %w", err)
			}
			wh.WebhookURL = expectedURL
		}
		adopted = &wh
	}

	if adopted != nil {
		a.signingKeys.Put(adopted.WebhookID, adopted.SigningKey)
		return *adopted, nil
	}

	info, err := a.client.createWebhook(ctx, a.network, expectedURL, initialAddresses)
	if err != nil {
		return WebhookInfo{}, err
	}
	// Fill in what the create response may omit so a sibling instance can
	// adopt this webhook from the snapshot.
	info.Network = a.network
	info.WebhookType = webhookTypeAddressActivity
	info.WebhookURL = expectedURL
	info.IsActive = true
	a.global.add(info)
	return info, nil
}

func (a *Adapter) webhookURL() string {
	return strings.TrimRight(a.publicURI, "/") + "/webhook/alchemy/" + a.pluginID
}

func setToSlice(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// handlePeerActivity applies activity broadcast from a sibling adapter
// instance without re-broadcasting
func (a *Adapter) handlePeerActivity(batch activityBatch) {
	a.dispatch(batch.Activities)
}

// DispatchVerifiedActivity is called by the HTTP receiver once a request's
// signature has been verified. It matches activity locally, then relays the
// same batch to any sibling adapter instances for this plugin.
func (a *Adapter) DispatchVerifiedActivity(activities []activityEntry) {
	a.dispatch(activities)
	a.broadcaster.Broadcast(activityBatch{PluginID: a.pluginID, Activities: activities}, a.broadcastID)
}

func (a *Adapter) dispatch(activities []activityEntry) {
	var checkpoint uint64
	matched := make(map[string]struct{})

	a.mu.Lock()
	for _, act := range activities {
		n, err := parseHexBlockNum(act.BlockNum)
		if err == nil && n > checkpoint {
			checkpoint = n
		}
		if orig, ok := a.subscribed[strings.ToLower(act.FromAddress)]; ok {
			matched[orig] = struct{}{}
		}
		if orig, ok := a.subscribed[strings.ToLower(act.ToAddress)]; ok {
			matched[orig] = struct{}{}
		}
	}
	a.mu.Unlock()

	if len(matched) == 0 {
		return
	}
	cp := strconv.FormatUint(checkpoint, 10)
	for addr := range matched {
		select {
		case a.updates <- adapter.Update{Address: addr, Checkpoint: cp}:
		default:
			a.log.Warn("update channel full, dropping event", "address", addr)
		}
	}
}

func parseHexBlockNum(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, fmt.Errorf("empty blockNum")
	}
	return strconv.ParseUint(s, 16, 64)
}
