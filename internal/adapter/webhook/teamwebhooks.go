package webhook

import (
	"context"
	"sync"
)

// TeamWebhooksGlobal memoizes the getTeamWebhooks call at process scope, so
// that concurrently initializing adapter instances for different plugins
// share one request instead of stampeding the Alchemy API. On failure the
// memo is cleared so the next caller retries. It also serializes the
// adopt-or-create decision across adapter instances (ensureMu) and absorbs
// newly created webhooks back into the snapshot, so a second instance for
// the same network adopts the first's webhook instead of creating its own.
type TeamWebhooksGlobal struct {
	ensureMu sync.Mutex

	mu     sync.Mutex
	once   *sync.Once
	result []WebhookInfo
	err    error
}

// NewTeamWebhooksGlobal creates an empty, unmemoized cache.
func NewTeamWebhooksGlobal() *TeamWebhooksGlobal {
	return &TeamWebhooksGlobal{}
}

// NewGlobalDeps constructs the process-scoped singletons every webhook
// adapter instance in this process shares: the memoized getTeamWebhooks
// cache, the signing-key store that resolves a webhookId back to its HMAC
// secret, and the in-process activity broadcaster standing in for the
// cross-worker IPC relay. Call this once at startup and pass the results
// into every plugin's Deps.
func NewGlobalDeps(authToken, publicURI string) (*TeamWebhooksGlobal, *SigningKeyStore, *Broadcaster) {
	global := NewTeamWebhooksGlobal()
	c := newClient(authToken)
	keys := NewSigningKeyStore(publicURI, global, c.getTeamWebhooks)
	return global, keys, NewBroadcaster()
}

// Get returns the memoized getTeamWebhooks result, invoking fetch at most
// once concurrently. A failed fetch clears the memo so the next call
// retries instead of replaying the same error forever.
func (g *TeamWebhooksGlobal) Get(ctx context.Context, fetch func(context.Context) ([]WebhookInfo, error)) ([]WebhookInfo, error) {
	g.mu.Lock()
	once := g.once
	if once == nil {
		once = &sync.Once{}
		g.once = once
	}
	g.mu.Unlock()

	once.Do(func() {
		result, err := fetch(ctx)
		g.mu.Lock()
		g.result, g.err = result, err
		g.mu.Unlock()
	})

	g.mu.Lock()
	result, err := g.result, g.err
	if err != nil && g.once == once {
		g.once = nil
	}
	g.mu.Unlock()

	return result, err
}

// add records a webhook this process just created, so later Get calls see
// it without another round trip to the API.
func (g *TeamWebhooksGlobal) add(info WebhookInfo) {
	g.mu.Lock()
	g.result = append(g.result, info)
	g.mu.Unlock()
}
