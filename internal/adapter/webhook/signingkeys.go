package webhook

import (
	"context"
	"strings"
	"sync"
)

// SigningKeyStore resolves a webhookId to the shared secret the provider
// HMACs its callback bodies with. A cache miss triggers
// one lazy getTeamWebhooks call, filtered to webhook URLs whose prefix
// matches this server's own public URI — so a foreign webhook's signing key
// is never trusted, even if its id happens to collide.
type SigningKeyStore struct {
	publicURI string
	global    *TeamWebhooksGlobal
	fetch     func(context.Context) ([]WebhookInfo, error)

	mu   sync.Mutex
	keys map[string]string
}

// NewSigningKeyStore constructs a store scoped to this server's publicURI,
// backed by the given team-webhooks cache and fetch function.
func NewSigningKeyStore(publicURI string, global *TeamWebhooksGlobal, fetch func(context.Context) ([]WebhookInfo, error)) *SigningKeyStore {
	return &SigningKeyStore{
		publicURI: publicURI,
		global:    global,
		fetch:     fetch,
		keys:      make(map[string]string),
	}
}

// Put caches a signing key directly, used right after this process creates
// or adopts a webhook and already knows its key.
func (s *SigningKeyStore) Put(webhookID, signingKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[webhookID] = signingKey
}

// Get resolves webhookID's signing key, lazily recovering it from
// getTeamWebhooks on a cache miss.
func (s *SigningKeyStore) Get(ctx context.Context, webhookID string) (string, bool) {
	s.mu.Lock()
	key, ok := s.keys[webhookID]
	s.mu.Unlock()
	if ok {
		return key, true
	}

	webhooks, err := s.global.Get(ctx, s.fetch)
	if err != nil {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wh := range webhooks {
		if strings.HasPrefix(wh.WebhookURL, s.publicURI) {
			s.keys[wh.WebhookID] = wh.SigningKey
		}
	}
	key, ok = s.keys[webhookID]
	return key, ok
}
