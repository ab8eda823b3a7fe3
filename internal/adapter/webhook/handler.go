package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// Router dispatches incoming Alchemy webhook deliveries to the adapter
// instance for the plugin named in the URL path
// (`POST /webhook/alchemy/{pluginId}`).
type Router struct {
	adapters map[string]*Adapter
}

// NewRouter builds a Router over the given pluginId -> Adapter mapping.
func NewRouter(adapters map[string]*Adapter) *Router {
	return &Router{adapters: adapters}
}

const webhookPathPrefix = "/webhook/alchemy/"

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		unauthorized(w)
		return
	}

	pluginID := strings.TrimPrefix(r.URL.Path, webhookPathPrefix)
	a, ok := rt.adapters[pluginID]
	if !ok {
		unauthorized(w)
		return
	}
	a.handleWebhookRequest(w, r)
}

// handleWebhookRequest authenticates before authorizing: valid JSON, a
// present signature, a known signing key, and a matching HMAC must all hold
// before the network check, so an unauthenticated caller cannot learn which
// network this endpoint serves.
func (a *Adapter) handleWebhookRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		unauthorized(w)
		return
	}

	var payload activityPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		unauthorized(w)
		return
	}

	sigHex := r.Header.Get("x-alchemy-signature")
	if sigHex == "" {
		unauthorized(w)
		return
	}

	key, ok := a.signingKeys.Get(r.Context(), payload.WebhookID)
	if !ok {
		unauthorized(w)
		return
	}

	if !verifyHMAC(body, sigHex, key) {
		unauthorized(w)
		return
	}

	if payload.Event.Network != a.network {
		http.Error(w, "network mismatch", http.StatusBadRequest)
		return
	}

	a.DispatchVerifiedActivity(payload.Event.Activity)
	w.WriteHeader(http.StatusOK)
}

func verifyHMAC(body []byte, sigHex, key string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	expected := mac.Sum(nil)
	return subtle.ConstantTimeCompare(expected, sig) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
}
