package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
)

const defaultBaseURL = "https://dashboard.alchemy.com/api"

// client is a thin REST client for the Alchemy Notify webhook management
// API, authenticated with the team's dashboard auth token.
type client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

func newClient(authToken string) *client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 0
	return &client{baseURL: defaultBaseURL, authToken: authToken, http: rc.StandardClient()}
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Alchemy-Token", c.authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook: %s %s returned HTTP %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) getTeamWebhooks(ctx context.Context) ([]WebhookInfo, error) {
	var out struct {
		Data []WebhookInfo `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/team-webhooks", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *client) createWebhook(ctx context.Context, network, webhookURL string, addresses []string) (WebhookInfo, error) {
	var out struct {
		Data WebhookInfo `json:"data"`
	}
	body := map[string]any{
		"network":      network,
		"webhook_type": webhookTypeAddressActivity,
		"webhook_url":  webhookURL,
		"addresses":    addresses,
	}
	err := c.do(ctx, http.MethodPost, "/create-webhook", body, &out)
	return out.Data, err
}

func (c *client) updateWebhookURL(ctx context.Context, webhookID, webhookURL string) error {
	body := map[string]any{"webhook_id": webhookID, "webhook_url": webhookURL}
	return c.do(ctx, http.MethodPatch, "/update-webhook", body, nil)
}

func (c *client) updateWebhookAddresses(ctx context.Context, webhookID string, toAdd, toRemove []string) error {
	body := map[string]any{"webhook_id": webhookID}
	if len(toAdd) > 0 {
		body["addresses_to_add"] = toAdd
	}
	if len(toRemove) > 0 {
		body["addresses_to_remove"] = toRemove
	}
	return c.do(ctx, http.MethodPatch, "/update-webhook-addresses", body, nil)
}

func (c *client) deleteWebhook(ctx context.Context, webhookID string) error {
	return c.do(ctx, http.MethodDelete, "/delete-webhook?webhook_id="+webhookID, nil, nil)
}
