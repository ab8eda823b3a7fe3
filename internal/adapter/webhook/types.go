// Package webhook implements the Alchemy-family upstream adapter: the
// upstream holds no persistent subscription, only an address-activity
// webhook whose address list this adapter mutates over HTTP, and delivers
// activity back via a signed HTTP callback.
package webhook

// WebhookInfo describes one webhook as returned by the Alchemy team-webhooks
// API.
type WebhookInfo struct {
	WebhookID   string `json:"webhook_id"`
	Network     string `json:"network"`
	WebhookType string `json:"webhook_type"`
	WebhookURL  string `json:"webhook_url"`
	IsActive    bool   `json:"is_active"`
	SigningKey  string `json:"signing_key"`
}

const webhookTypeAddressActivity = "ADDRESS_ACTIVITY"

// activityPayload is the signed body Alchemy POSTs to the webhook receiver.
type activityPayload struct {
	WebhookID string `json:"webhookId"`
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
	Type      string `json:"type"`
	Event     struct {
		Network  string          `json:"network"`
		Activity []activityEntry `json:"activity"`
	} `json:"event"`
}

type activityEntry struct {
	BlockNum    string `json:"blockNum"`
	Hash        string `json:"hash"`
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
	Value       any    `json:"value"`
	Category    string `json:"category"`
}
