package metrics

import "net/url"

// SafeURL strips credentials, query parameters, and fragments from raw so a
// metric label never carries an API key embedded in an upstream URL.
func SafeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// HubMetrics is the fixed set of named metrics the address hub exposes:
// active connections, active subscriptions by pluginId, total events by
// pluginId, upstream connect/disconnect/error counts by (pluginId,
// safe-url), and plugin count.
type HubMetrics struct {
	registry *Registry
}

// NewHubMetrics wires the hub's fixed metric surface onto a registry.
func NewHubMetrics(registry *Registry) *HubMetrics {
	return &HubMetrics{registry: registry}
}

func (m *HubMetrics) ConnectionCount() *Gauge {
	return m.registry.Gauge("connection_count", nil)
}

func (m *HubMetrics) PluginCount() *Gauge {
	return m.registry.Gauge("plugin_count", nil)
}

func (m *HubMetrics) ActiveSubscriptions(pluginID string) *Gauge {
	return m.registry.Gauge("active_subscriptions", map[string]string{"plugin": pluginID})
}

func (m *HubMetrics) ChangeEventCount(pluginID string) *Counter {
	return m.registry.Counter("change_event_count", map[string]string{"plugin": pluginID})
}

func (m *HubMetrics) UpstreamConnect(pluginID, safeURL string) *Counter {
	return m.registry.Counter("upstream_connect_total", map[string]string{"plugin": pluginID, "url": safeURL})
}

func (m *HubMetrics) UpstreamDisconnect(pluginID, safeURL string) *Counter {
	return m.registry.Counter("upstream_disconnect_total", map[string]string{"plugin": pluginID, "url": safeURL})
}

func (m *HubMetrics) UpstreamError(pluginID, safeURL string) *Counter {
	return m.registry.Counter("upstream_error_total", map[string]string{"plugin": pluginID, "url": safeURL})
}
