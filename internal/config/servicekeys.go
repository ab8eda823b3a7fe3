package config

import (
	"math/rand"
	"net/url"
	"strings"
)

// ServiceKeyFor picks an API key for the given upstream URL by longest-suffix
// match of its host (with optional port) against the configured ServiceKeys
// map: try "host:port" exact, then "host", then
// progressively drop the leftmost label of host (with/without port) until a
// match or the two-label minimum is reached. Returns "", false if nothing
// matches.
func (c *Config) ServiceKeyFor(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	host := u.Hostname()
	port := u.Port()

	for _, candidate := range suffixCandidates(host, port) {
		if keys, ok := c.ServiceKeys[candidate]; ok && len(keys) > 0 {
			return keys[rand.Intn(len(keys))], true
		}
	}
	return "", false
}

// suffixCandidates enumerates host[:port] match candidates from most to
// least specific, stopping once the host has been reduced to two labels.
func suffixCandidates(host, port string) []string {
	var candidates []string
	if port != "" {
		candidates = append(candidates, host+":"+port)
	}
	candidates = append(candidates, host)

	labels := strings.Split(host, ".")
	for len(labels) > 2 {
		labels = labels[1:]
		suffix := strings.Join(labels, ".")
		if port != "" {
			candidates = append(candidates, suffix+":"+port)
		}
		candidates = append(candidates, suffix)
	}
	return candidates
}

// SubstituteURLParams replaces every {{name}} placeholder in rawURL with the
// value looked up in ServiceKeyURLParams
func (c *Config) SubstituteURLParams(rawURL string) string {
	out := rawURL
	for name, value := range c.ServiceKeyURLParams {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out
}
