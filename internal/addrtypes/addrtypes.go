// Package addrtypes holds the small shared vocabulary of the address hub:
// plugin descriptors, address normalization, and checkpoints.
package addrtypes

import "strings"

// Checkpoint is an opaque ordinal (typically a block height) a client
// supplies to ask "any activity after this point?". An empty Checkpoint
// means the client has no prior knowledge.
type Checkpoint string

// Present reports whether a checkpoint was actually supplied.
func (c Checkpoint) Present() bool { return c != "" }

// Variant identifies which upstream-adapter family a plugin uses.
type Variant string

const (
	VariantDirectWS    Variant = "direct_ws"
	VariantBlockPoller Variant = "block_poller"
	VariantWebhook     Variant = "webhook"
)

// Plugin is the immutable descriptor of one configured chain plugin.
type Plugin struct {
	ID      string
	Variant Variant
	// Normalize lower-cases addresses before they are used as map keys
	// (EVM-style plugins); UTXO-style plugins leave addresses untouched.
	Normalize bool
}

// NormalizeAddress returns the internal lookup key for addr under this
// plugin's normalization rule. The original-case form must be retained
// separately by the caller for upstream/client callbacks.
func (p Plugin) NormalizeAddress(addr string) string {
	if p.Normalize {
		return strings.ToLower(addr)
	}
	return addr
}
