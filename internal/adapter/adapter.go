// Package adapter defines the shared contract every upstream-source family
// implements: own a connection to one external data source, expose
// subscribe/unsubscribe/scan, and emit Update/SubLost events back to
// whatever owns the adapter (normally the hub).
package adapter

import "context"

// Update reports that address has new on-chain activity. Checkpoint is
// empty when the event carries no ordinal (e.g. a Blockbook mempool push).
type Update struct {
	Address    string
	Checkpoint string
}

// SubLost reports that the adapter can no longer guarantee delivery for the
// given addresses — their owning upstream connection went away. The
// receiver must forget its subscription state for each address so a client
// resubscribe re-establishes it.
type SubLost struct {
	Addresses []string
}

// Events is the channel pair an Adapter emits on. The hub's dispatch loop
// owns reading from both; the adapter owns writing and never closes them
// itself (Destroy stops the producers; the hub stops reading when its own
// context is cancelled).
type Events struct {
	Updates  <-chan Update
	SubLosts <-chan SubLost
}

// Adapter is the unified surface implemented across the three source
// families. Scan is optional: an adapter with no historical-lookup
// capability returns ErrScanNotSupported.
type Adapter interface {
	PluginID() string

	// Subscribe asks the upstream to start delivering activity for addr.
	// ok is false when the upstream refused or the subscription could not
	// be established; a failed subscribe is not retried, and err, when
	// non-nil, describes the failure.
	Subscribe(ctx context.Context, addr string) (ok bool, err error)

	// Unsubscribe asks the upstream to stop delivering activity for addr.
	Unsubscribe(ctx context.Context, addr string) error

	// Scan answers "has addr changed since checkpoint?". An absent
	// checkpoint always answers true.
	Scan(ctx context.Context, addr, checkpoint string) (changed bool, err error)

	// Events exposes this adapter's event channels.
	Events() Events

	// Destroy stops the adapter's background work (reconnect loops,
	// pollers, debounce timers). In-flight HTTP requests are not
	// interrupted.
	Destroy()
}

// ErrScanNotSupported is returned by Scan on adapters with no historical
// lookup. The hub treats this the same as "scan returned changed" (result
// code 2).
var ErrScanNotSupported = scanNotSupportedError{}

type scanNotSupportedError struct{}

func (scanNotSupportedError) Error() string { return "scan not supported by this adapter" }
