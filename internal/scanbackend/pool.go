package scanbackend

import (
	"context"
	"math/rand"
)

// Scanner is the narrow interface Pool fans out across; Backend satisfies it.
type Scanner interface {
	Scan(ctx context.Context, address, checkpoint string) (bool, error)
}

// Pool tries several backends in a random order and applies a fail-open
// rule: return true on the first "changed" answer, false on the first
// "unchanged" answer, and true (fail-open) only if every backend errors.
type Pool struct {
	backends []Scanner
}

// NewPool wraps a set of backends. Scan on an empty pool reports true
// (changed), the same fail-open answer as when every backend errors.
func NewPool(backends ...Scanner) *Pool {
	return &Pool{backends: backends}
}

func (p *Pool) Len() int { return len(p.backends) }

func (p *Pool) Scan(ctx context.Context, address, checkpoint string) (bool, error) {
	order := rand.Perm(len(p.backends))
	allErrored := true
	for _, i := range order {
		changed, err := p.backends[i].Scan(ctx, address, checkpoint)
		if err != nil {
			continue
		}
		allErrored = false
		if changed {
			return true, nil
		}
		return false, nil
	}
	if allErrored {
		// Fail-open: better to waste a client refresh than miss activity.
		return true, nil
	}
	return false, nil
}
