package blockbook

const maxAddressCountPerConnection = 100

// slot models one data connection's address list for the purposes of pool
// bookkeeping.
// The actual transport is the wsConn in Adapter.dataConns; tests exercise this pure
// capacity/placement logic without opening real sockets.
type slot struct {
	id        int
	addresses []string
}

func (s *slot) full() bool { return len(s.addresses) >= maxAddressCountPerConnection }

// addrPool tracks which slot owns which address and assigns new addresses
// to the tail slot, opening a new one when the tail is full.
type addrPool struct {
	slots  []*slot
	owner  map[string]*slot
	nextID int
}

func newAddrPool() *addrPool {
	return &addrPool{owner: make(map[string]*slot)}
}

// Place assigns addr to a slot, opening a new tail slot first if the
// current tail is at capacity or none exists. Returns the slot and whether
// a new slot was opened.
func (p *addrPool) Place(addr string) (*slot, bool) {
	if existing, ok := p.owner[addr]; ok {
		return existing, false
	}

	opened := false
	var tail *slot
	if len(p.slots) > 0 {
		tail = p.slots[len(p.slots)-1]
	}
	if tail == nil || tail.full() {
		tail = &slot{id: p.nextID}
		p.nextID++
		p.slots = append(p.slots, tail)
		opened = true
	}
	tail.addresses = append(tail.addresses, addr)
	p.owner[addr] = tail
	return tail, opened
}

// Remove drops addr from its owning slot. Returns the slot (nil if addr was
// unowned) and whether the slot is now empty and was closed/removed from
// the pool.
func (p *addrPool) Remove(addr string) (s *slot, closed bool) {
	owner, ok := p.owner[addr]
	if !ok {
		return nil, false
	}
	delete(p.owner, addr)

	for i, a := range owner.addresses {
		if a == addr {
			owner.addresses = append(owner.addresses[:i], owner.addresses[i+1:]...)
			break
		}
	}
	if len(owner.addresses) == 0 {
		for i, s := range p.slots {
			if s == owner {
				p.slots = append(p.slots[:i], p.slots[i+1:]...)
				break
			}
		}
		return owner, true
	}
	return owner, false
}

// AddressesOf returns a copy of the owning slot's current address list, for
// re-issuing subscribeAddresses.
func (s *slot) AddressesOf() []string {
	out := make([]string, len(s.addresses))
	copy(out, s.addresses)
	return out
}

// OwnerOf reports which slot currently owns addr.
func (p *addrPool) OwnerOf(addr string) (*slot, bool) {
	s, ok := p.owner[addr]
	return s, ok
}
