package board

import (
	"sync"

	"blockdev-go/errcode"
)

// Ensure the registry satisfies the contract at compile time.
var _ Registry = (*MapRegistry)(nil)

// MapRegistry is a Registry over fixed maps of buses and pins, as supplied by
// a platform provider (or by the simulator on the host).
type MapRegistry struct {
	board *Board

	mu       sync.Mutex
	buses    map[ResourceID]any
	pins     map[PinID]Pin
	busOwner map[ResourceID]string
	pinOwner map[PinID]string
}

// NewRegistry constructs a registry. b may be nil, in which case any pin
// present in pins is claimable.
func NewRegistry(b *Board, buses map[ResourceID]any, pins map[PinID]Pin) *MapRegistry {
	r := &MapRegistry{
		board:    b,
		buses:    map[ResourceID]any{},
		pins:     map[PinID]Pin{},
		busOwner: map[ResourceID]string{},
		pinOwner: map[PinID]string{},
	}
	for id, bus := range buses {
		r.buses[id] = bus
	}
	for n, p := range pins {
		r.pins[n] = p
	}
	return r
}

// AddBus registers (or replaces) a bus handle. Replacing a claimed bus is refused.
func (r *MapRegistry) AddBus(id ResourceID, bus any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.busOwner[id]; busy {
		return errcode.BusInUse
	}
	r.buses[id] = bus
	return nil
}

// AddPin registers (or replaces) a pin handle. Replacing a claimed pin is refused.
func (r *MapRegistry) AddPin(n PinID, p Pin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.pinOwner[n]; busy {
		return errcode.PinInUse
	}
	r.pins[n] = p
	return nil
}

func (r *MapRegistry) ClaimBus(devID string, id ResourceID) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bus, ok := r.buses[id]
	if !ok {
		return nil, errcode.New(errcode.UnknownBus, "claim", string(id))
	}
	if owner, busy := r.busOwner[id]; busy {
		return nil, errcode.New(errcode.BusInUse, "claim", string(id)+" owned by "+owner)
	}
	r.busOwner[id] = devID
	return bus, nil
}

func (r *MapRegistry) ReleaseBus(devID string, id ResourceID) {
	r.mu.Lock()
	if r.busOwner[id] == devID {
		delete(r.busOwner, id)
	}
	r.mu.Unlock()
}

func (r *MapRegistry) ClaimPin(devID string, n PinID) (Pin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !n.Valid() || (r.board != nil && !r.board.HasGPIO(n)) {
		return nil, errcode.New(errcode.UnknownPin, "claim", n.String())
	}
	p, ok := r.pins[n]
	if !ok {
		return nil, errcode.New(errcode.UnknownPin, "claim", n.String())
	}
	if owner, busy := r.pinOwner[n]; busy {
		return nil, errcode.New(errcode.PinInUse, "claim", n.String()+" owned by "+owner)
	}
	r.pinOwner[n] = devID
	return p, nil
}

func (r *MapRegistry) ReleasePin(devID string, n PinID) {
	r.mu.Lock()
	if r.pinOwner[n] == devID {
		delete(r.pinOwner, n)
	}
	r.mu.Unlock()
}

// Owner reports who holds a pin, if anyone.
func (r *MapRegistry) Owner(n PinID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.pinOwner[n]
	return o, ok
}

// Claims tracks what a device has claimed so a failed create (or a destroy)
// can give everything back in one call.
type Claims struct {
	reg   Registry
	devID string
	buses []ResourceID
	pins  []PinID
}

func NewClaims(reg Registry, devID string) *Claims {
	return &Claims{reg: reg, devID: devID}
}

func (c *Claims) Bus(id ResourceID) (any, error) {
	b, err := c.reg.ClaimBus(c.devID, id)
	if err != nil {
		return nil, err
	}
	c.buses = append(c.buses, id)
	return b, nil
}

// Pin claims n. An unconnected pin yields (nil, nil).
func (c *Claims) Pin(n PinID) (Pin, error) {
	if n == NoPin {
		return nil, nil
	}
	p, err := c.reg.ClaimPin(c.devID, n)
	if err != nil {
		return nil, err
	}
	c.pins = append(c.pins, n)
	return p, nil
}

// Release returns every claimed resource. Safe to call more than once.
func (c *Claims) Release() {
	for i := len(c.pins) - 1; i >= 0; i-- {
		c.reg.ReleasePin(c.devID, c.pins[i])
	}
	for i := len(c.buses) - 1; i >= 0; i-- {
		c.reg.ReleaseBus(c.devID, c.buses[i])
	}
	c.pins, c.buses = nil, nil
}
