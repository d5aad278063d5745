package sim

import (
	"sync"

	"blockdev-go/board"
)

// Pin is a host GPIO fake implementing board.IRQPin. Levels written by the
// driver (Set) and by the outside world (Drive) both raise edge IRQs.
type Pin struct {
	mu      sync.RWMutex
	number  int
	level   bool
	modeOut bool
	pull    board.Pull
	irqEdge board.Edge
	irqFunc func()
	onSet   func(level bool)
	writes  int
}

var _ board.IRQPin = (*Pin)(nil)

func NewPin(n int) *Pin { return &Pin{number: n} }

func (p *Pin) ConfigureInput(pull board.Pull) error {
	p.mu.Lock()
	p.modeOut = false
	p.pull = pull
	p.mu.Unlock()
	return nil
}

func (p *Pin) ConfigureOutput(initial bool) error {
	p.mu.Lock()
	p.modeOut = true
	p.mu.Unlock()
	p.Set(initial)
	return nil
}

// Set is the driver-side write.
func (p *Pin) Set(level bool) {
	p.mu.Lock()
	p.writes++
	hook := p.onSet
	p.mu.Unlock()
	p.change(level)
	if hook != nil {
		hook(level)
	}
}

// Drive changes the level from outside, as a switch or another chip would.
func (p *Pin) Drive(level bool) { p.change(level) }

func (p *Pin) change(level bool) {
	p.mu.Lock()
	old := p.level
	p.level = level
	irq := p.irqFunc
	want := irqWanted(p.irqEdge, edgeFrom(old, level))
	p.mu.Unlock()
	if want && irq != nil {
		irq() // ISR-style callback
	}
}

func (p *Pin) Get() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.level
}

func (p *Pin) Number() int { return p.number }

// IsOutput reports the configured direction.
func (p *Pin) IsOutput() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.modeOut
}

// Writes counts driver-side Set calls.
func (p *Pin) Writes() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.writes
}

func (p *Pin) SetIRQ(edge board.Edge, handler func()) error {
	p.mu.Lock()
	p.irqEdge = edge
	p.irqFunc = handler
	p.mu.Unlock()
	return nil
}

// IRQArmed reports whether an edge handler is installed.
func (p *Pin) IRQArmed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.irqFunc != nil
}

func (p *Pin) ClearIRQ() error {
	p.mu.Lock()
	p.irqEdge = board.EdgeNone
	p.irqFunc = nil
	p.mu.Unlock()
	return nil
}

func (p *Pin) setHook(fn func(bool)) {
	p.mu.Lock()
	p.onSet = fn
	p.mu.Unlock()
}

func edgeFrom(old, new bool) board.Edge {
	switch {
	case !old && new:
		return board.EdgeRising
	case old && !new:
		return board.EdgeFalling
	default:
		return board.EdgeNone
	}
}

func irqWanted(cfg, seen board.Edge) bool {
	switch cfg {
	case board.EdgeBoth:
		return seen == board.EdgeRising || seen == board.EdgeFalling
	default:
		return cfg != board.EdgeNone && cfg == seen
	}
}

// NoIRQ hides the IRQ capability of p, for exercising polled paths.
func NoIRQ(p *Pin) board.Pin { return plainPin{p} }

type plainPin struct{ p *Pin }

func (q plainPin) Number() int                          { return q.p.Number() }
func (q plainPin) ConfigureInput(pull board.Pull) error { return q.p.ConfigureInput(pull) }
func (q plainPin) ConfigureOutput(initial bool) error   { return q.p.ConfigureOutput(initial) }
func (q plainPin) Set(level bool)                       { q.p.Set(level) }
func (q plainPin) Get() bool                            { return q.p.Get() }
