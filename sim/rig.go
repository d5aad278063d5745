// Package sim provides host-side models of SD cards, serial NOR flash and
// GPIO pins, plus a Rig that wires them into a board registry the drivers
// can claim from.
package sim

import (
	"github.com/pkg/errors"

	"blockdev-go/board"
)

// Rig is a simulated board: every GPIO in the board's range is a Pin and
// buses are attached as devices are plugged in.
type Rig struct {
	Board    *board.Board
	Registry *board.MapRegistry

	pins map[board.PinID]*Pin
}

// NewRig builds a rig for b (board.Sim when nil) with no buses attached.
func NewRig(b *board.Board) *Rig {
	if b == nil {
		b = board.Sim
	}
	r := &Rig{Board: b, pins: map[board.PinID]*Pin{}}
	pins := map[board.PinID]board.Pin{}
	for n := b.GPIOMin; n <= b.GPIOMax; n++ {
		p := NewPin(n)
		r.pins[board.PinID(n)] = p
		pins[board.PinID(n)] = p
	}
	r.Registry = board.NewRegistry(b, nil, pins)
	return r
}

// Pin returns the simulated GPIO n.
func (r *Rig) Pin(n board.PinID) *Pin { return r.pins[n] }

// AttachSDCard puts card behind controller id and wires its card-detect and
// write-protect switches (either may be board.NoPin). Card detect reads low
// with a card present and write protect reads high when locked.
func (r *Rig) AttachSDCard(id board.ResourceID, card *SDCard, cd, wp board.PinID) error {
	if err := r.Registry.AddBus(id, card); err != nil {
		return errors.Wrapf(err, "sim: attach %s", id)
	}
	if p := r.pins[cd]; cd.Valid() && p != nil {
		card.AttachDetect(p, false)
	}
	if p := r.pins[wp]; wp.Valid() && p != nil {
		card.AttachWriteProtect(p, true)
	}
	return nil
}

// AttachNORFlash puts chip on SPI bus id with its chip select on GPIO cs.
func (r *Rig) AttachNORFlash(id board.ResourceID, chip *NORFlash, cs board.PinID) error {
	if err := r.Registry.AddBus(id, chip); err != nil {
		return errors.Wrapf(err, "sim: attach %s", id)
	}
	p := chip.CSPin(int(cs))
	if err := r.Registry.AddPin(cs, p); err != nil {
		return errors.Wrapf(err, "sim: attach %s cs", id)
	}
	r.pins[cs] = p
	return nil
}

// AttachQSPI puts chip behind a quad controller at id.
func (r *Rig) AttachQSPI(id board.ResourceID, chip *NORFlash) (*QSPI, error) {
	q := NewQSPI(chip)
	if err := r.Registry.AddBus(id, q); err != nil {
		return nil, errors.Wrapf(err, "sim: attach %s", id)
	}
	return q, nil
}
