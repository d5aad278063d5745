package board

import (
	"strconv"

	"blockdev-go/errcode"
)

// ---- Identifiers ----

// PinID is a plain GPIO number on the board's numbering scheme.
type PinID int16

// NoPin marks an optional signal as not connected.
const NoPin PinID = -1

func (p PinID) Valid() bool { return p >= 0 }

func (p PinID) String() string {
	if p == NoPin {
		return "nc"
	}
	return "gpio" + strconv.Itoa(int(p))
}

// ResourceID names a bus or controller, e.g. "spi0", "sdmmc0".
type ResourceID string

// ---- GPIO handles ----

type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

type Pin interface {
	Number() int
	ConfigureInput(pull Pull) error
	ConfigureOutput(initial bool) error
	Set(level bool)
	Get() bool
}

// Edge selection for IRQ.
type Edge uint8

const (
	EdgeNone Edge = iota
	EdgeRising
	EdgeFalling
	EdgeBoth
)

func (e Edge) String() string {
	switch e {
	case EdgeRising:
		return "rising"
	case EdgeFalling:
		return "falling"
	case EdgeBoth:
		return "both"
	default:
		return "none"
	}
}

// IRQPin extends Pin with interrupts. The handler runs in ISR context on
// hardware and must not block.
type IRQPin interface {
	Pin
	SetIRQ(edge Edge, handler func()) error
	ClearIRQ() error
}

// ---- Registry ----

// Registry hands out exclusive ownership of pins and buses. A second claim
// of the same resource fails until the owner releases it.
type Registry interface {
	// ClaimBus returns the bus or controller handle registered under id.
	// The concrete type depends on the resource class (drivers.SPI for SPI
	// buses, an SD host adapter for SD/MMC controllers).
	ClaimBus(devID string, id ResourceID) (any, error)
	ReleaseBus(devID string, id ResourceID)

	ClaimPin(devID string, pin PinID) (Pin, error)
	ReleasePin(devID string, pin PinID)
}

// Short error codes.
var (
	ErrUnknownPin = errcode.UnknownPin
	ErrPinInUse   = errcode.PinInUse
	ErrUnknownBus = errcode.UnknownBus
	ErrBusInUse   = errcode.BusInUse
)
