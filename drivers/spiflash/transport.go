package spiflash

import (
	"tinygo.org/x/drivers"

	"blockdev-go/board"
	"blockdev-go/errcode"
)

// BusConfig is applied to the transport before the chip is probed.
type BusConfig struct {
	FrequencyHz uint32
	Mode        uint8 // SPI mode; NOR parts accept 0 and 3
	Lines       int   // data lines wired (1, 2, 4 or 8)
}

// Transport carries one framed flash transaction: chip select asserted,
// w shifted out on IO0, then len(r) bytes received on `lines` data lines,
// chip select released. Either buffer may be empty.
type Transport interface {
	Configure(cfg BusConfig) error
	Transact(lines int, w, r []byte) error
	// MaxLines is the widest data phase the transport can receive.
	MaxLines() int
}

// SPIConfigurer is implemented by SPI buses that accept a clock and mode
// at runtime. Buses that do not are used as already configured.
type SPIConfigurer interface {
	ConfigureSPI(frequencyHz uint32, mode uint8) error
}

// SPITransport frames transactions on a plain (single data line) SPI bus
// with a GPIO chip select. CS is active low.
type SPITransport struct {
	bus drivers.SPI
	cs  board.Pin
}

// NewSPITransport builds a transport from a tinygo SPI bus and a chip-select pin.
func NewSPITransport(bus drivers.SPI, cs board.Pin) *SPITransport {
	return &SPITransport{bus: bus, cs: cs}
}

func (t *SPITransport) Configure(cfg BusConfig) error {
	if t.cs == nil {
		return errcode.New(errcode.ConfigInvalid, "spiflash: transport", "no chip select")
	}
	if err := t.cs.ConfigureOutput(true); err != nil {
		return err
	}
	if c, ok := t.bus.(SPIConfigurer); ok {
		return c.ConfigureSPI(cfg.FrequencyHz, cfg.Mode)
	}
	return nil
}

func (t *SPITransport) MaxLines() int { return 1 }

func (t *SPITransport) Transact(lines int, w, r []byte) error {
	if lines > 1 && len(r) > 0 {
		return errcode.New(errcode.Unsupported, "spiflash: transport", "multi-line read on plain SPI")
	}
	t.cs.Set(false)
	var err error
	if len(w) > 0 {
		err = t.bus.Tx(w, nil)
	}
	if err == nil && len(r) > 0 {
		err = t.bus.Tx(nil, r)
	}
	t.cs.Set(true)
	return err
}
