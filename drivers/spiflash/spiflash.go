// Package spiflash is a block device over a serial NOR flash chip on an SPI
// or QSPI bus.
//
// Geometry follows the chip: reads are byte-granular, programs are in
// pages, and the erase unit (reported as the block size) is the smallest
// erase the chip supports, usually a 4 KiB sector. Programming only clears
// bits; erase sets a unit back to 0xFF.
//
// The chip is identified by its JEDEC ID, then described by an explicit
// MemoryConfig, the built-in Chips table or its SFDP tables, in that order.
package spiflash

import (
	"errors"
	"time"

	"tinygo.org/x/drivers"

	"blockdev-go/blockdev/core"
	"blockdev-go/board"
	"blockdev-go/errcode"
)

// DefaultFrequencyHz is the bus clock used when none is configured.
const DefaultFrequencyHz = 50_000_000

const maxFrequencyHz = 166_000_000

// Region restricts the device to a window of the chip. The zero value is
// the whole chip.
type Region struct {
	Start uint32
	Size  uint32
}

// Config selects the bus, wiring and memory description of one chip.
// IO0..IO3 are MOSI, MISO, WP# and HOLD# on a plain SPI bus; wiring all four
// (or eight) data lines enables multi-line reads on transports that support
// them.
type Config struct {
	ID          string
	Bus         board.ResourceID
	Memory      MemoryConfig
	IO          [8]board.PinID
	SCLK, CS    board.PinID
	FrequencyHz uint32
	Mode        uint8
	Region      Region
	LockTimeout time.Duration
}

// DefaultConfig returns conservative defaults: 50 MHz, memory discovered at
// runtime, nothing wired.
func DefaultConfig() Config {
	return Config{
		ID:          "flash0",
		Bus:         "spi0",
		IO:          board.NoPins8(),
		SCLK:        board.NoPin,
		CS:          board.NoPin,
		FrequencyHz: DefaultFrequencyHz,
		LockTimeout: 500 * time.Millisecond,
	}
}

// DefaultConfigFor fills wiring from a board's serial flash defaults.
func DefaultConfigFor(b *board.Board) Config {
	cfg := DefaultConfig()
	if b == nil {
		return cfg
	}
	p := b.Defaults.QSPI
	if p.Bus != "" {
		cfg.Bus = p.Bus
	}
	cfg.IO, cfg.SCLK, cfg.CS = p.IO, p.SCLK, p.CS
	return cfg
}

// Validation errors.
var (
	ErrNoID      = errors.New("spiflash: empty device id")
	ErrNoBus     = errors.New("spiflash: no bus")
	ErrPins      = errors.New("spiflash: SCLK, CS, IO0 and IO1 are required")
	ErrIOLines   = errors.New("spiflash: data lines must be wired contiguously as 2, 4 or 8")
	ErrPinReuse  = errors.New("spiflash: pin assigned twice")
	ErrFrequency = errors.New("spiflash: frequency out of range")
	ErrMode      = errors.New("spiflash: SPI mode must be 0 or 3")
	ErrRegion    = errors.New("spiflash: region not sector aligned or outside the chip")
)

// Validate checks the configuration without touching hardware.
func (c Config) Validate() error {
	if err := c.validate(); err != nil {
		return errcode.Wrap(errcode.ConfigInvalid, "spiflash", err)
	}
	return nil
}

func (c Config) validate() error {
	if c.ID == "" {
		return ErrNoID
	}
	if c.Bus == "" {
		return ErrNoBus
	}
	if !c.SCLK.Valid() || !c.CS.Valid() || !c.IO[0].Valid() || !c.IO[1].Valid() {
		return ErrPins
	}
	switch c.lines() {
	case 2, 4, 8:
	default:
		return ErrIOLines
	}
	for _, p := range c.IO[c.lines():] {
		if p.Valid() {
			return ErrIOLines
		}
	}
	seen := map[board.PinID]bool{}
	for _, p := range c.pins() {
		if seen[p] {
			return ErrPinReuse
		}
		seen[p] = true
	}
	if c.FrequencyHz == 0 || c.FrequencyHz > maxFrequencyHz {
		return ErrFrequency
	}
	if c.Mode != 0 && c.Mode != 3 {
		return ErrMode
	}
	if err := c.Memory.validate(); err != nil {
		return err
	}
	if !c.Memory.Discover() {
		if _, err := c.Region.resolve(c.Memory); err != nil {
			return err
		}
	}
	return nil
}

// lines counts contiguously wired data lines from IO0.
func (c Config) lines() int {
	n := 0
	for n < len(c.IO) && c.IO[n].Valid() {
		n++
	}
	return n
}

func (c Config) pins() []board.PinID {
	ps := []board.PinID{c.SCLK, c.CS}
	return append(ps, c.IO[:c.lines()]...)
}

// resolve returns the effective window on a chip described by m.
func (r Region) resolve(m MemoryConfig) (Region, error) {
	if r.Size == 0 && r.Start == 0 {
		return Region{Start: 0, Size: m.Capacity}, nil
	}
	size := r.Size
	if size == 0 && r.Start < m.Capacity {
		size = m.Capacity - r.Start
	}
	end := uint64(r.Start) + uint64(size)
	if size == 0 || end > uint64(m.Capacity) || r.Start%m.SectorSize != 0 || size%m.SectorSize != 0 {
		return Region{}, ErrRegion
	}
	return Region{Start: r.Start, Size: size}, nil
}

// Device is a created SPI flash block device.
type Device struct {
	*core.Handle
	c      *chip
	claims *board.Claims
}

// New validates cfg, claims the bus and pins from reg, configures the bus
// and identifies the chip. On failure nothing stays claimed.
//
// The bus resource may be a Transport (a QSPI controller that frames its
// own transactions) or a drivers.SPI, in which case CS is driven as a GPIO.
func New(cfg Config, reg board.Registry, opts ...core.Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := core.Apply(opts...)
	claims := board.NewClaims(reg, cfg.ID)

	t, err := claim(cfg, claims)
	if err != nil {
		claims.Release()
		return nil, err
	}
	c := &chip{cfg: cfg, t: t}
	d := &Device{c: c, claims: claims}
	d.Handle = core.NewHandle(cfg.ID, c, cfg.LockTimeout, o)
	c.log = d.Handle.Logger()

	if err := d.Handle.Open(); err != nil {
		claims.Release()
		return nil, err
	}
	d.Handle.OnClose(claims.Release)
	return d, nil
}

func claim(cfg Config, claims *board.Claims) (Transport, error) {
	bus, err := claims.Bus(cfg.Bus)
	if err != nil {
		return nil, errcode.Wrap(errcode.ConfigInvalid, "spiflash: claim", err)
	}
	var cs board.Pin
	for _, n := range cfg.pins() {
		p, err := claims.Pin(n)
		if err != nil {
			return nil, errcode.Wrap(errcode.ConfigInvalid, "spiflash: claim", err)
		}
		if n == cfg.CS {
			cs = p
		}
	}
	switch b := bus.(type) {
	case Transport:
		return b, nil
	case drivers.SPI:
		return NewSPITransport(b, cs), nil
	default:
		return nil, errcode.New(errcode.ConfigInvalid, "spiflash: claim", string(cfg.Bus)+" is not an SPI bus")
	}
}

// JEDECID returns the ID read at the last initialisation.
func (d *Device) JEDECID() uint32 {
	var id uint32
	_ = d.Handle.Do("jedec", func(core.Geometry) error {
		id = d.c.jedec
		return nil
	})
	return id
}

// Memory returns the effective memory description.
func (d *Device) Memory() MemoryConfig {
	var m MemoryConfig
	_ = d.Handle.Do("memory", func(core.Geometry) error {
		m = d.c.mem
		return nil
	})
	return m
}

// Region returns the window the device exposes.
func (d *Device) Region() Region {
	var r Region
	_ = d.Handle.Do("region", func(core.Geometry) error {
		r = d.c.region
		return nil
	})
	return r
}

// ConfigureMemory replaces the chip description after creation, for parts
// only known once runtime probing completes. The region is reset to the
// whole chip. Only accepted on a Ready handle.
func (d *Device) ConfigureMemory(m MemoryConfig) error {
	if m.Discover() {
		return errcode.New(errcode.ConfigInvalid, "spiflash: configure memory", "capacity required")
	}
	if err := m.validate(); err != nil {
		return errcode.Wrap(errcode.ConfigInvalid, "spiflash: configure memory", err)
	}
	return d.Handle.Do("configure memory", func(core.Geometry) error {
		if m.JEDECID != 0 && m.JEDECID != d.c.jedec {
			return errcode.New(errcode.ConfigInvalid, "spiflash: configure memory", "JEDEC ID mismatch")
		}
		if err := d.c.apply(m.withDefaults(), Region{}); err != nil {
			return err
		}
		d.c.cfg.Memory = m
		d.c.cfg.Region = Region{}
		d.Handle.SetGeometry(d.c.geometry())
		return nil
	})
}

// ConfigureRegion restricts the device to [start, start+size) of the chip.
// Both must be sector aligned. Only accepted on a Ready handle.
func (d *Device) ConfigureRegion(start, size uint32) error {
	return d.Handle.Do("configure region", func(core.Geometry) error {
		r, err := Region{Start: start, Size: size}.resolve(d.c.mem)
		if err != nil {
			return errcode.Wrap(errcode.ConfigInvalid, "spiflash: configure region", err)
		}
		d.c.region = r
		d.c.cfg.Region = r
		d.Handle.SetGeometry(d.c.geometry())
		return nil
	})
}

// Protected reports whether the status register block-protect bits are set.
func (d *Device) Protected() (bool, error) {
	var on bool
	err := d.Handle.Do("protection", func(core.Geometry) error {
		sr, err := d.c.readStatus()
		on = sr&srBPMask != 0
		return err
	})
	return on, err
}

// SetProtection sets or clears the block-protect bits for the whole chip.
func (d *Device) SetProtection(on bool) error {
	return d.Handle.Do("set protection", func(core.Geometry) error {
		return d.c.setProtection(on)
	})
}
