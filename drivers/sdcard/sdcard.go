// Package sdcard is a block device over an SD, SDHC/SDXC or eMMC card.
//
// The driver speaks the card protocol (command sequencing, response
// decoding, state polling) and leaves register-level controller work to an
// injected Host. Blocks are 512 bytes; reads and programs must be
// block-aligned.
//
// Erase is accepted and does nothing: SD cards manage their own erase
// state and overwrite in place. Use Discard to issue a real card erase.
package sdcard

import (
	"errors"
	"time"

	"blockdev-go/blockdev/core"
	"blockdev-go/board"
	"blockdev-go/errcode"
)

const blockSize = 512

// Clock limits.
const (
	IdentClockHz   = 400_000
	DefaultClockHz = 25_000_000
	MaxClockHz     = 208_000_000
)

// HostConfig is what the controller needs to drive the bus.
type HostConfig struct {
	ClockHz    uint32
	BusWidth   uint8 // 1, 4 or 8 (8 only for eMMC)
	LowVoltage bool  // 1.8 V signalling
	EMMC       bool
	LEDControl bool // drive the activity LED around transactions
}

// Host is the board adapter for an SD/MMC controller. Transact sends a
// command, waits for its response and moves any data. A command that gets
// no response must fail with errcode.Timeout.
type Host interface {
	Configure(cfg HostConfig) error
	Transact(cmd *Command) error
}

// Config selects the controller, wiring and timing of one card slot.
// Start from DefaultConfig; board.NoPin leaves a signal unconnected.
type Config struct {
	ID         string
	Controller board.ResourceID
	Host       HostConfig

	CMD, CLK board.PinID
	Data     [8]board.PinID

	CardDetect   board.PinID
	IOVoltSel    board.PinID
	PowerEnable  board.PinID
	WriteProtect board.PinID
	LED          board.PinID
	EMMCReset    board.PinID

	// Level meaning "card present" / "write protected". Mechanical
	// switches to ground read low when present and high when locked.
	CardDetectActiveHigh   bool
	WriteProtectActiveHigh bool

	InitTimeout time.Duration // bound on the ACMD41/CMD1 power-up loop
	BusyTimeout time.Duration // bound on programming/erase busy
	LockTimeout time.Duration // implicit lock wait, 0 = forever

	// Card detect: polled every DetectPoll when the pin has no IRQ.
	DetectPoll time.Duration
	Debounce   time.Duration

	// AutoReinit re-initialises the card on the first operation after it
	// was reinserted.
	AutoReinit bool
}

// DefaultConfig returns conservative defaults: 4-bit bus at 25 MHz with
// 3.3 V signalling, LED control off, nothing wired.
func DefaultConfig() Config {
	return Config{
		ID:         "sd0",
		Controller: "sdhc0",
		Host: HostConfig{
			ClockHz:  DefaultClockHz,
			BusWidth: 4,
		},
		CMD:                    board.NoPin,
		CLK:                    board.NoPin,
		Data:                   board.NoPins8(),
		CardDetect:             board.NoPin,
		IOVoltSel:              board.NoPin,
		PowerEnable:            board.NoPin,
		WriteProtect:           board.NoPin,
		LED:                    board.NoPin,
		EMMCReset:              board.NoPin,
		WriteProtectActiveHigh: true,
		InitTimeout:            time.Second,
		BusyTimeout:            500 * time.Millisecond,
		LockTimeout:            500 * time.Millisecond,
		DetectPoll:             100 * time.Millisecond,
		Debounce:               50 * time.Millisecond,
		AutoReinit:             true,
	}
}

// DefaultConfigFor fills wiring from a board's SD slot defaults.
func DefaultConfigFor(b *board.Board) Config {
	cfg := DefaultConfig()
	if b == nil {
		return cfg
	}
	p := b.Defaults.SD
	if p.Controller != "" {
		cfg.Controller = p.Controller
	}
	cfg.CMD, cfg.CLK, cfg.Data = p.CMD, p.CLK, p.Data
	cfg.CardDetect = p.CardDetect
	cfg.WriteProtect = p.WriteProtect
	cfg.PowerEnable = p.PowerEnable
	cfg.IOVoltSel = p.IOVoltSel
	cfg.LED = p.LED
	cfg.EMMCReset = p.EMMCReset
	return cfg
}

// Validation errors.
var (
	ErrBusWidth  = errors.New("sdcard: bus width must be 1, 4 or 8")
	ErrPins      = errors.New("sdcard: CMD, CLK and the data lines for the bus width are required")
	ErrPinReuse  = errors.New("sdcard: pin assigned twice")
	ErrClock     = errors.New("sdcard: clock out of range")
	ErrWidth8SD  = errors.New("sdcard: 8-bit bus requires eMMC")
	ErrNoID      = errors.New("sdcard: empty device id")
	ErrNoControl = errors.New("sdcard: no controller")
)

// Validate checks the configuration without touching hardware.
func (c Config) Validate() error {
	err := c.validate()
	if err != nil {
		return errcode.Wrap(errcode.ConfigInvalid, "sdcard", err)
	}
	return nil
}

func (c Config) validate() error {
	if c.ID == "" {
		return ErrNoID
	}
	if c.Controller == "" {
		return ErrNoControl
	}
	w := c.Host.BusWidth
	switch w {
	case 1, 4:
	case 8:
		if !c.Host.EMMC {
			return ErrWidth8SD
		}
	default:
		return ErrBusWidth
	}
	if c.Host.ClockHz < IdentClockHz || c.Host.ClockHz > MaxClockHz {
		return ErrClock
	}
	if !c.CMD.Valid() || !c.CLK.Valid() {
		return ErrPins
	}
	for i := 0; i < int(w); i++ {
		if !c.Data[i].Valid() {
			return ErrPins
		}
	}
	seen := map[board.PinID]bool{}
	for _, p := range c.pins() {
		if !p.Valid() {
			continue
		}
		if seen[p] {
			return ErrPinReuse
		}
		seen[p] = true
	}
	return nil
}

// pins lists the signals this configuration uses.
func (c Config) pins() []board.PinID {
	ps := []board.PinID{c.CMD, c.CLK}
	ps = append(ps, c.Data[:c.Host.BusWidth]...)
	return append(ps, c.CardDetect, c.IOVoltSel, c.PowerEnable, c.WriteProtect, c.LED, c.EMMCReset)
}

// Device is a created SD block device.
type Device struct {
	*core.Handle
	c      *card
	claims *board.Claims
	det    *detector
}

// New validates cfg, claims the controller and pins from reg, configures
// the host and initialises the card. On failure nothing stays claimed.
func New(cfg Config, reg board.Registry, opts ...core.Option) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := core.Apply(opts...)
	claims := board.NewClaims(reg, cfg.ID)

	c, err := claim(cfg, claims)
	if err != nil {
		claims.Release()
		return nil, err
	}

	d := &Device{c: c, claims: claims}
	d.Handle = core.NewHandle(cfg.ID, c, cfg.LockTimeout, o)
	d.Handle.SetAutoReinit(cfg.AutoReinit)
	c.log = d.Handle.Logger()

	if err := c.setupPins(); err != nil {
		claims.Release()
		return nil, err
	}
	if err := c.host.Configure(c.identHost()); err != nil {
		claims.Release()
		return nil, errcode.Wrap(errcode.BusInitFailed, "sdcard: configure", err)
	}
	if err := d.Handle.Open(); err != nil {
		c.powerOff()
		claims.Release()
		return nil, err
	}

	// Close hooks run last-registered first: the watcher stops before
	// its pin goes back to the registry.
	d.Handle.OnClose(claims.Release)
	if c.cd != nil {
		d.det = newDetector(d.Handle, c, cfg.DetectPoll, cfg.Debounce)
		d.det.start()
		d.Handle.OnClose(d.det.stop)
	}
	return d, nil
}

func claim(cfg Config, claims *board.Claims) (*card, error) {
	bus, err := claims.Bus(cfg.Controller)
	if err != nil {
		return nil, errcode.Wrap(errcode.ConfigInvalid, "sdcard: claim", err)
	}
	host, ok := bus.(Host)
	if !ok {
		return nil, errcode.New(errcode.ConfigInvalid, "sdcard: claim", string(cfg.Controller)+" is not an SD host")
	}
	c := &card{cfg: cfg, host: host}

	signal := []board.PinID{cfg.CMD, cfg.CLK}
	signal = append(signal, cfg.Data[:cfg.Host.BusWidth]...)
	for _, n := range signal {
		if _, err := claims.Pin(n); err != nil {
			return nil, errcode.Wrap(errcode.ConfigInvalid, "sdcard: claim", err)
		}
	}
	optional := []struct {
		n   board.PinID
		dst *board.Pin
	}{
		{cfg.CardDetect, &c.cd},
		{cfg.IOVoltSel, &c.vsel},
		{cfg.PowerEnable, &c.pwr},
		{cfg.WriteProtect, &c.wp},
		{cfg.LED, &c.led},
		{cfg.EMMCReset, &c.rst},
	}
	for _, op := range optional {
		p, err := claims.Pin(op.n)
		if err != nil {
			return nil, errcode.Wrap(errcode.ConfigInvalid, "sdcard: claim", err)
		}
		*op.dst = p
	}
	return c, nil
}

// CID returns the identification register read at the last initialisation.
func (d *Device) CID() CID {
	var id CID
	_ = d.Handle.Do("cid", func(core.Geometry) error {
		id = d.c.cidInfo
		return nil
	})
	return id
}

// HighCapacity reports whether the card uses block addressing.
func (d *Device) HighCapacity() bool {
	var hc bool
	_ = d.Handle.Do("high-capacity", func(core.Geometry) error {
		hc = d.c.highCap
		return nil
	})
	return hc
}

// WriteProtected reports the mechanical write-protect switch.
func (d *Device) WriteProtected() bool {
	var wp bool
	_ = d.Handle.Do("write-protected", func(core.Geometry) error {
		wp = d.c.writeProtected()
		return nil
	})
	return wp
}

// CardEvents delivers presence changes when a card-detect pin is wired.
// The channel is nil otherwise.
func (d *Device) CardEvents() <-chan CardEvent {
	if d.det == nil {
		return nil
	}
	return d.det.events
}

// Discard erases [addr, addr+size) on the card (CMD32/CMD33/CMD38 or the
// eMMC equivalents). Range and alignment follow Erase.
func (d *Device) Discard(addr, size uint64) error {
	return d.Handle.Do("discard", func(g core.Geometry) error {
		if err := g.CheckErase(addr, size); err != nil {
			return err
		}
		if size == 0 {
			return nil
		}
		return d.c.discard(addr, size)
	})
}
