// Package config reads block device descriptions from TOML.
//
// A file names an optional board whose default wiring seeds every device,
// then one [[device]] table per device:
//
//	board = "sim"
//
//	[[device]]
//	id = "sd0"
//	type = "sdcard"
//	clock_hz = 25_000_000
//	[device.pins]
//	card_detect = 7
//
//	[[device]]
//	id = "flash0"
//	type = "spiflash"
//	chip = "W25Q16JV"
//	[device.region]
//	start = 1048576
//
// Pins left out keep the board default; -1 disconnects a pin.
package config

import (
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"blockdev-go/blockdev"
	"blockdev-go/board"
	"blockdev-go/drivers/sdcard"
	"blockdev-go/drivers/spiflash"
	"blockdev-go/errcode"
)

// File is a parsed description.
type File struct {
	Board   string   `toml:"board"`
	Devices []Device `toml:"device"`
}

// Device is one [[device]] table. Fields that only apply to the other
// variant are rejected.
type Device struct {
	ID      string `toml:"id"`
	Type    string `toml:"type"`
	ClockHz uint32 `toml:"clock_hz"`

	// sdcard
	Controller             string `toml:"controller"`
	BusWidth               uint8  `toml:"bus_width"`
	EMMC                   bool   `toml:"emmc"`
	LowVoltage             bool   `toml:"low_voltage"`
	LEDControl             bool   `toml:"led_control"`
	AutoReinit             *bool  `toml:"auto_reinit"`
	CardDetectActiveHigh   *bool  `toml:"card_detect_active_high"`
	WriteProtectActiveHigh *bool  `toml:"write_protect_active_high"`

	// spiflash
	Bus    string  `toml:"bus"`
	Mode   uint8   `toml:"mode"`
	Chip   string  `toml:"chip"`
	Memory *Memory `toml:"memory"`
	Region *Region `toml:"region"`

	Pins     Pins     `toml:"pins"`
	Timeouts Timeouts `toml:"timeouts"`

	// Sim describes the simulated medium blkctl puts behind the device.
	Sim *Sim `toml:"sim"`
}

// Pins overrides board wiring. Lists replace the whole default list.
type Pins struct {
	CMD          *int16  `toml:"cmd"`
	CLK          *int16  `toml:"clk"`
	Data         []int16 `toml:"data"`
	CardDetect   *int16  `toml:"card_detect"`
	WriteProtect *int16  `toml:"write_protect"`
	PowerEnable  *int16  `toml:"power_enable"`
	IOVoltSel    *int16  `toml:"io_volt_sel"`
	LED          *int16  `toml:"led"`
	EMMCReset    *int16  `toml:"emmc_reset"`

	IO   []int16 `toml:"io"`
	SCLK *int16  `toml:"sclk"`
	CS   *int16  `toml:"cs"`
}

// Timeouts are Go duration strings ("500ms").
type Timeouts struct {
	Init       Duration `toml:"init"`
	Busy       Duration `toml:"busy"`
	Lock       Duration `toml:"lock"`
	DetectPoll Duration `toml:"detect_poll"`
	Debounce   Duration `toml:"debounce"`
}

// Memory is an explicit flash description.
type Memory struct {
	Name         string   `toml:"name"`
	JEDECID      uint32   `toml:"jedec_id"`
	Capacity     uint32   `toml:"capacity"`
	PageSize     uint32   `toml:"page_size"`
	SectorSize   uint32   `toml:"sector_size"`
	EraseOp      uint8    `toml:"erase_op"`
	LargeErase   uint32   `toml:"large_erase"`
	LargeOp      uint8    `toml:"large_op"`
	FastRead     bool     `toml:"fast_read"`
	DualRead     bool     `toml:"dual_read"`
	QuadRead     bool     `toml:"quad_read"`
	QEMask       uint8    `toml:"qe_mask"`
	ProgTimeout  Duration `toml:"prog_timeout"`
	EraseTimeout Duration `toml:"erase_timeout"`
}

type Region struct {
	Start uint32 `toml:"start"`
	Size  uint32 `toml:"size"`
}

// Sim sizes the simulated medium. Image is relative to blkctl's image
// directory.
type Sim struct {
	Image    string `toml:"image"`
	Blocks   uint32 `toml:"blocks"`
	SDSC     bool   `toml:"sdsc"`
	JEDECID  uint32 `toml:"jedec_id"`
	Capacity uint32 `toml:"capacity"`
	Quad     bool   `toml:"quad"`
	NoSFDP   bool   `toml:"no_sfdp"`
}

// Duration decodes a Go duration string. Zero keeps the driver default.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Load parses a description. Unknown keys are errors.
func Load(r io.Reader) (*File, error) {
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	var f File
	if err := dec.Decode(&f); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, errcode.Wrap(errcode.ConfigInvalid, "config", errors.Wrapf(err, "line %d column %d", row, col))
		}
		return nil, errcode.Wrap(errcode.ConfigInvalid, "config", err)
	}
	return &f, nil
}

// LoadFile parses the description at path.
func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: open")
	}
	defer fh.Close()
	f, err := Load(fh)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return f, nil
}

// BoardDesc resolves the board name; empty means none.
func (f *File) BoardDesc() (*board.Board, error) {
	if f.Board == "" {
		return nil, nil
	}
	b, ok := board.Lookup(f.Board)
	if !ok {
		return nil, errcode.New(errcode.ConfigInvalid, "config", "unknown board "+f.Board)
	}
	return b, nil
}

// BlockdevConfigs converts every device, in file order, and validates it.
func (f *File) BlockdevConfigs() ([]blockdev.Config, error) {
	b, err := f.BoardDesc()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := make([]blockdev.Config, 0, len(f.Devices))
	for i := range f.Devices {
		d := &f.Devices[i]
		if d.ID == "" {
			return nil, errcode.New(errcode.ConfigInvalid, "config", "device without id")
		}
		if seen[d.ID] {
			return nil, errcode.New(errcode.ConfigInvalid, "config", "duplicate device id "+d.ID)
		}
		seen[d.ID] = true
		cfg, err := d.Blockdev(b)
		if err != nil {
			return nil, errors.Wrapf(err, "device %s", d.ID)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Blockdev converts d with defaults from b (nil for none).
func (d *Device) Blockdev(b *board.Board) (blockdev.Config, error) {
	k, ok := blockdev.ParseKind(d.Type)
	if !ok {
		return blockdev.Config{}, errcode.New(errcode.ConfigInvalid, "config", "unknown type "+d.Type)
	}
	var cfg blockdev.Config
	var err error
	switch k {
	case blockdev.KindSD:
		cfg, err = d.sd(b)
	default:
		cfg, err = d.flash(b)
	}
	if err != nil {
		return blockdev.Config{}, err
	}
	return cfg, cfg.Validate()
}

func invalid(msg string) error {
	return errcode.New(errcode.ConfigInvalid, "config", msg)
}

func (d *Device) sd(b *board.Board) (blockdev.Config, error) {
	if d.Bus != "" || d.Chip != "" || d.Memory != nil || d.Region != nil || d.Mode != 0 {
		return blockdev.Config{}, invalid("flash settings on an sdcard device")
	}
	p := d.Pins
	if p.IO != nil || p.SCLK != nil || p.CS != nil {
		return blockdev.Config{}, invalid("flash pins on an sdcard device")
	}

	c := sdcard.DefaultConfigFor(b)
	c.ID = d.ID
	if d.Controller != "" {
		c.Controller = board.ResourceID(d.Controller)
	}
	if d.ClockHz != 0 {
		c.Host.ClockHz = d.ClockHz
	}
	if d.BusWidth != 0 {
		c.Host.BusWidth = d.BusWidth
	}
	c.Host.EMMC = d.EMMC
	c.Host.LowVoltage = d.LowVoltage
	c.Host.LEDControl = d.LEDControl
	setBool(&c.AutoReinit, d.AutoReinit)
	setBool(&c.CardDetectActiveHigh, d.CardDetectActiveHigh)
	setBool(&c.WriteProtectActiveHigh, d.WriteProtectActiveHigh)

	setPin(&c.CMD, p.CMD)
	setPin(&c.CLK, p.CLK)
	if err := setPins(&c.Data, p.Data); err != nil {
		return blockdev.Config{}, err
	}
	setPin(&c.CardDetect, p.CardDetect)
	setPin(&c.WriteProtect, p.WriteProtect)
	setPin(&c.PowerEnable, p.PowerEnable)
	setPin(&c.IOVoltSel, p.IOVoltSel)
	setPin(&c.LED, p.LED)
	setPin(&c.EMMCReset, p.EMMCReset)

	t := d.Timeouts
	setDuration(&c.InitTimeout, t.Init)
	setDuration(&c.BusyTimeout, t.Busy)
	setDuration(&c.LockTimeout, t.Lock)
	setDuration(&c.DetectPoll, t.DetectPoll)
	setDuration(&c.Debounce, t.Debounce)
	return blockdev.SDConfig(c), nil
}

func (d *Device) flash(b *board.Board) (blockdev.Config, error) {
	if d.Controller != "" || d.BusWidth != 0 || d.EMMC || d.LowVoltage || d.LEDControl ||
		d.AutoReinit != nil || d.CardDetectActiveHigh != nil || d.WriteProtectActiveHigh != nil {
		return blockdev.Config{}, invalid("sdcard settings on a spiflash device")
	}
	p := d.Pins
	if p.CMD != nil || p.CLK != nil || p.Data != nil || p.CardDetect != nil || p.WriteProtect != nil ||
		p.PowerEnable != nil || p.IOVoltSel != nil || p.LED != nil || p.EMMCReset != nil {
		return blockdev.Config{}, invalid("sdcard pins on a spiflash device")
	}
	t := d.Timeouts
	if t.Init != 0 || t.Busy != 0 || t.DetectPoll != 0 || t.Debounce != 0 {
		return blockdev.Config{}, invalid("only the lock timeout applies to spiflash")
	}

	c := spiflash.DefaultConfigFor(b)
	c.ID = d.ID
	if d.Bus != "" {
		c.Bus = board.ResourceID(d.Bus)
	}
	if d.ClockHz != 0 {
		c.FrequencyHz = d.ClockHz
	}
	c.Mode = d.Mode
	if err := setPins(&c.IO, p.IO); err != nil {
		return blockdev.Config{}, err
	}
	setPin(&c.SCLK, p.SCLK)
	setPin(&c.CS, p.CS)
	setDuration(&c.LockTimeout, t.Lock)

	switch {
	case d.Chip != "" && d.Memory != nil:
		return blockdev.Config{}, invalid("chip and memory are exclusive")
	case d.Chip != "":
		m, ok := spiflash.ChipByName(d.Chip)
		if !ok {
			return blockdev.Config{}, invalid("unknown chip " + d.Chip)
		}
		c.Memory = m
	case d.Memory != nil:
		c.Memory = d.Memory.flash()
	}
	if d.Region != nil {
		c.Region = spiflash.Region{Start: d.Region.Start, Size: d.Region.Size}
	}
	return blockdev.SPIFlashConfig(c), nil
}

func (m *Memory) flash() spiflash.MemoryConfig {
	return spiflash.MemoryConfig{
		Name:         m.Name,
		JEDECID:      m.JEDECID,
		Capacity:     m.Capacity,
		PageSize:     m.PageSize,
		SectorSize:   m.SectorSize,
		EraseOp:      m.EraseOp,
		LargeErase:   m.LargeErase,
		LargeOp:      m.LargeOp,
		FastRead:     m.FastRead,
		DualRead:     m.DualRead,
		QuadRead:     m.QuadRead,
		QEMask:       m.QEMask,
		ProgTimeout:  time.Duration(m.ProgTimeout),
		EraseTimeout: time.Duration(m.EraseTimeout),
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setPin(dst *board.PinID, v *int16) {
	if v != nil {
		*dst = board.PinID(*v)
	}
}

func setPins(dst *[8]board.PinID, v []int16) error {
	if v == nil {
		return nil
	}
	if len(v) > len(dst) {
		return invalid("more than 8 data lines")
	}
	*dst = board.NoPins8()
	for i, n := range v {
		dst[i] = board.PinID(n)
	}
	return nil
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}
