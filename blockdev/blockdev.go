// Package blockdev is the common entry point for block devices: an SD card
// behind a host controller or a serial NOR flash on an SPI/QSPI bus.
//
// A Config names exactly one variant. Create validates it, claims the
// bus and pins it names from a board.Registry, brings the medium up and
// returns a Ready Device. Every Device offers the same contract:
//
//	Read(addr, p)     addr and len(p) multiples of ReadSize
//	Prog(addr, p)     addr and len(p) multiples of ProgSize
//	Erase(addr, n)    addr and n multiples of BlockSize
//	Sync()            returns once all programs are durable
//	Lock(ctx)         holds the device across several operations
//	Close()           releases the bus and pins; the handle is dead after
//
// Range is checked before alignment, so any access past the end reports
// out_of_range. Errors carry an errcode.Code; use errcode.Of or errors.Is.
package blockdev

import (
	"context"

	log "github.com/fclairamb/go-log"

	"blockdev-go/blockdev/core"
	"blockdev-go/board"
	"blockdev-go/drivers/sdcard"
	"blockdev-go/drivers/spiflash"
	"blockdev-go/errcode"
)

type (
	Geometry = core.Geometry
	State    = core.State
	Txn      = core.Txn
	Option   = core.Option
)

// Device is the block device contract both variants satisfy.
type Device interface {
	ID() string
	State() State
	Geometry() Geometry

	Read(addr uint64, p []byte) error
	Prog(addr uint64, p []byte) error
	Erase(addr, size uint64) error
	Sync() error

	Lock(ctx context.Context) (*Txn, error)
	Close() error
}

var (
	_ Device = (*sdcard.Device)(nil)
	_ Device = (*spiflash.Device)(nil)
)

// Kind selects the Config variant.
type Kind uint8

const (
	KindNone Kind = iota
	KindSD
	KindSPIFlash
)

func (k Kind) String() string {
	switch k {
	case KindSD:
		return "sdcard"
	case KindSPIFlash:
		return "spiflash"
	default:
		return "none"
	}
}

// ParseKind maps "sdcard"/"sd" and "spiflash"/"flash" to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "sdcard", "sd":
		return KindSD, true
	case "spiflash", "flash":
		return KindSPIFlash, true
	}
	return KindNone, false
}

// Config is a tagged union: Kind says which of SD or SPIFlash is set.
type Config struct {
	Kind     Kind
	SD       *sdcard.Config
	SPIFlash *spiflash.Config
}

// SDConfig wraps c as a Config.
func SDConfig(c sdcard.Config) Config { return Config{Kind: KindSD, SD: &c} }

// SPIFlashConfig wraps c as a Config.
func SPIFlashConfig(c spiflash.Config) Config { return Config{Kind: KindSPIFlash, SPIFlash: &c} }

// DefaultConfig returns the conservative defaults of a variant. Pins are
// left unwired.
func DefaultConfig(k Kind) Config {
	return DefaultConfigFor(k, nil)
}

// DefaultConfigFor returns defaults with pins taken from b (nil for none).
func DefaultConfigFor(k Kind, b *board.Board) Config {
	switch k {
	case KindSD:
		return SDConfig(sdcard.DefaultConfigFor(b))
	case KindSPIFlash:
		return SPIFlashConfig(spiflash.DefaultConfigFor(b))
	default:
		return Config{}
	}
}

// ID returns the device id of whichever variant is set.
func (c Config) ID() string {
	switch {
	case c.Kind == KindSD && c.SD != nil:
		return c.SD.ID
	case c.Kind == KindSPIFlash && c.SPIFlash != nil:
		return c.SPIFlash.ID
	}
	return ""
}

// Validate checks the tag and the selected variant.
func (c Config) Validate() error {
	switch c.Kind {
	case KindSD:
		if c.SD == nil || c.SPIFlash != nil {
			return errcode.New(errcode.ConfigInvalid, "blockdev", "sdcard config must set SD only")
		}
		return c.SD.Validate()
	case KindSPIFlash:
		if c.SPIFlash == nil || c.SD != nil {
			return errcode.New(errcode.ConfigInvalid, "blockdev", "spiflash config must set SPIFlash only")
		}
		return c.SPIFlash.Validate()
	default:
		return errcode.New(errcode.ConfigInvalid, "blockdev", "unknown device kind")
	}
}

// Create builds the device cfg describes, claiming its resources from reg.
func Create(cfg Config, reg board.Registry, opts ...Option) (Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Kind == KindSD {
		d, err := sdcard.New(*cfg.SD, reg, opts...)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	d, err := spiflash.New(*cfg.SPIFlash, reg, opts...)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// WithLogger injects the structured logger used by a device.
func WithLogger(l log.Logger) Option { return core.WithLogger(l) }
