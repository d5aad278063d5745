//go:build linux

// Package rpi adapts a Raspberry Pi header to the board registry with
// go-rpio: SPI0 as a tinygo drivers.SPI bus and BCM GPIOs as pins.
//
// Chip select is a plain GPIO owned by the flash driver; the hardware CE
// lines are not used. The Pi's SD host is not reachable from user space,
// so only serial flash devices can be created here.
package rpi

import (
	"sync"

	"github.com/pkg/errors"
	rpio "github.com/stianeikeland/go-rpio/v4"
	"tinygo.org/x/drivers"

	"blockdev-go/board"
	"blockdev-go/drivers/spiflash"
)

// Provider owns the mapped GPIO block and the SPI0 controller.
type Provider struct {
	Board    *board.Board
	Registry *board.MapRegistry
	spi      *SPI
}

// Open maps GPIO memory and starts SPI0. b defaults to board.RPi4.
func Open(b *board.Board) (*Provider, error) {
	if b == nil {
		b = board.RPi4
	}
	if err := rpio.Open(); err != nil {
		return nil, errors.Wrap(err, "rpi: map gpio")
	}
	if err := rpio.SpiBegin(rpio.Spi0); err != nil {
		rpio.Close()
		return nil, errors.Wrap(err, "rpi: spi0")
	}
	s := &SPI{dev: rpio.Spi0}
	pins := map[board.PinID]board.Pin{}
	for n := b.GPIOMin; n <= b.GPIOMax; n++ {
		pins[board.PinID(n)] = &Pin{p: rpio.Pin(n), n: n}
	}
	buses := map[board.ResourceID]any{"spi0": s}
	return &Provider{
		Board:    b,
		Registry: board.NewRegistry(b, buses, pins),
		spi:      s,
	}, nil
}

// Close stops SPI0 and unmaps GPIO memory.
func (p *Provider) Close() error {
	rpio.SpiEnd(p.spi.dev)
	return errors.Wrap(rpio.Close(), "rpi: unmap gpio")
}

// SPI is SPI0 driven through go-rpio.
type SPI struct {
	mu  sync.Mutex
	dev rpio.SpiDev
}

var (
	_ drivers.SPI            = (*SPI)(nil)
	_ spiflash.SPIConfigurer = (*SPI)(nil)
)

// ConfigureSPI sets the clock and SPI mode.
func (s *SPI) ConfigureSPI(frequencyHz uint32, mode uint8) error {
	cpol, cpha, err := polarity(mode)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rpio.SpiSpeed(int(frequencyHz))
	rpio.SpiMode(cpol, cpha)
	return nil
}

// Tx writes w and reads r. When both are given they are exchanged full
// duplex and must be the same length.
func (s *SPI) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case len(r) == 0:
		if len(w) > 0 {
			rpio.SpiTransmit(w...)
		}
	case len(w) == 0:
		copy(r, rpio.SpiReceive(len(r)))
	case len(w) == len(r):
		copy(r, w)
		rpio.SpiExchange(r)
	default:
		return errors.Errorf("rpi: full duplex with %d out, %d in", len(w), len(r))
	}
	return nil
}

func (s *SPI) Transfer(b byte) (byte, error) {
	var buf [1]byte
	buf[0] = b
	if err := s.Tx(buf[:], buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func polarity(mode uint8) (cpol, cpha uint8, err error) {
	if mode > 3 {
		return 0, 0, errors.Errorf("rpi: SPI mode %d", mode)
	}
	return mode >> 1, mode & 1, nil
}

// Pin is a BCM GPIO.
type Pin struct {
	p rpio.Pin
	n int
}

func (p *Pin) Number() int { return p.n }

func (p *Pin) ConfigureInput(pull board.Pull) error {
	p.p.Input()
	switch pull {
	case board.PullUp:
		p.p.PullUp()
	case board.PullDown:
		p.p.PullDown()
	default:
		p.p.PullOff()
	}
	return nil
}

func (p *Pin) ConfigureOutput(initial bool) error {
	p.p.Output()
	p.Set(initial)
	return nil
}

func (p *Pin) Set(level bool) {
	if level {
		p.p.High()
	} else {
		p.p.Low()
	}
}

func (p *Pin) Get() bool { return p.p.Read() == rpio.High }
