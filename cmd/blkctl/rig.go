package main

import (
	"io"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"blockdev-go/blockdev"
	"blockdev-go/board"
	"blockdev-go/config"
	"blockdev-go/sim"
)

// Media defaults when a device has no [device.sim] table.
const (
	defaultSDBlocks   = 65536
	defaultFlashJEDEC = 0xEF4015
	defaultFlashSize  = 2 << 20
)

// buildRig puts a simulated medium behind every configured device. Images
// are created in dir on first use and reused afterwards.
func buildRig(f *config.File, cfgs []blockdev.Config, fs afero.Fs, dir string) (*sim.Rig, []io.Closer, error) {
	b, err := f.BoardDesc()
	if err != nil {
		return nil, nil, err
	}
	if b == nil {
		b = board.Sim
	}
	rig := sim.NewRig(b)
	var media []io.Closer
	fail := func(err error) (*sim.Rig, []io.Closer, error) {
		for _, m := range media {
			m.Close()
		}
		return nil, nil, err
	}

	for i, cfg := range cfgs {
		s := config.Sim{}
		if f.Devices[i].Sim != nil {
			s = *f.Devices[i].Sim
		}
		if s.Image == "" {
			s.Image = cfg.ID() + ".img"
		}
		path := filepath.Join(dir, s.Image)

		switch cfg.Kind {
		case blockdev.KindSD:
			c := cfg.SD
			if s.Blocks == 0 {
				s.Blocks = defaultSDBlocks
			}
			card, err := sim.NewSDCard(fs, path, s.Blocks, sim.SDCardOptions{
				SDSC:       s.SDSC,
				EMMC:       c.Host.EMMC,
				LowVoltage: c.Host.LowVoltage,
			})
			if err != nil {
				return fail(err)
			}
			media = append(media, card)
			if err := rig.AttachSDCard(c.Controller, card, c.CardDetect, c.WriteProtect); err != nil {
				return fail(err)
			}
		case blockdev.KindSPIFlash:
			c := cfg.SPIFlash
			if s.JEDECID == 0 {
				s.JEDECID = c.Memory.JEDECID
			}
			if s.JEDECID == 0 {
				s.JEDECID = defaultFlashJEDEC
			}
			if s.Capacity == 0 {
				s.Capacity = c.Memory.Capacity
			}
			if s.Capacity == 0 {
				s.Capacity = defaultFlashSize
			}
			chip, err := sim.NewNORFlash(fs, path, sim.NORFlashOptions{
				JEDECID:  s.JEDECID,
				Capacity: s.Capacity,
				Quad:     s.Quad,
				NoSFDP:   s.NoSFDP,
			})
			if err != nil {
				return fail(err)
			}
			media = append(media, chip)
			if err := rig.AttachNORFlash(c.Bus, chip, c.CS); err != nil {
				return fail(err)
			}
		default:
			return fail(errors.Errorf("blkctl: device %s has no kind", cfg.ID()))
		}
	}
	return rig, media, nil
}
