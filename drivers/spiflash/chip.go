package spiflash

import (
	"fmt"
	"time"

	log "github.com/fclairamb/go-log"

	"blockdev-go/blockdev/core"
	"blockdev-go/errcode"
	"blockdev-go/x/mathx"
	"blockdev-go/x/timex"
)

// Command set.
const (
	cmdWriteStatus  = 0x01
	cmdPageProgram  = 0x02
	cmdRead         = 0x03
	cmdWriteDisable = 0x04
	cmdReadStatus   = 0x05
	cmdWriteEnable  = 0x06
	cmdFastRead     = 0x0B
	cmdSectorErase  = 0x20
	cmdWriteStatus2 = 0x31
	cmdReadStatus2  = 0x35
	cmdDualRead     = 0x3B
	cmdReadSFDP     = 0x5A
	cmdEnableReset  = 0x66
	cmdQuadRead     = 0x6B
	cmdReset        = 0x99
	cmdReadJEDEC    = 0x9F
	cmdReleasePD    = 0xAB
	cmdEnter4Byte   = 0xB7
	cmdPowerDown    = 0xB9
	cmdChipErase    = 0xC7
	cmdBlockErase   = 0xD8
	cmdExit4Byte    = 0xE9
)

// Status register 1.
const (
	srWIP    = 0x01
	srWEL    = 0x02
	srBPMask = 0x1C // BP0..BP2
	srTBSEC  = 0x60
)

const (
	tRES1      = 30 * time.Microsecond // release from deep power-down
	tRST       = 30 * time.Microsecond // software reset recovery
	pollPeriod = 20 * time.Microsecond
)

// chip is the protocol state of one flash part. It implements core.Backend.
type chip struct {
	cfg Config
	t   Transport
	log log.Logger

	jedec     uint32
	mem       MemoryConfig
	region    Region
	addrBytes int
	readOp    byte
	readLines int
	readDummy int

	buf [5 + PageSize]byte
}

var _ core.Backend = (*chip)(nil)

func (c *chip) busConfig() BusConfig {
	return BusConfig{FrequencyHz: c.cfg.FrequencyHz, Mode: c.cfg.Mode, Lines: c.cfg.lines()}
}

func (c *chip) command(op byte) error {
	c.buf[0] = op
	return c.t.Transact(1, c.buf[:1], nil)
}

func (c *chip) readReg(op byte, out []byte) error {
	c.buf[0] = op
	return c.t.Transact(1, c.buf[:1], out)
}

func (c *chip) readStatus() (byte, error) {
	var sr [1]byte
	err := c.readReg(cmdReadStatus, sr[:])
	return sr[0], err
}

// header encodes op and a physical address in buf and returns its length.
func (c *chip) header(buf []byte, op byte, addr uint32) int {
	buf[0] = op
	if c.addrBytes == 4 {
		buf[1], buf[2], buf[3], buf[4] = byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr)
		return 5
	}
	buf[1], buf[2], buf[3] = byte(addr>>16), byte(addr>>8), byte(addr)
	return 4
}

func (c *chip) readSFDP(offset uint32, out []byte) error {
	w := []byte{cmdReadSFDP, byte(offset >> 16), byte(offset >> 8), byte(offset), 0xFF}
	return c.t.Transact(1, w, out)
}

// Init wakes and resets the chip, identifies it and resolves its memory
// description.
func (c *chip) Init() (core.Geometry, error) {
	if err := c.t.Configure(c.busConfig()); err != nil {
		return core.Geometry{}, errcode.Wrap(errcode.BusInitFailed, "spiflash: configure", err)
	}
	if err := c.command(cmdReleasePD); err != nil {
		return core.Geometry{}, errcode.Wrap(errcode.BusInitFailed, "spiflash: wake", err)
	}
	time.Sleep(tRES1)
	if err := c.command(cmdEnableReset); err != nil {
		return core.Geometry{}, errcode.Wrap(errcode.IOError, "spiflash: reset", err)
	}
	if err := c.command(cmdReset); err != nil {
		return core.Geometry{}, errcode.Wrap(errcode.IOError, "spiflash: reset", err)
	}
	time.Sleep(tRST)
	c.addrBytes = 3

	var id [3]byte
	if err := c.readReg(cmdReadJEDEC, id[:]); err != nil {
		return core.Geometry{}, errcode.Wrap(errcode.IOError, "spiflash: jedec", err)
	}
	if (id[0] == 0x00 && id[1] == 0x00 && id[2] == 0x00) || (id[0] == 0xFF && id[1] == 0xFF && id[2] == 0xFF) {
		return core.Geometry{}, errcode.New(errcode.MediaNotFound, "spiflash: jedec", "no chip answers")
	}
	c.jedec = uint32(id[0])<<16 | uint32(id[1])<<8 | uint32(id[2])

	want := c.cfg.Memory
	if want.JEDECID != 0 && want.JEDECID != c.jedec {
		return core.Geometry{}, errcode.New(errcode.ConfigInvalid, "spiflash: jedec",
			fmt.Sprintf("found 0x%06x, configured 0x%06x", c.jedec, want.JEDECID))
	}
	mem, err := c.resolveMemory(want)
	if err != nil {
		return core.Geometry{}, err
	}
	if err := c.apply(mem, c.cfg.Region); err != nil {
		return core.Geometry{}, err
	}
	g := c.geometry()
	c.log.Info("flash ready",
		"chip", c.mem.Name,
		"jedec", fmt.Sprintf("%06x", c.jedec),
		"capacity", c.mem.Capacity,
		"region_start", c.region.Start,
		"read_op", fmt.Sprintf("%02x", c.readOp),
	)
	return g, nil
}

func (c *chip) resolveMemory(want MemoryConfig) (MemoryConfig, error) {
	if !want.Discover() {
		return want.withDefaults(), nil
	}
	if m, ok := Chips[c.jedec]; ok {
		return m.withDefaults(), nil
	}
	t, err := readBasicTable(c.readSFDP)
	if err != nil {
		return MemoryConfig{}, errcode.Wrap(errcode.ConfigInvalid, "spiflash: discover",
			fmt.Errorf("unknown chip 0x%06x: %w", c.jedec, err))
	}
	m, err := memoryFromSFDP(t)
	if err != nil {
		return MemoryConfig{}, errcode.Wrap(errcode.ConfigInvalid, "spiflash: sfdp", err)
	}
	m.JEDECID = c.jedec
	return m, nil
}

// apply switches addressing and read mode for mem and sets the window.
func (c *chip) apply(mem MemoryConfig, r Region) error {
	region, err := r.resolve(mem)
	if err != nil {
		return errcode.Wrap(errcode.ConfigInvalid, "spiflash: region", err)
	}
	if mem.PageSize > PageSize {
		return errcode.New(errcode.Unsupported, "spiflash: memory", "page size above 256")
	}

	lines := c.cfg.lines()
	if m := c.t.MaxLines(); lines > m {
		lines = m
	}
	op, opLines, dummy := byte(cmdRead), 1, 0
	switch {
	case lines >= 4 && mem.QuadRead:
		if err := c.enableQuad(mem); err != nil {
			return err
		}
		op, opLines, dummy = cmdQuadRead, 4, 1
	case lines >= 2 && mem.DualRead:
		op, opLines, dummy = cmdDualRead, 2, 1
	case mem.FastRead && c.cfg.FrequencyHz > DefaultFrequencyHz:
		op, dummy = cmdFastRead, 1
	}

	// The address mode switch is the last step that can fail; nothing
	// below it touches the chip.
	addrBytes := 3
	if mem.Capacity > addr3Limit {
		addrBytes = 4
	}
	switch {
	case addrBytes == 4 && c.addrBytes != 4:
		if err := c.command(cmdEnter4Byte); err != nil {
			return errcode.Wrap(errcode.IOError, "spiflash: 4-byte mode", err)
		}
	case addrBytes == 3 && c.addrBytes == 4:
		if err := c.command(cmdExit4Byte); err != nil {
			return errcode.Wrap(errcode.IOError, "spiflash: 3-byte mode", err)
		}
	}

	c.addrBytes = addrBytes
	c.readOp, c.readLines, c.readDummy = op, opLines, dummy
	c.mem = mem
	c.region = region
	return nil
}

func (c *chip) enableQuad(mem MemoryConfig) error {
	if mem.QEMask == 0 {
		return nil
	}
	var sr2 [1]byte
	if err := c.readReg(cmdReadStatus2, sr2[:]); err != nil {
		return errcode.Wrap(errcode.IOError, "spiflash: quad enable", err)
	}
	if sr2[0]&mem.QEMask != 0 {
		return nil
	}
	if err := c.writeEnable("spiflash: quad enable"); err != nil {
		return err
	}
	w := []byte{cmdWriteStatus2, sr2[0] | mem.QEMask}
	if err := c.t.Transact(1, w, nil); err != nil {
		return errcode.Wrap(errcode.IOError, "spiflash: quad enable", err)
	}
	return c.waitIdle("spiflash: quad enable", mem.ProgTimeout)
}

func (c *chip) geometry() core.Geometry {
	blocks := c.region.Size / c.mem.SectorSize
	return core.Geometry{
		ReadSize:      1,
		ProgSize:      c.mem.PageSize,
		BlockSize:     c.mem.SectorSize,
		BlockCount:    blocks,
		NeedsErase:    true,
		ErasedValue:   0xFF,
		BlockCycles:   512,
		CacheSize:     c.mem.PageSize,
		LookaheadSize: core.LookaheadFor(blocks),
	}
}

func (c *chip) Read(addr uint64, p []byte) error {
	phys := c.region.Start + uint32(addr)
	var hdr [6]byte
	n := c.header(hdr[:], c.readOp, phys)
	n += c.readDummy
	if err := c.t.Transact(c.readLines, hdr[:n], p); err != nil {
		return errcode.Wrap(errcode.MapDriverErr(err), "spiflash: read", err)
	}
	return nil
}

func (c *chip) checkProtection(op string) error {
	sr, err := c.readStatus()
	if err != nil {
		return errcode.Wrap(errcode.IOError, op, err)
	}
	if sr&srBPMask != 0 {
		return errcode.New(errcode.WriteProtected, op, fmt.Sprintf("block protect bits set (sr=0x%02x)", sr))
	}
	return nil
}

func (c *chip) writeEnable(op string) error {
	if err := c.command(cmdWriteEnable); err != nil {
		return errcode.Wrap(errcode.IOError, op, err)
	}
	sr, err := c.readStatus()
	if err != nil {
		return errcode.Wrap(errcode.IOError, op, err)
	}
	if sr&srWEL == 0 {
		return errcode.New(errcode.WriteProtected, op, "write enable latch not set")
	}
	return nil
}

// waitIdle polls WIP until clear, bounded by timeout.
func (c *chip) waitIdle(op string, timeout time.Duration) error {
	deadline := timex.DeadlineAfter(timeout)
	for {
		sr, err := c.readStatus()
		if err != nil {
			return errcode.Wrap(errcode.IOError, op, err)
		}
		if sr&srWIP == 0 {
			return nil
		}
		if timex.Expired(deadline) {
			return errcode.New(errcode.Timeout, op, "chip still busy")
		}
		time.Sleep(pollPeriod)
	}
}

// Prog programs whole pages; a write never crosses a page boundary.
func (c *chip) Prog(addr uint64, p []byte) error {
	if err := c.checkProtection("spiflash: prog"); err != nil {
		return err
	}
	phys := c.region.Start + uint32(addr)
	page := c.mem.PageSize
	for len(p) > 0 {
		n := mathx.Min(page-phys%page, uint32(len(p)))
		if err := c.writeEnable("spiflash: prog"); err != nil {
			return err
		}
		h := c.header(c.buf[:], cmdPageProgram, phys)
		w := append(c.buf[:h], p[:n]...)
		if err := c.t.Transact(1, w, nil); err != nil {
			return errcode.Wrap(errcode.MapDriverErr(err), "spiflash: prog", err)
		}
		if err := c.waitIdle("spiflash: prog", c.mem.ProgTimeout); err != nil {
			return err
		}
		phys += n
		p = p[n:]
	}
	return nil
}

// Erase uses the large erase where the range allows it.
func (c *chip) Erase(addr, size uint64) error {
	if err := c.checkProtection("spiflash: erase"); err != nil {
		return err
	}
	phys := c.region.Start + uint32(addr)
	end := phys + uint32(size)
	for phys < end {
		op, unit := c.mem.EraseOp, c.mem.SectorSize
		if l := c.mem.LargeErase; l != 0 && phys%l == 0 && end-phys >= l {
			op, unit = c.mem.LargeOp, l
		}
		if err := c.writeEnable("spiflash: erase"); err != nil {
			return err
		}
		var hdr [5]byte
		h := c.header(hdr[:], op, phys)
		if err := c.t.Transact(1, hdr[:h], nil); err != nil {
			return errcode.Wrap(errcode.MapDriverErr(err), "spiflash: erase", err)
		}
		if err := c.waitIdle("spiflash: erase", c.mem.EraseTimeout); err != nil {
			return err
		}
		phys += unit
	}
	return nil
}

// Sync waits for any program or erase still in flight.
func (c *chip) Sync() error {
	return c.waitIdle("spiflash: sync", c.mem.EraseTimeout)
}

// Shutdown parks the chip in deep power-down.
func (c *chip) Shutdown() error {
	if err := c.waitIdle("spiflash: shutdown", c.mem.EraseTimeout); err != nil {
		return err
	}
	if err := c.command(cmdPowerDown); err != nil {
		return errcode.Wrap(errcode.IOError, "spiflash: power down", err)
	}
	return nil
}

func (c *chip) setProtection(on bool) error {
	sr, err := c.readStatus()
	if err != nil {
		return errcode.Wrap(errcode.IOError, "spiflash: protection", err)
	}
	next := sr &^ (srBPMask | srTBSEC | srWIP | srWEL)
	if on {
		next |= srBPMask
	}
	if err := c.writeEnable("spiflash: protection"); err != nil {
		return err
	}
	w := []byte{cmdWriteStatus, next}
	if err := c.t.Transact(1, w, nil); err != nil {
		return errcode.Wrap(errcode.IOError, "spiflash: protection", err)
	}
	if err := c.waitIdle("spiflash: protection", c.mem.ProgTimeout); err != nil {
		return err
	}
	c.log.Info("protection changed", "on", on)
	return nil
}
