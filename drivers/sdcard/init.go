package sdcard

import (
	"time"

	log "github.com/fclairamb/go-log"

	"blockdev-go/blockdev/core"
	"blockdev-go/board"
	"blockdev-go/errcode"
	"blockdev-go/x/timex"
)

// card is the protocol state of one slot. It implements core.Backend; the
// handle serialises every call.
type card struct {
	cfg  Config
	host Host
	log  log.Logger

	cd, vsel, pwr, wp, led, rst board.Pin

	rca     uint16
	highCap bool
	v2      bool
	emmc    bool
	lowV    bool
	cid     register
	csd     register
	cidInfo CID
	blocks  uint32
}

var _ core.Backend = (*card)(nil)

func (c *card) identHost() HostConfig {
	return HostConfig{
		ClockHz:    IdentClockHz,
		BusWidth:   1,
		EMMC:       c.cfg.Host.EMMC,
		LEDControl: c.cfg.Host.LEDControl,
	}
}

func (c *card) setupPins() error {
	steps := []struct {
		p   board.Pin
		out bool
		lvl bool
	}{
		{c.pwr, true, true},
		{c.rst, true, true}, // eMMC reset is active low
		{c.vsel, true, false},
		{c.led, true, false},
		{c.cd, false, false},
		{c.wp, false, false},
	}
	for _, s := range steps {
		if s.p == nil {
			continue
		}
		var err error
		if s.out {
			err = s.p.ConfigureOutput(s.lvl)
		} else {
			err = s.p.ConfigureInput(board.PullUp)
		}
		if err != nil {
			return errcode.Wrap(errcode.BusInitFailed, "sdcard: pin setup", err)
		}
	}
	return nil
}

func (c *card) present() bool {
	if c.cd == nil {
		return true
	}
	return c.cd.Get() == c.cfg.CardDetectActiveHigh
}

func (c *card) writeProtected() bool {
	if c.wp == nil {
		return false
	}
	return c.wp.Get() == c.cfg.WriteProtectActiveHigh
}

func (c *card) powerOff() {
	if c.led != nil {
		c.led.Set(false)
	}
	if c.pwr != nil {
		c.pwr.Set(false)
	}
}

// cmd runs one command with the activity LED lit.
func (c *card) cmd(index uint8, arg uint32, resp RespType) (*Command, error) {
	cmd := &Command{Index: index, Arg: arg, Resp: resp}
	return cmd, c.transact(cmd)
}

func (c *card) transact(cmd *Command) error {
	led := c.led != nil && c.cfg.Host.LEDControl
	if led {
		c.led.Set(true)
	}
	err := c.host.Transact(cmd)
	if led {
		c.led.Set(false)
	}
	return err
}

func (c *card) appCmd(index uint8, arg uint32, resp RespType) (*Command, error) {
	if _, err := c.cmd(cmdAppCmd, uint32(c.rca)<<16, RespR1); err != nil {
		return nil, err
	}
	return c.cmd(index, arg, resp)
}

// noCard turns a missing response during identification into MediaNotFound.
func noCard(op string, err error) error {
	if errcode.Of(err) == errcode.Timeout {
		return errcode.Wrap(errcode.MediaNotFound, op, err)
	}
	return errcode.Wrap(errcode.MapDriverErr(err), op, err)
}

// Init runs card identification and brings the card to the transfer state.
func (c *card) Init() (core.Geometry, error) {
	if !c.present() {
		return core.Geometry{}, errcode.New(errcode.MediaNotFound, "sdcard: init", "card detect reports empty slot")
	}
	if c.pwr != nil {
		c.pwr.Set(true)
	}
	if c.vsel != nil {
		c.vsel.Set(false)
	}
	c.rca, c.highCap, c.v2, c.lowV = 0, false, false, false
	c.emmc = c.cfg.Host.EMMC

	if err := c.host.Configure(c.identHost()); err != nil {
		return core.Geometry{}, errcode.Wrap(errcode.BusInitFailed, "sdcard: configure", err)
	}
	if _, err := c.cmd(cmdGoIdle, 0, RespNone); err != nil {
		return core.Geometry{}, noCard("sdcard: cmd0", err)
	}

	var err error
	if c.emmc {
		err = c.initMMC()
	} else {
		err = c.initSD()
	}
	if err != nil {
		return core.Geometry{}, err
	}

	if err := c.host.Configure(c.transferHost()); err != nil {
		return core.Geometry{}, errcode.Wrap(errcode.BusInitFailed, "sdcard: configure", err)
	}

	c.log.Info("card ready",
		"emmc", c.emmc,
		"high_capacity", c.highCap,
		"blocks", c.blocks,
		"rca", c.rca,
		"product", c.cidInfo.ProductName,
	)
	return core.Geometry{
		ReadSize:      blockSize,
		ProgSize:      blockSize,
		BlockSize:     blockSize,
		BlockCount:    c.blocks,
		NeedsErase:    false,
		BlockCycles:   -1,
		CacheSize:     blockSize,
		LookaheadSize: core.LookaheadFor(c.blocks),
	}, nil
}

func (c *card) transferHost() HostConfig {
	h := c.cfg.Host
	h.LowVoltage = c.lowV
	return h
}

func (c *card) initSD() error {
	// CMD8: a v1 card does not answer.
	r, err := c.cmd(cmdSendIfCond, 0x1AA, RespR7)
	switch {
	case err == nil:
		if r.Response[0]&0xFFF != 0x1AA {
			return errcode.New(errcode.IOError, "sdcard: cmd8", "voltage not accepted")
		}
		c.v2 = true
	case errcode.Of(err) == errcode.Timeout:
		c.v2 = false
	default:
		return noCard("sdcard: cmd8", err)
	}

	arg := uint32(ocrVoltWindow)
	if c.v2 {
		arg |= ocrCCS
		if c.cfg.Host.LowVoltage {
			arg |= ocrS18
		}
	}
	deadline := timex.DeadlineAfter(c.cfg.InitTimeout)
	var ocr uint32
	for {
		r, err := c.appCmd(acmdSendOpCond, arg, RespR3)
		if err != nil {
			return noCard("sdcard: acmd41", err)
		}
		ocr = r.Response[0]
		if ocr&ocrBusyN != 0 {
			break
		}
		if timex.Expired(deadline) {
			return errcode.New(errcode.Timeout, "sdcard: acmd41", "card stayed busy")
		}
		time.Sleep(time.Millisecond)
	}
	c.highCap = ocr&ocrCCS != 0

	if c.cfg.Host.LowVoltage && ocr&ocrS18 != 0 {
		if _, err := c.cmd(cmdVoltageSwitch, 0, RespR1); err != nil {
			return errcode.Wrap(errcode.IOError, "sdcard: cmd11", err)
		}
		if c.vsel != nil {
			c.vsel.Set(true)
		}
		c.lowV = true
	}

	if err := c.identify(); err != nil {
		return err
	}
	if c.cfg.Host.BusWidth == 4 {
		if _, err := c.appCmd(acmdSetBusWidth, 2, RespR1); err != nil {
			return errcode.Wrap(errcode.BusInitFailed, "sdcard: acmd6", err)
		}
	}
	if !c.highCap {
		if _, err := c.cmd(cmdSetBlockLen, blockSize, RespR1); err != nil {
			return errcode.Wrap(errcode.IOError, "sdcard: cmd16", err)
		}
	}
	return nil
}

func (c *card) initMMC() error {
	deadline := timex.DeadlineAfter(c.cfg.InitTimeout)
	var ocr uint32
	for {
		r, err := c.cmd(cmdSendOpCondMMC, mmcOCRSector, RespR3)
		if err != nil {
			return noCard("sdcard: cmd1", err)
		}
		ocr = r.Response[0]
		if ocr&ocrBusyN != 0 {
			break
		}
		if timex.Expired(deadline) {
			return errcode.New(errcode.Timeout, "sdcard: cmd1", "device stayed busy")
		}
		time.Sleep(time.Millisecond)
	}
	c.highCap = ocr&ocrCCS != 0
	// eMMC takes the RCA from the host.
	c.rca = 1

	if err := c.identify(); err != nil {
		return err
	}
	if c.blocks == 0 {
		ext := make([]byte, blockSize)
		cmd := &Command{Index: cmdSendIfCond, Resp: RespR1, Data: ext, BlockSize: blockSize}
		if err := c.transact(cmd); err != nil {
			return errcode.Wrap(errcode.IOError, "sdcard: ext_csd", err)
		}
		n := extCSDSectors(ext)
		if n == 0 {
			return errcode.New(errcode.IOError, "sdcard: ext_csd", "bad SEC_COUNT")
		}
		c.blocks = uint32(n)
	}
	if w := c.cfg.Host.BusWidth; w > 1 {
		// SWITCH write byte: EXT_CSD[183] BUS_WIDTH = 1 (4-bit) or 2 (8-bit).
		val := uint32(1)
		if w == 8 {
			val = 2
		}
		arg := uint32(3)<<24 | 183<<16 | val<<8
		if _, err := c.cmd(cmdSwitchMMC, arg, RespR1b); err != nil {
			return errcode.Wrap(errcode.BusInitFailed, "sdcard: switch", err)
		}
	}
	return c.waitReady("sdcard: switch")
}

// identify runs CMD2, CMD3, CMD9 and CMD7, leaving the card selected.
func (c *card) identify() error {
	r, err := c.cmd(cmdAllSendCID, 0, RespR2)
	if err != nil {
		return errcode.Wrap(errcode.IOError, "sdcard: cmd2", err)
	}
	c.cid = registerFrom(r.Response)
	c.cidInfo = parseCID(c.cid, c.emmc)

	if c.emmc {
		if _, err := c.cmd(cmdSendRelAddr, uint32(c.rca)<<16, RespR1); err != nil {
			return errcode.Wrap(errcode.IOError, "sdcard: cmd3", err)
		}
	} else {
		r, err = c.cmd(cmdSendRelAddr, 0, RespR6)
		if err != nil {
			return errcode.Wrap(errcode.IOError, "sdcard: cmd3", err)
		}
		c.rca = uint16(r.Response[0] >> 16)
	}

	r, err = c.cmd(cmdSendCSD, uint32(c.rca)<<16, RespR2)
	if err != nil {
		return errcode.Wrap(errcode.IOError, "sdcard: cmd9", err)
	}
	c.csd = registerFrom(r.Response)
	blocks, ok := csdBlocks(c.csd, c.emmc)
	switch {
	case !ok && !c.emmc:
		return errcode.New(errcode.IOError, "sdcard: csd", "unknown CSD structure")
	case blocks > 0xFFFFFFFF:
		return errcode.New(errcode.Unsupported, "sdcard: csd", "card larger than 2 TiB")
	}
	c.blocks = uint32(blocks)

	if _, err := c.cmd(cmdSelectCard, uint32(c.rca)<<16, RespR1b); err != nil {
		return errcode.Wrap(errcode.IOError, "sdcard: cmd7", err)
	}
	return nil
}
