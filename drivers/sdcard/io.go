package sdcard

import (
	"time"

	"blockdev-go/errcode"
	"blockdev-go/x/timex"
)

// arg converts a byte address to the command argument: block number on
// high-capacity cards, byte offset on SDSC.
func (c *card) arg(addr uint64) uint32 {
	if c.highCap {
		return uint32(addr / blockSize)
	}
	return uint32(addr)
}

func (c *card) Read(addr uint64, p []byte) error {
	n := len(p) / blockSize
	index := uint8(cmdReadSingle)
	if n > 1 {
		index = cmdReadMulti
	}
	cmd := &Command{Index: index, Arg: c.arg(addr), Resp: RespR1, Data: p, BlockSize: blockSize}
	err := c.transact(cmd)
	if n > 1 {
		if _, serr := c.cmd(cmdStopTransmit, 0, RespR1b); err == nil && serr != nil {
			err = serr
		}
	}
	if err != nil {
		return errcode.Wrap(errcode.MapDriverErr(err), "sdcard: read", err)
	}
	return r1Err("sdcard: read", cmd.Response[0])
}

func (c *card) Prog(addr uint64, p []byte) error {
	if c.writeProtected() {
		return errcode.New(errcode.WriteProtected, "sdcard: prog", "write-protect switch set")
	}
	n := len(p) / blockSize
	index := uint8(cmdWriteSingle)
	if n > 1 {
		index = cmdWriteMulti
	}
	cmd := &Command{Index: index, Arg: c.arg(addr), Resp: RespR1, Data: p, BlockSize: blockSize, Write: true}
	err := c.transact(cmd)
	if n > 1 {
		if _, serr := c.cmd(cmdStopTransmit, 0, RespR1b); err == nil && serr != nil {
			err = serr
		}
	}
	if err != nil {
		return errcode.Wrap(errcode.MapDriverErr(err), "sdcard: prog", err)
	}
	if err := r1Err("sdcard: prog", cmd.Response[0]); err != nil {
		return err
	}
	return c.waitReady("sdcard: prog")
}

// Erase is a no-op: the geometry reports NeedsErase=false and callers
// overwrite in place.
func (c *card) Erase(addr, size uint64) error { return nil }

// Sync waits until the card has left the programming state.
func (c *card) Sync() error { return c.waitReady("sdcard: sync") }

func (c *card) Shutdown() error {
	// Deselect; a missing card is not an error here.
	_, _ = c.cmd(cmdSelectCard, 0, RespNone)
	c.powerOff()
	return nil
}

// waitReady polls CMD13 until the card is back in tran with READY_FOR_DATA,
// bounded by BusyTimeout.
func (c *card) waitReady(op string) error {
	deadline := timex.DeadlineAfter(c.cfg.BusyTimeout)
	for {
		r, err := c.cmd(cmdSendStatus, uint32(c.rca)<<16, RespR1)
		if err != nil {
			return errcode.Wrap(errcode.MapDriverErr(err), op, err)
		}
		st := r.Response[0]
		if err := r1Err(op, st); err != nil {
			return err
		}
		if r1State(st) == stateTran && st&r1ReadyForData != 0 {
			return nil
		}
		if timex.Expired(deadline) {
			return errcode.New(errcode.Timeout, op, "card busy")
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func (c *card) discard(addr, size uint64) error {
	if c.writeProtected() {
		return errcode.New(errcode.WriteProtected, "sdcard: discard", "write-protect switch set")
	}
	start, end := uint8(cmdEraseStart), uint8(cmdEraseEnd)
	if c.emmc {
		start, end = cmdEraseGroupStart, cmdEraseGroupEnd
	}
	last := addr + size - blockSize
	steps := []struct {
		index uint8
		arg   uint32
		resp  RespType
	}{
		{start, c.arg(addr), RespR1},
		{end, c.arg(last), RespR1},
		{cmdErase, 0, RespR1b},
	}
	for _, s := range steps {
		r, err := c.cmd(s.index, s.arg, s.resp)
		if err != nil {
			return errcode.Wrap(errcode.MapDriverErr(err), "sdcard: discard", err)
		}
		if err := r1Err("sdcard: discard", r.Response[0]); err != nil {
			return err
		}
	}
	c.log.Debug("discarded", "addr", addr, "size", size)
	return c.waitReady("sdcard: discard")
}
