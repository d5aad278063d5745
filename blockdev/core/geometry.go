// Package core holds the pieces shared by every block device backend: the
// geometry model, the handle state machine with its per-handle lock, and the
// explicit lock bracket (Txn).
package core

import (
	"fmt"

	"blockdev-go/errcode"
	"blockdev-go/x/mathx"
)

// Geometry describes the addressable units of a medium. All sizes are in
// bytes; addresses are byte offsets from the start of the device.
type Geometry struct {
	ReadSize   uint32 // minimum read granularity
	ProgSize   uint32 // minimum program granularity
	BlockSize  uint32 // erase unit
	BlockCount uint32

	// NeedsErase is set on media (NOR flash) where programming can only
	// clear bits and Erase restores ErasedValue.
	NeedsErase  bool
	ErasedValue byte

	// Filesystem hints.
	BlockCycles   int32 // wear-levelling cycle count, -1 disables
	CacheSize     uint32
	LookaheadSize uint32
}

// Capacity is BlockSize x BlockCount.
func (g Geometry) Capacity() uint64 {
	return uint64(g.BlockSize) * uint64(g.BlockCount)
}

// Validate checks the structural rules every backend must satisfy.
func (g Geometry) Validate() error {
	switch {
	case g.ReadSize == 0 || g.ProgSize == 0 || g.BlockSize == 0:
		return errcode.New(errcode.ConfigInvalid, "geometry", "zero unit size")
	case g.BlockCount == 0:
		return errcode.New(errcode.ConfigInvalid, "geometry", "zero block count")
	case g.BlockSize%g.ReadSize != 0 || g.BlockSize%g.ProgSize != 0:
		return errcode.New(errcode.ConfigInvalid, "geometry", "block size not a multiple of read/prog size")
	}
	return nil
}

// LookaheadFor returns the lookahead buffer size used for n blocks:
// one bit per block, rounded up to 8 bytes and capped at 64.
func LookaheadFor(n uint32) uint32 {
	return mathx.Min(8*mathx.CeilDiv(n, 64), 64)
}

// CheckRange fails OutOfRange when [addr, addr+size) is not inside the
// device. Range is always checked before alignment.
func (g Geometry) CheckRange(op string, addr, size uint64) error {
	c := g.Capacity()
	if addr > c || size > c-addr {
		return errcode.New(errcode.OutOfRange, op, fmt.Sprintf("0x%x+%d exceeds 0x%x", addr, size, c))
	}
	return nil
}

func checkAligned(op string, addr, size uint64, unit uint32) error {
	u := uint64(unit)
	if !mathx.Aligned(addr, u) || !mathx.Aligned(size, u) {
		return errcode.New(errcode.NotAligned, op, fmt.Sprintf("0x%x+%d not aligned to %d", addr, size, unit))
	}
	return nil
}

// CheckRead validates a read request.
func (g Geometry) CheckRead(addr uint64, size int) error {
	if err := g.CheckRange("read", addr, uint64(size)); err != nil {
		return err
	}
	return checkAligned("read", addr, uint64(size), g.ReadSize)
}

// CheckProg validates a program request.
func (g Geometry) CheckProg(addr uint64, size int) error {
	if err := g.CheckRange("prog", addr, uint64(size)); err != nil {
		return err
	}
	return checkAligned("prog", addr, uint64(size), g.ProgSize)
}

// CheckErase validates an erase request.
func (g Geometry) CheckErase(addr, size uint64) error {
	if err := g.CheckRange("erase", addr, size); err != nil {
		return err
	}
	return checkAligned("erase", addr, size, g.BlockSize)
}
