package spiflash

import (
	"errors"
	"time"
)

// Common NOR geometry.
const (
	PageSize   = 256
	SectorSize = 4 * 1024
	BlockSize  = 64 * 1024

	addr3Limit = 16 << 20 // beyond this, 4-byte addressing
)

// MemoryConfig is the geometry and command set of one chip. The zero value
// means "discover": the chip table is consulted by JEDEC ID, then SFDP.
type MemoryConfig struct {
	Name    string
	JEDECID uint32 // mfr<<16 | type<<8 | capacity; 0 accepts any chip

	Capacity   uint32 // bytes
	PageSize   uint32
	SectorSize uint32 // smallest erase unit, reported as the block size
	EraseOp    byte   // opcode erasing SectorSize
	LargeErase uint32 // optional larger erase unit (usually 64 KiB), 0 = none
	LargeOp    byte

	FastRead bool // 0x0B
	DualRead bool // 0x3B, 1-1-2
	QuadRead bool // 0x6B, 1-1-4
	QEMask   byte // quad-enable bit in status register 2, 0 = none

	ProgTimeout  time.Duration
	EraseTimeout time.Duration
}

// Discover reports whether m asks for runtime discovery.
func (m MemoryConfig) Discover() bool { return m.Capacity == 0 }

// Memory validation errors.
var (
	ErrPageSize   = errors.New("spiflash: page size must be a power of two")
	ErrSectorSize = errors.New("spiflash: sector size must be a power-of-two multiple of the page size")
	ErrCapacity   = errors.New("spiflash: capacity must be a multiple of the sector size")
	ErrLargeErase = errors.New("spiflash: large erase must be a multiple of the sector size")
)

func pow2(v uint32) bool { return v != 0 && v&(v-1) == 0 }

func (m MemoryConfig) validate() error {
	if m.Discover() {
		return nil
	}
	switch {
	case !pow2(m.PageSize):
		return ErrPageSize
	case !pow2(m.SectorSize) || m.SectorSize < m.PageSize:
		return ErrSectorSize
	case m.Capacity%m.SectorSize != 0:
		return ErrCapacity
	case m.LargeErase != 0 && (m.LargeErase%m.SectorSize != 0 || m.LargeOp == 0):
		return ErrLargeErase
	}
	return nil
}

// withDefaults fills opcodes and timeouts left zero.
func (m MemoryConfig) withDefaults() MemoryConfig {
	if m.EraseOp == 0 {
		m.EraseOp = cmdSectorErase
	}
	if m.ProgTimeout == 0 {
		m.ProgTimeout = 20 * time.Millisecond
	}
	if m.EraseTimeout == 0 {
		m.EraseTimeout = 2 * time.Second
	}
	return m
}

func nor(name string, id uint32, size uint32, quad bool) MemoryConfig {
	m := MemoryConfig{
		Name:         name,
		JEDECID:      id,
		Capacity:     size,
		PageSize:     PageSize,
		SectorSize:   SectorSize,
		EraseOp:      cmdSectorErase,
		LargeErase:   BlockSize,
		LargeOp:      cmdBlockErase,
		FastRead:     true,
		DualRead:     true,
		QuadRead:     quad,
		ProgTimeout:  5 * time.Millisecond,
		EraseTimeout: 2 * time.Second,
	}
	if quad {
		m.QEMask = 0x02
	}
	return m
}

// Chips is the built-in table of known parts, keyed by JEDEC ID.
var Chips = map[uint32]MemoryConfig{
	0x010617: nor("S25FL064L", 0x010617, 8<<20, true),
	0x014015: nor("S25FL216K", 0x014015, 2<<20, true),
	0x1F4501: nor("AT25DF081A", 0x1F4501, 1<<20, false),
	0x9D6018: nor("IS25LP128", 0x9D6018, 16<<20, true),
	0xC22015: nor("MX25L1606", 0xC22015, 2<<20, false),
	0xC22016: nor("MX25L3233F", 0xC22016, 4<<20, true),
	0xC22817: nor("MX25R6435F", 0xC22817, 8<<20, true),
	0xC84015: nor("GD25Q16C", 0xC84015, 2<<20, true),
	0xC84017: nor("GD25Q64C", 0xC84017, 8<<20, true),
	0xEF4015: nor("W25Q16JV", 0xEF4015, 2<<20, true),
	0xEF4016: nor("W25Q32FV", 0xEF4016, 4<<20, true),
	0xEF4017: nor("W25Q64JV", 0xEF4017, 8<<20, true),
	0xEF4018: nor("W25Q128JV", 0xEF4018, 16<<20, true),
	0xEF4019: nor("W25Q256JV", 0xEF4019, 32<<20, true),
	0xEF6014: nor("W25Q80DL", 0xEF6014, 1<<20, true),
	0xEF7018: nor("W25Q128JV-PM", 0xEF7018, 16<<20, true),
}

// ChipByName finds a table entry by part name.
func ChipByName(name string) (MemoryConfig, bool) {
	for _, m := range Chips {
		if m.Name == name {
			return m, true
		}
	}
	return MemoryConfig{}, false
}
