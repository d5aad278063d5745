package sdcard

import "encoding/binary"

// CSD and CID are 128-bit registers; bits are numbered 127..0 with bit 127
// in the first byte.
type register [16]byte

func registerFrom(w [4]uint32) register {
	var r register
	for i, v := range w {
		binary.BigEndian.PutUint32(r[i*4:], v)
	}
	return r
}

// bits extracts register bits [hi:lo].
func (r register) bits(hi, lo int) uint32 {
	var v uint32
	for b := hi; b >= lo; b-- {
		byteIdx := 15 - b/8
		bit := (r[byteIdx] >> (b % 8)) & 1
		v = v<<1 | uint32(bit)
	}
	return v
}

// csdBlocks returns the card capacity in 512-byte blocks. ok is false when
// the structure version is unknown or the CSD defers to EXT_CSD (eMMC > 2 GB).
func csdBlocks(csd register, emmc bool) (blocks uint64, ok bool) {
	structure := csd.bits(127, 126)
	if !emmc && structure == 1 {
		// CSD 2.0: (C_SIZE+1) * 512 KiB.
		cSize := uint64(csd.bits(69, 48))
		return (cSize + 1) * 1024, true
	}
	if !emmc && structure != 0 {
		return 0, false
	}
	// CSD 1.0 (and eMMC up to 2 GB).
	cSize := uint64(csd.bits(73, 62))
	if emmc && cSize == 0xFFF {
		return 0, false
	}
	mult := uint64(csd.bits(49, 47))
	readBlLen := uint64(csd.bits(83, 80))
	bytes := (cSize + 1) << (mult + 2) << readBlLen
	return bytes / blockSize, true
}

// extCSDSectors reads SEC_COUNT from an eMMC EXT_CSD block.
func extCSDSectors(ext []byte) uint64 {
	if len(ext) < 216 {
		return 0
	}
	return uint64(binary.LittleEndian.Uint32(ext[212:216]))
}

// CID is the decoded card identification register.
type CID struct {
	ManufacturerID uint8
	OEMID          string
	ProductName    string
	Revision       uint8
	Serial         uint32
	Year           int
	Month          int
}

func parseCID(r register, emmc bool) CID {
	c := CID{ManufacturerID: uint8(r.bits(127, 120))}
	if emmc {
		c.OEMID = string([]byte{byte(r.bits(111, 104))})
		c.ProductName = string(r[3:9])
		c.Revision = uint8(r.bits(55, 48))
		c.Serial = r.bits(47, 16)
		c.Month = int(r.bits(15, 12))
		c.Year = 1997 + int(r.bits(11, 8))
		return c
	}
	c.OEMID = string(r[1:3])
	c.ProductName = string(r[3:8])
	c.Revision = uint8(r.bits(63, 56))
	c.Serial = r.bits(55, 24)
	c.Year = 2000 + int(r.bits(19, 12))
	c.Month = int(r.bits(11, 8))
	return c
}
