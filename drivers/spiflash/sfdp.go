package spiflash

import (
	"encoding/binary"
	"errors"
)

// SFDP (JESD216) discovery of the basic flash parameter table.

const (
	sfdpSignature = "SFDP"
	sfdpBasicID   = 0xFF00
)

var (
	ErrNoSFDP       = errors.New("spiflash: chip does not support SFDP")
	ErrNoBasicTable = errors.New("spiflash: no SFDP basic parameter table")
	ErrSFDPDensity  = errors.New("spiflash: unsupported SFDP density")
)

// sfdpReader reads from the SFDP address space.
type sfdpReader func(offset uint32, out []byte) error

type sfdpParam struct {
	id      uint16
	major   uint8
	minor   uint8
	dwords  uint8
	pointer uint32
}

func parseSFDPHeaders(read sfdpReader) ([]sfdpParam, error) {
	var hdr [8]byte
	if err := read(0, hdr[:]); err != nil {
		return nil, err
	}
	if string(hdr[:4]) != sfdpSignature {
		return nil, ErrNoSFDP
	}
	// NPH is zero-based.
	n := int(hdr[6]) + 1
	buf := make([]byte, 8*n)
	if err := read(8, buf); err != nil {
		return nil, err
	}
	params := make([]sfdpParam, n)
	for i := range params {
		b := buf[i*8:]
		params[i] = sfdpParam{
			id:      uint16(b[7])<<8 | uint16(b[0]),
			minor:   b[1],
			major:   b[2],
			dwords:  b[3],
			pointer: uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16,
		}
	}
	return params, nil
}

// readBasicTable returns the dwords of the basic parameter table
// (index 0 is DWORD 1).
func readBasicTable(read sfdpReader) ([]uint32, error) {
	params, err := parseSFDPHeaders(read)
	if err != nil {
		return nil, err
	}
	for _, p := range params {
		if p.id != sfdpBasicID || p.dwords < 2 {
			continue
		}
		buf := make([]byte, int(p.dwords)*4)
		if err := read(p.pointer, buf); err != nil {
			return nil, err
		}
		t := make([]uint32, p.dwords)
		for i := range t {
			t[i] = binary.LittleEndian.Uint32(buf[i*4:])
		}
		return t, nil
	}
	return nil, ErrNoBasicTable
}

// memoryFromSFDP builds a MemoryConfig from a basic parameter table.
func memoryFromSFDP(t []uint32) (MemoryConfig, error) {
	m := MemoryConfig{
		Name:     "sfdp",
		PageSize: PageSize,
		FastRead: true,
	}

	density := t[1]
	var bits uint64
	if density&0x80000000 == 0 {
		bits = uint64(density) + 1
	} else {
		n := density &^ 0x80000000
		if n > 35 { // > 4 GiB
			return MemoryConfig{}, ErrSFDPDensity
		}
		bits = 1 << n
	}
	if bits/8 > 1<<32-1 {
		return MemoryConfig{}, ErrSFDPDensity
	}
	m.Capacity = uint32(bits / 8)

	dw1 := t[0]
	m.DualRead = dw1&(1<<16) != 0
	m.QuadRead = dw1&(1<<22) != 0
	if dw1&0x3 == 0x1 {
		m.SectorSize = SectorSize
		m.EraseOp = byte(dw1 >> 8)
	}

	// Erase types 1-4 (DWORDs 8 and 9): size exponent, opcode.
	if len(t) >= 9 {
		for _, dw := range t[7:9] {
			for _, et := range [2]uint32{dw & 0xFFFF, dw >> 16} {
				exp, op := et&0xFF, byte(et>>8)
				if exp == 0 || exp > 31 {
					continue
				}
				size := uint32(1) << exp
				if m.SectorSize == 0 || size < m.SectorSize {
					m.SectorSize, m.EraseOp = size, op
				}
				if size == BlockSize {
					m.LargeErase, m.LargeOp = size, op
				}
			}
		}
	}
	if m.LargeErase == m.SectorSize {
		m.LargeErase, m.LargeOp = 0, 0
	}
	if m.SectorSize == 0 {
		return MemoryConfig{}, ErrNoBasicTable
	}

	if len(t) >= 11 {
		if exp := (t[10] >> 4) & 0xF; exp != 0 {
			m.PageSize = 1 << exp
		}
	}
	if m.QuadRead {
		m.QEMask = 0x02
	}
	return m.withDefaults(), m.validate()
}
