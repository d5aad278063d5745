package spiflash

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sfdpImage lays out a header, nph+1 parameter headers and the given basic
// table at 0x80.
func sfdpImage(nph byte, extra []byte, basic []uint32) []byte {
	img := make([]byte, 0x80+4*len(basic))
	copy(img, "SFDP")
	img[4], img[5], img[6] = 0x06, 0x01, nph
	// First header: a vendor table that must be skipped.
	copy(img[8:16], extra)
	// Second header: basic table.
	h := img[16:24]
	h[0], h[1], h[2], h[3] = 0x00, 0x06, 0x01, byte(len(basic))
	h[4], h[5], h[6], h[7] = 0x80, 0x00, 0x00, 0xFF
	for i, v := range basic {
		binary.LittleEndian.PutUint32(img[0x80+4*i:], v)
	}
	return img
}

func reader(img []byte) sfdpReader {
	return func(off uint32, out []byte) error {
		for i := range out {
			out[i] = 0xFF
			if p := int(off) + i; p < len(img) {
				out[i] = img[p]
			}
		}
		return nil
	}
}

func basicTable(capBytes uint32, quad bool) []uint32 {
	t := make([]uint32, 11)
	t[0] = 0x01 | 0x20<<8 | 1<<16
	if quad {
		t[0] |= 1 << 22
	}
	t[1] = capBytes*8 - 1
	t[7] = 12 | 0x20<<8 | (15|0x52<<8)<<16
	t[8] = 16 | 0xD8<<8
	t[10] = 8 << 4
	return t
}

func TestSFDPHeaders(t *testing.T) {
	vendor := []byte{0x84, 0x00, 0x01, 0x02, 0x40, 0x00, 0x00, 0xFF}
	img := sfdpImage(1, vendor, basicTable(8<<20, true))

	params, err := parseSFDPHeaders(reader(img))
	require.NoError(t, err)
	require.Len(t, params, 2)
	assert.Equal(t, uint16(0xFF84), params[0].id)
	assert.Equal(t, uint16(sfdpBasicID), params[1].id)
	assert.Equal(t, uint32(0x80), params[1].pointer)
	assert.Equal(t, uint8(11), params[1].dwords)

	tbl, err := readBasicTable(reader(img))
	require.NoError(t, err)
	assert.Len(t, tbl, 11)
}

func TestSFDPMissing(t *testing.T) {
	_, err := readBasicTable(reader(make([]byte, 64)))
	assert.ErrorIs(t, err, ErrNoSFDP)

	img := sfdpImage(0, []byte{0x84, 0, 1, 2, 0x40, 0, 0, 0xFF}, nil)
	_, err = readBasicTable(reader(img))
	assert.ErrorIs(t, err, ErrNoBasicTable)
}

func TestMemoryFromSFDP(t *testing.T) {
	m, err := memoryFromSFDP(basicTable(8<<20, true))
	require.NoError(t, err)
	assert.Equal(t, uint32(8<<20), m.Capacity)
	assert.Equal(t, uint32(SectorSize), m.SectorSize)
	assert.Equal(t, byte(0x20), m.EraseOp)
	assert.Equal(t, uint32(BlockSize), m.LargeErase)
	assert.Equal(t, byte(0xD8), m.LargeOp)
	assert.Equal(t, uint32(256), m.PageSize)
	assert.True(t, m.DualRead)
	assert.True(t, m.QuadRead)
	assert.Equal(t, byte(0x02), m.QEMask)
	assert.NotZero(t, m.ProgTimeout)

	// Density as a power of two: 2^30 bits = 128 MiB.
	tbl := basicTable(0, false)
	tbl[1] = 0x80000000 | 30
	m, err = memoryFromSFDP(tbl)
	require.NoError(t, err)
	assert.Equal(t, uint32(128<<20), m.Capacity)
	assert.False(t, m.QuadRead)
	assert.Zero(t, m.QEMask)

	tbl[1] = 0x80000000 | 40
	_, err = memoryFromSFDP(tbl)
	assert.ErrorIs(t, err, ErrSFDPDensity)
}

func TestMemoryFromShortSFDP(t *testing.T) {
	// JESD216 rev 0 tables stop after DWORD 9; 4 KiB erase from DWORD 1.
	tbl := basicTable(1<<20, false)[:2]
	m, err := memoryFromSFDP(tbl)
	require.NoError(t, err)
	assert.Equal(t, uint32(SectorSize), m.SectorSize)
	assert.Zero(t, m.LargeErase)
	assert.Equal(t, uint32(PageSize), m.PageSize)

	tbl[0] &^= 0x3
	_, err = memoryFromSFDP(tbl)
	assert.ErrorIs(t, err, ErrNoBasicTable)
}

func TestMemoryValidate(t *testing.T) {
	good := Chips[0xEF4015]
	tests := []struct {
		name string
		mod  func(*MemoryConfig)
		err  error
	}{
		{"table entry", func(*MemoryConfig) {}, nil},
		{"discover", func(m *MemoryConfig) { *m = MemoryConfig{} }, nil},
		{"page not pow2", func(m *MemoryConfig) { m.PageSize = 200 }, ErrPageSize},
		{"sector below page", func(m *MemoryConfig) { m.SectorSize = 128 }, ErrSectorSize},
		{"capacity", func(m *MemoryConfig) { m.Capacity += 100 }, ErrCapacity},
		{"large erase", func(m *MemoryConfig) { m.LargeErase = 6000 }, ErrLargeErase},
		{"large op", func(m *MemoryConfig) { m.LargeOp = 0 }, ErrLargeErase},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := good
			tc.mod(&m)
			assert.ErrorIs(t, m.validate(), tc.err)
		})
	}

	m, ok := ChipByName("W25Q128JV")
	require.True(t, ok)
	assert.Equal(t, uint32(0xEF4018), m.JEDECID)
	_, ok = ChipByName("nope")
	assert.False(t, ok)
}

func TestRegionResolve(t *testing.T) {
	m := Chips[0xEF4015]
	r, err := Region{}.resolve(m)
	require.NoError(t, err)
	assert.Equal(t, Region{Start: 0, Size: 2 << 20}, r)

	r, err = Region{Start: 1 << 20}.resolve(m)
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<20), r.Size)

	_, err = Region{Start: 100, Size: 4096}.resolve(m)
	assert.ErrorIs(t, err, ErrRegion)
	_, err = Region{Start: 2 << 20, Size: 4096}.resolve(m)
	assert.ErrorIs(t, err, ErrRegion)
	_, err = Region{Start: 2 << 20}.resolve(m)
	assert.ErrorIs(t, err, ErrRegion)
}
