package sim

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockdev-go/board"
	"blockdev-go/drivers/sdcard"
	"blockdev-go/errcode"
)

func TestPinEdges(t *testing.T) {
	p := NewPin(7)
	var hits int
	require.NoError(t, p.SetIRQ(board.EdgeFalling, func() { hits++ }))

	p.Drive(true)
	assert.Equal(t, 0, hits)
	p.Drive(false)
	assert.Equal(t, 1, hits)
	p.Drive(false)
	assert.Equal(t, 1, hits, "no edge without a level change")

	require.NoError(t, p.SetIRQ(board.EdgeBoth, func() { hits++ }))
	p.Set(true)
	p.Set(false)
	assert.Equal(t, 3, hits)
	assert.Equal(t, 2, p.Writes(), "Drive is not a driver write")

	assert.True(t, p.IRQArmed())
	require.NoError(t, p.ClearIRQ())
	assert.False(t, p.IRQArmed())
	p.Drive(true)
	assert.Equal(t, 3, hits)

	_, ok := NoIRQ(p).(board.IRQPin)
	assert.False(t, ok)
}

func TestPinDirection(t *testing.T) {
	p := NewPin(3)
	require.NoError(t, p.ConfigureOutput(true))
	assert.True(t, p.IsOutput())
	assert.True(t, p.Get())
	require.NoError(t, p.ConfigureInput(board.PullUp))
	assert.False(t, p.IsOutput())
}

type norBench struct {
	chip *NORFlash
	cs   *Pin
}

func newNOR(t *testing.T, opts NORFlashOptions) *norBench {
	t.Helper()
	if opts.JEDECID == 0 {
		opts.JEDECID = 0xEF4015
	}
	if opts.Capacity == 0 {
		opts.Capacity = 1 << 20
	}
	chip, err := NewNORFlash(afero.NewMemMapFs(), "/nor.img", opts)
	require.NoError(t, err)
	t.Cleanup(func() { chip.Close() })
	return &norBench{chip: chip, cs: chip.CSPin(25)}
}

// cmd runs one chip-select framed transaction and returns n response bytes.
func (b *norBench) cmd(t *testing.T, n int, w ...byte) []byte {
	t.Helper()
	r := make([]byte, n)
	b.cs.Set(false)
	require.NoError(t, b.chip.Tx(w, nil))
	if n > 0 {
		require.NoError(t, b.chip.Tx(nil, r))
	}
	b.cs.Set(true)
	return r
}

func (b *norBench) read(t *testing.T, addr uint32, n int) []byte {
	return b.cmd(t, n, 0x03, byte(addr>>16), byte(addr>>8), byte(addr))
}

func TestNORIdentify(t *testing.T) {
	b := newNOR(t, NORFlashOptions{})
	assert.Equal(t, []byte{0xEF, 0x40, 0x15}, b.cmd(t, 3, 0x9F))

	sig := b.cmd(t, 4, 0x5A, 0, 0, 0, 0)
	assert.Equal(t, "SFDP", string(sig))

	b.chip.SetPresent(false)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF}, b.cmd(t, 3, 0x9F))
}

func TestNORNoSFDP(t *testing.T) {
	b := newNOR(t, NORFlashOptions{NoSFDP: true})
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, b.cmd(t, 4, 0x5A, 0, 0, 0, 0))
}

func TestNORProgramNeedsWREN(t *testing.T) {
	b := newNOR(t, NORFlashOptions{})
	b.cmd(t, 0, 0x02, 0, 0, 0x10, 0x0F)
	assert.Equal(t, []byte{0xFF}, b.read(t, 0x10, 1))

	b.cmd(t, 0, 0x06)
	b.cmd(t, 0, 0x02, 0, 0, 0x10, 0x0F)
	assert.Equal(t, []byte{0x0F}, b.read(t, 0x10, 1))

	// Programming only clears bits.
	b.cmd(t, 0, 0x06)
	b.cmd(t, 0, 0x02, 0, 0, 0x10, 0xF3)
	assert.Equal(t, []byte{0x03}, b.read(t, 0x10, 1))

	b.cmd(t, 0, 0x06)
	b.cmd(t, 0, 0x20, 0, 0, 0x80)
	assert.Equal(t, []byte{0xFF}, b.read(t, 0x10, 1))
	assert.Equal(t, 1, b.chip.Count(0x20))
}

func TestNORBusyPolls(t *testing.T) {
	b := newNOR(t, NORFlashOptions{BusyPolls: 2})
	b.cmd(t, 0, 0x06)
	sr1, _ := b.chip.Status()
	assert.Equal(t, byte(0x02), sr1&0x02)

	b.cmd(t, 0, 0x02, 0, 0, 0, 0x00)
	assert.Equal(t, []byte{0x01, 0x01, 0x00}, b.cmd(t, 3, 0x05))

	b.chip.Hang(true)
	assert.Equal(t, byte(0x01), b.cmd(t, 1, 0x05)[0]&0x01)
	b.chip.Hang(false)
	assert.Equal(t, byte(0x00), b.cmd(t, 1, 0x05)[0]&0x01)
}

func TestNORBlockProtect(t *testing.T) {
	b := newNOR(t, NORFlashOptions{})
	b.cmd(t, 0, 0x06)
	b.cmd(t, 0, 0x01, 0x1C)
	sr1, _ := b.chip.Status()
	assert.Equal(t, byte(0x1C), sr1)

	b.cmd(t, 0, 0x06)
	b.cmd(t, 0, 0x02, 0, 0, 0, 0x00)
	assert.Equal(t, []byte{0xFF}, b.read(t, 0, 1))
}

func TestNORPowerDownAndReset(t *testing.T) {
	b := newNOR(t, NORFlashOptions{Capacity: 32 << 20, JEDECID: 0xEF4019})
	b.cmd(t, 0, 0xB7)
	assert.True(t, b.chip.FourByte())
	b.cmd(t, 0, 0x66)
	b.cmd(t, 0, 0x99)
	assert.False(t, b.chip.FourByte())

	b.cmd(t, 0, 0xB9)
	assert.True(t, b.chip.PoweredDown())
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF}, b.cmd(t, 3, 0x9F))
	b.cmd(t, 0, 0xAB)
	assert.False(t, b.chip.PoweredDown())
	assert.Equal(t, []byte{0xEF, 0x40, 0x19}, b.cmd(t, 3, 0x9F))
}

func TestNORFaults(t *testing.T) {
	b := newNOR(t, NORFlashOptions{})
	assert.Error(t, b.chip.Tx([]byte{0x9F}, nil), "no chip select")

	boom := errcode.New(errcode.IOError, "sim", "boom")
	b.chip.Fail(0x9F, boom)
	b.cs.Set(false)
	assert.ErrorIs(t, b.chip.Tx([]byte{0x9F}, nil), errcode.IOError)
	b.cs.Set(true)
	assert.Equal(t, []byte{0xEF, 0x40, 0x15}, b.cmd(t, 3, 0x9F))

	assert.Error(t, b.chip.ConfigureSPI(1_000_000, 1))
	require.NoError(t, b.chip.ConfigureSPI(8_000_000, 0))
	assert.Equal(t, uint32(8_000_000), b.chip.Frequency())

	_, err := NewNORFlash(afero.NewMemMapFs(), "/x.img", NORFlashOptions{JEDECID: 1, Capacity: 1000})
	assert.Error(t, err)
}

func newCard(t *testing.T, blocks uint32, opts SDCardOptions) *SDCard {
	t.Helper()
	c, err := NewSDCard(afero.NewMemMapFs(), "/sd.img", blocks, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *SDCard, index uint8, arg uint32) *sdcard.Command {
	t.Helper()
	cmd := &sdcard.Command{Index: index, Arg: arg}
	require.NoError(t, c.Transact(cmd))
	return cmd
}

func TestSDIdentify(t *testing.T) {
	c := newCard(t, 2048, SDCardOptions{BusyPolls: 1})
	assert.Error(t, c.Transact(&sdcard.Command{Index: 0}), "host not configured")
	assert.Error(t, c.Configure(sdcard.HostConfig{ClockHz: 400_000, BusWidth: 8}))
	require.NoError(t, c.Configure(sdcard.HostConfig{ClockHz: 400_000, BusWidth: 1}))

	send(t, c, 0, 0)
	assert.Equal(t, uint32(0x1AA), send(t, c, 8, 0x1AA).Response[0])

	send(t, c, 55, 0)
	ocr := send(t, c, 41, 1<<30).Response[0]
	assert.Zero(t, ocr&(1<<31), "still powering up")
	send(t, c, 55, 0)
	ocr = send(t, c, 41, 1<<30).Response[0]
	assert.NotZero(t, ocr&(1<<31))
	assert.NotZero(t, ocr&(1<<30), "high capacity")

	cid := send(t, c, 2, 0).Response
	assert.Equal(t, uint32(0x1B534D53), cid[0])
	rca := send(t, c, 3, 0).Response[0] >> 16
	assert.Equal(t, uint32(0xB368), rca)
	send(t, c, 9, rca<<16)
	send(t, c, 7, rca<<16)

	data := make([]byte, 512)
	data[0], data[511] = 0xA5, 0x5A
	w := &sdcard.Command{Index: 24, Arg: 3, Data: data, BlockSize: 512, Write: true}
	require.NoError(t, c.Transact(w))
	send(t, c, 13, rca<<16)

	r := &sdcard.Command{Index: 17, Arg: 3, Data: make([]byte, 512), BlockSize: 512}
	require.NoError(t, c.Transact(r))
	assert.Equal(t, data, r.Data)

	oob := &sdcard.Command{Index: 17, Arg: 2048, Data: make([]byte, 512), BlockSize: 512}
	require.NoError(t, c.Transact(oob))
	assert.NotZero(t, oob.Response[0]&r1OutOfRange)
}

func TestSDRemoval(t *testing.T) {
	c := newCard(t, 1024, SDCardOptions{})
	cd := NewPin(7)
	c.AttachDetect(cd, false)
	assert.False(t, cd.Get(), "card present reads low")

	require.NoError(t, c.Configure(sdcard.HostConfig{ClockHz: 400_000, BusWidth: 1}))
	c.Remove()
	assert.True(t, cd.Get())
	err := c.Transact(&sdcard.Command{Index: 0})
	assert.ErrorIs(t, err, errcode.Timeout)
	assert.ErrorIs(t, err, errcode.IOError)

	c.Insert()
	assert.False(t, cd.Get())
	send(t, c, 0, 0)
}

func TestSDWriteProtect(t *testing.T) {
	c := newCard(t, 1024, SDCardOptions{})
	wp := NewPin(8)
	c.AttachWriteProtect(wp, true)
	assert.False(t, wp.Get())
	c.SetWriteProtect(true)
	assert.True(t, wp.Get())

	require.NoError(t, c.Configure(sdcard.HostConfig{ClockHz: 400_000, BusWidth: 1}))
	send(t, c, 0, 0)
	send(t, c, 55, 0)
	send(t, c, 41, 1<<30)
	send(t, c, 2, 0)
	rca := send(t, c, 3, 0).Response[0] >> 16
	send(t, c, 7, rca<<16)

	c.SetPermanentWriteProtect(true)
	w := &sdcard.Command{Index: 24, Data: make([]byte, 512), BlockSize: 512, Write: true}
	require.NoError(t, c.Transact(w))
	assert.NotZero(t, w.Response[0]&r1WPViolation)
}

func TestSDSCSizing(t *testing.T) {
	_, err := NewSDCard(afero.NewMemMapFs(), "/a.img", 1000, SDCardOptions{SDSC: true})
	assert.Error(t, err)
	_, err = NewSDCard(afero.NewMemMapFs(), "/b.img", 1000, SDCardOptions{})
	assert.Error(t, err)

	c := newCard(t, 1024, SDCardOptions{SDSC: true})
	require.NoError(t, c.Configure(sdcard.HostConfig{ClockHz: 400_000, BusWidth: 1}))
	send(t, c, 0, 0)
	assert.ErrorIs(t, c.Transact(&sdcard.Command{Index: 8, Arg: 0x1AA}), errcode.Timeout)
	send(t, c, 55, 0)
	ocr := send(t, c, 41, 1<<30).Response[0]
	assert.Zero(t, ocr&(1<<30), "standard capacity")
}

func TestRigAttach(t *testing.T) {
	rig := NewRig(nil)
	assert.Equal(t, board.Sim, rig.Board)
	chip, err := NewNORFlash(afero.NewMemMapFs(), "/nor.img", NORFlashOptions{JEDECID: 0xEF4015, Capacity: 1 << 20})
	require.NoError(t, err)
	defer chip.Close()
	require.NoError(t, rig.AttachNORFlash("spi0", chip, 25))

	p, err := rig.Registry.ClaimPin("t", 25)
	require.NoError(t, err)
	assert.Same(t, rig.Pin(25), p)
	_, err = rig.Registry.ClaimBus("t", "spi0")
	require.NoError(t, err)

	assert.ErrorIs(t, rig.AttachNORFlash("spi0", chip, 26), errcode.BusInUse)
	rig.Registry.ReleaseBus("t", "spi0")
	assert.ErrorIs(t, rig.AttachNORFlash("spi0", chip, 25), errcode.PinInUse)
}
