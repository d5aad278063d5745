package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockdev-go/blockdev"
	"blockdev-go/board"
	"blockdev-go/config"
	"blockdev-go/errcode"
)

const sample = `
board = "sim"

[[device]]
id = "sd0"
type = "sdcard"
clock_hz = 50_000_000
auto_reinit = false
[device.pins]
led = -1
[device.timeouts]
init = "250ms"
lock = "1s"
[device.sim]
image = "sd0.img"
blocks = 65536

[[device]]
id = "flash0"
type = "spiflash"
bus = "spi1"
chip = "W25Q16JV"
[device.pins]
io = [30, 31]
sclk = 32
cs = 33
[device.region]
start = 1048576
[device.sim]
image = "flash0.img"
jedec_id = 0xEF4015
capacity = 2097152
`

func TestLoad(t *testing.T) {
	f, err := config.Load(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, f.Devices, 2)
	assert.Equal(t, "sd0.img", f.Devices[0].Sim.Image)
	assert.Equal(t, uint32(0xEF4015), f.Devices[1].Sim.JEDECID)

	cfgs, err := f.BlockdevConfigs()
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	sd := cfgs[0]
	require.Equal(t, blockdev.KindSD, sd.Kind)
	assert.Equal(t, "sd0", sd.ID())
	assert.Equal(t, board.ResourceID("sdhc0"), sd.SD.Controller)
	assert.Equal(t, uint32(50_000_000), sd.SD.Host.ClockHz)
	assert.Equal(t, uint8(4), sd.SD.Host.BusWidth)
	assert.False(t, sd.SD.AutoReinit)
	assert.Equal(t, board.PinID(7), sd.SD.CardDetect)
	assert.Equal(t, board.NoPin, sd.SD.LED)
	assert.Equal(t, 250*time.Millisecond, sd.SD.InitTimeout)
	assert.Equal(t, time.Second, sd.SD.LockTimeout)
	assert.Equal(t, 500*time.Millisecond, sd.SD.BusyTimeout)

	fl := cfgs[1]
	require.Equal(t, blockdev.KindSPIFlash, fl.Kind)
	assert.Equal(t, board.ResourceID("spi1"), fl.SPIFlash.Bus)
	assert.Equal(t, "W25Q16JV", fl.SPIFlash.Memory.Name)
	assert.Equal(t, board.PinID(31), fl.SPIFlash.IO[1])
	assert.Equal(t, board.NoPin, fl.SPIFlash.IO[2])
	assert.Equal(t, board.PinID(33), fl.SPIFlash.CS)
	assert.Equal(t, uint32(1<<20), fl.SPIFlash.Region.Start)
}

func TestNoBoard(t *testing.T) {
	f, err := config.Load(strings.NewReader(`
[[device]]
id = "flash0"
type = "flash"
[device.memory]
capacity = 1048576
page_size = 256
sector_size = 4096
prog_timeout = "2ms"
[device.pins]
io = [0, 1]
sclk = 2
cs = 3
`))
	require.NoError(t, err)
	cfgs, err := f.BlockdevConfigs()
	require.NoError(t, err)
	m := cfgs[0].SPIFlash.Memory
	assert.Equal(t, uint32(1<<20), m.Capacity)
	assert.Equal(t, 2*time.Millisecond, m.ProgTimeout)
	assert.Equal(t, board.ResourceID("spi0"), cfgs[0].SPIFlash.Bus)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"syntax", "board = "},
		{"unknown key", "colour = \"red\""},
		{"bad duration", "[[device]]\nid = \"a\"\n[device.timeouts]\nlock = \"soon\""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(strings.NewReader(tc.doc))
			assert.ErrorIs(t, err, errcode.ConfigInvalid)
		})
	}
}

func TestConvertErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown board", "board = \"pc\""},
		{"no id", "[[device]]\ntype = \"sd\""},
		{"duplicate", "board = \"sim\"\n[[device]]\nid = \"a\"\ntype = \"sd\"\n[[device]]\nid = \"a\"\ntype = \"sd\""},
		{"unknown type", "[[device]]\nid = \"a\"\ntype = \"nand\""},
		{"flash field on sd", "board = \"sim\"\n[[device]]\nid = \"a\"\ntype = \"sd\"\nchip = \"W25Q16JV\""},
		{"sd pins on flash", "board = \"sim\"\n[[device]]\nid = \"a\"\ntype = \"flash\"\n[device.pins]\ncmd = 1"},
		{"sd timeout on flash", "board = \"sim\"\n[[device]]\nid = \"a\"\ntype = \"flash\"\n[device.timeouts]\nbusy = \"1s\""},
		{"unknown chip", "board = \"sim\"\n[[device]]\nid = \"a\"\ntype = \"flash\"\nchip = \"X\""},
		{"chip and memory", "board = \"sim\"\n[[device]]\nid = \"a\"\ntype = \"flash\"\nchip = \"W25Q16JV\"\n[device.memory]\ncapacity = 4096"},
		{"too many lines", "board = \"sim\"\n[[device]]\nid = \"a\"\ntype = \"sd\"\n[device.pins]\ndata = [1,2,3,4,5,6,7,8,9]"},
		{"unwired", "[[device]]\nid = \"a\"\ntype = \"sd\""},
		{"8-bit sd", "board = \"sim\"\n[[device]]\nid = \"a\"\ntype = \"sd\"\nbus_width = 8"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := config.Load(strings.NewReader(tc.doc))
			require.NoError(t, err)
			_, err = f.BlockdevConfigs()
			assert.ErrorIs(t, err, errcode.ConfigInvalid)
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := config.LoadFile(t.TempDir() + "/none.toml")
	assert.Error(t, err)
}
