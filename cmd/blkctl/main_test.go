package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/fclairamb/go-log/noop"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockdev-go/config"
	"blockdev-go/errcode"
)

const devices = `
board = "sim"

[[device]]
id = "sd0"
type = "sdcard"
[device.sim]
blocks = 65536

[[device]]
id = "flash0"
type = "spiflash"
[device.sim]
jedec_id = 0xEF4015
capacity = 2097152

[[device]]
id = "ghost"
type = "spiflash"
bus = "spi1"
[device.pins]
io = [40, 41]
sclk = 42
cs = 43
[device.sim]
jedec_id = 0x123456
capacity = 65536
no_sfdp = true
`

func newSession(t *testing.T) (*tool, *bytes.Buffer, afero.Fs) {
	t.Helper()
	color.NoColor = true
	f, err := config.Load(strings.NewReader(devices))
	require.NoError(t, err)
	fs := afero.NewMemMapFs()
	out := &bytes.Buffer{}
	tl, done, err := session(f, fs, "/img", out, noop.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(done)
	return tl, out, fs
}

func TestInfo(t *testing.T) {
	tl, out, fs := newSession(t)
	require.NoError(t, tl.run([]string{"info"}))
	s := out.String()
	assert.Contains(t, s, "sd0  ready  65536 x 512 B")
	assert.Contains(t, s, "SIMSD")
	assert.Contains(t, s, "flash0  ready  512 x 4096 B")
	assert.Contains(t, s, "W25Q16JV jedec ef4015")
	assert.Contains(t, s, "ghost  [config_invalid]")

	for _, img := range []string{"/img/sd0.img", "/img/flash0.img"} {
		ok, err := afero.Exists(fs, img)
		require.NoError(t, err)
		assert.True(t, ok, img)
	}
}

func TestWriteRead(t *testing.T) {
	tl, out, _ := newSession(t)
	require.NoError(t, tl.run([]string{"write", "flash0", "0x101", "deadbeef"}))
	assert.Contains(t, out.String(), "wrote 4 bytes at 0x101")

	out.Reset()
	require.NoError(t, tl.run([]string{"read", "flash0", "0x100", "6"}))
	assert.Contains(t, out.String(), "ff de ad be ef ff")

	require.NoError(t, tl.run([]string{"erase", "flash0", "0", "4096"}))
	out.Reset()
	require.NoError(t, tl.run([]string{"read", "flash0", "0x100", "2"}))
	assert.Contains(t, out.String(), "ff ff")
}

func TestCommandErrors(t *testing.T) {
	tl, _, _ := newSession(t)
	assert.Error(t, tl.run([]string{"bogus"}))
	assert.Error(t, tl.run([]string{"read", "sd0"}))
	assert.Error(t, tl.run([]string{"read", "nope", "0", "1"}))
	assert.Error(t, tl.run([]string{"read", "sd0", "x", "1"}))
	assert.Error(t, tl.run([]string{"write", "sd0", "0", "zz"}))

	err := tl.run([]string{"erase", "flash0", "1", "4096"})
	assert.ErrorIs(t, err, errcode.NotAligned)
	assert.Equal(t, "[not_aligned] "+err.Error(), describe(err))

	assert.ErrorIs(t, tl.run([]string{"discard", "flash0", "0", "512"}), errcode.Unsupported)
	assert.ErrorIs(t, tl.run([]string{"protect", "sd0", "on"}), errcode.Unsupported)
	assert.ErrorIs(t, tl.run([]string{"read", "ghost", "0", "1"}), errcode.ConfigInvalid)
}

func TestProtect(t *testing.T) {
	tl, _, _ := newSession(t)
	require.NoError(t, tl.run([]string{"protect", "flash0", "on"}))
	assert.ErrorIs(t, tl.run([]string{"write", "flash0", "0", "00"}), errcode.WriteProtected)
	require.NoError(t, tl.run([]string{"protect", "flash0", "off"}))
	require.NoError(t, tl.run([]string{"write", "flash0", "0", "00"}))
}

func TestShellVolume(t *testing.T) {
	tl, out, _ := newSession(t)
	script := strings.Join([]string{
		`format sd0 DATA`,
		`put sd0 /notes/todo.txt "buy more cards"`,
		`ls sd0 /`,
		`cat sd0 /notes/todo.txt`,
		`read sd0 'unterminated`,
		`exit`,
		`info`,
	}, "\n")
	require.NoError(t, tl.shell(strings.NewReader(script)))
	s := out.String()
	assert.Contains(t, s, `formatted sd0 as FAT32 "DATA"`)
	assert.Contains(t, strings.ToLower(s), "notes/")
	assert.Contains(t, s, "buy more cards")
	assert.NotContains(t, s, "sd0  ready")
}
