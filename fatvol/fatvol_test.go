package fatvol_test

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockdev-go/blockdev"
	"blockdev-go/board"
	"blockdev-go/drivers/sdcard"
	"blockdev-go/errcode"
	"blockdev-go/fatvol"
	"blockdev-go/sim"
)

func newCard(t *testing.T, blocks uint32) (*sim.Rig, blockdev.Config) {
	t.Helper()
	r := sim.NewRig(board.Sim)
	card, err := sim.NewSDCard(afero.NewMemMapFs(), "/card.img", blocks, sim.SDCardOptions{})
	require.NoError(t, err)
	require.NoError(t, r.AttachSDCard("sdhc0", card, 7, 8))
	return r, blockdev.SDConfig(sdcard.DefaultConfigFor(board.Sim))
}

func create(t *testing.T, r *sim.Rig, cfg blockdev.Config) blockdev.Device {
	t.Helper()
	d, err := blockdev.Create(cfg, r.Registry)
	require.NoError(t, err)
	return d
}

func names(es []fatvol.Entry) []string {
	var out []string
	for _, e := range es {
		out = append(out, strings.ToLower(e.Name))
	}
	return out
}

func TestFormatWriteReopen(t *testing.T) {
	r, cfg := newCard(t, 65536)
	d := create(t, r, cfg)

	v, err := fatvol.Format(d, "BLKDEV")
	require.NoError(t, err)
	require.NoError(t, v.WriteFile("/hello.txt", []byte("hello, card")))
	require.NoError(t, v.WriteFile("/logs/boot.log", []byte("ok\n")))

	got, err := v.ReadFile("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello, card", string(got))
	require.NoError(t, v.Sync())
	require.NoError(t, d.Close())

	d = create(t, r, cfg)
	defer d.Close()
	v, err = fatvol.Open(d)
	require.NoError(t, err)
	assert.Equal(t, "BLKDEV", strings.TrimSpace(v.Label()))

	root, err := v.List("/")
	require.NoError(t, err)
	assert.Contains(t, names(root), "hello.txt")
	assert.Contains(t, names(root), "logs")

	got, err = v.ReadFile("/logs/boot.log")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(got))
}

func TestOpenBlank(t *testing.T) {
	r, cfg := newCard(t, 65536)
	d := create(t, r, cfg)
	defer d.Close()
	_, err := fatvol.Open(d)
	assert.Error(t, err)
}

func TestFormatTooSmall(t *testing.T) {
	r, cfg := newCard(t, 1024)
	d := create(t, r, cfg)
	defer d.Close()
	_, err := fatvol.Format(d, "SMALL")
	assert.ErrorIs(t, err, errcode.Unsupported)
}
