package board

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockdev-go/errcode"
)

type nopPin struct{ n int }

func (p nopPin) Number() int              { return p.n }
func (nopPin) ConfigureInput(Pull) error  { return nil }
func (nopPin) ConfigureOutput(bool) error { return nil }
func (nopPin) Set(bool)                   {}
func (nopPin) Get() bool                  { return false }

func newTestRegistry() *MapRegistry {
	pins := map[PinID]Pin{}
	for i := 0; i < 8; i++ {
		pins[PinID(i)] = nopPin{i}
	}
	return NewRegistry(Sim, map[ResourceID]any{"spi0": struct{}{}}, pins)
}

func TestClaimPinExclusive(t *testing.T) {
	r := newTestRegistry()

	p, err := r.ClaimPin("sd0", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Number())

	_, err = r.ClaimPin("flash0", 3)
	assert.True(t, errors.Is(err, errcode.PinInUse))

	owner, ok := r.Owner(3)
	assert.True(t, ok)
	assert.Equal(t, "sd0", owner)

	// Release by a non-owner is ignored.
	r.ReleasePin("flash0", 3)
	_, err = r.ClaimPin("flash0", 3)
	assert.True(t, errors.Is(err, errcode.PinInUse))

	r.ReleasePin("sd0", 3)
	_, err = r.ClaimPin("flash0", 3)
	assert.NoError(t, err)
}

func TestClaimUnknown(t *testing.T) {
	r := newTestRegistry()

	_, err := r.ClaimPin("x", 40) // on the board, not provided
	assert.Equal(t, errcode.UnknownPin, errcode.Of(err))

	_, err = r.ClaimPin("x", 100) // off the board
	assert.Equal(t, errcode.UnknownPin, errcode.Of(err))

	_, err = r.ClaimPin("x", NoPin)
	assert.Equal(t, errcode.UnknownPin, errcode.Of(err))

	_, err = r.ClaimBus("x", "i2c9")
	assert.Equal(t, errcode.UnknownBus, errcode.Of(err))
}

func TestClaimBusExclusive(t *testing.T) {
	r := newTestRegistry()

	_, err := r.ClaimBus("a", "spi0")
	require.NoError(t, err)
	_, err = r.ClaimBus("b", "spi0")
	assert.Equal(t, errcode.BusInUse, errcode.Of(err))
	assert.Equal(t, errcode.BusInUse, r.AddBus("spi0", struct{}{}))

	r.ReleaseBus("a", "spi0")
	_, err = r.ClaimBus("b", "spi0")
	assert.NoError(t, err)
}

func TestClaimsReleaseAll(t *testing.T) {
	r := newTestRegistry()
	c := NewClaims(r, "sd0")

	_, err := c.Bus("spi0")
	require.NoError(t, err)
	for _, n := range []PinID{1, 2, 3} {
		_, err := c.Pin(n)
		require.NoError(t, err)
	}
	p, err := c.Pin(NoPin)
	assert.NoError(t, err)
	assert.Nil(t, p)

	c.Release()
	c.Release()

	for _, n := range []PinID{1, 2, 3} {
		_, ok := r.Owner(n)
		assert.False(t, ok, "pin %d still owned", n)
	}
	_, err = r.ClaimBus("other", "spi0")
	assert.NoError(t, err)
}

func TestBoardDescriptors(t *testing.T) {
	b, ok := Lookup("rpi4")
	require.True(t, ok)
	assert.True(t, b.HasGPIO(27))
	assert.False(t, b.HasGPIO(28))
	assert.True(t, b.HasController("spi0"))
	assert.False(t, b.HasController("sdhc0"))
	assert.Equal(t, PinID(8), b.Defaults.QSPI.CS)

	_, ok = Lookup("nope")
	assert.False(t, ok)

	sd := NoSDPins()
	assert.Equal(t, NoPin, sd.CMD)
	assert.Equal(t, NoPin, sd.Data[7])
	assert.Equal(t, "nc", NoPin.String())
	assert.Equal(t, "gpio12", PinID(12).String())
}
