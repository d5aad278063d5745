package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodesAreStableStrings(t *testing.T) {
	cases := map[string]error{
		"config_invalid":  ConfigInvalid,
		"media_not_found": MediaNotFound,
		"bus_init_failed": BusInitFailed,
		"out_of_range":    OutOfRange,
		"not_aligned":     NotAligned,
		"write_protected": WriteProtected,
		"io_error":        IOError,
		"timeout":         Timeout,
		"closed":          Closed,
		"pin_in_use":      PinInUse,
	}
	for want, e := range cases {
		if e == nil || e.Error() != want {
			t.Fatalf("error %q mismatch: got %#v", want, e)
		}
	}
}

func TestTimeoutIsIOError(t *testing.T) {
	assert.True(t, errors.Is(Timeout, IOError))
	assert.False(t, errors.Is(IOError, Timeout))

	err := Wrap(Timeout, "sd: cmd13", errors.New("no response"))
	assert.True(t, errors.Is(err, Timeout))
	assert.True(t, errors.Is(err, IOError))
	assert.False(t, errors.Is(err, OutOfRange))
}

func TestOfUnwrapsChains(t *testing.T) {
	inner := New(NotAligned, "read", "addr 3")
	wrapped := fmt.Errorf("lfs: %w", inner)

	assert.Equal(t, NotAligned, Of(wrapped))
	assert.Equal(t, OK, Of(nil))
	assert.Equal(t, Error, Of(errors.New("plain")))
	assert.Equal(t, PinInUse, Of(fmt.Errorf("claim: %w", PinInUse)))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := PinInUse
	err := Wrap(ConfigInvalid, "create", cause)

	assert.True(t, errors.Is(err, ConfigInvalid))
	assert.True(t, errors.Is(err, PinInUse))
	assert.Equal(t, ConfigInvalid, Of(err))
	assert.Equal(t, "create: config_invalid: pin_in_use", err.Error())
	assert.Nil(t, Wrap(IOError, "x", nil))
}

func TestMapDriverErr(t *testing.T) {
	assert.Equal(t, OK, MapDriverErr(nil))
	assert.Equal(t, IOError, MapDriverErr(errors.New("spi: nak")))
	assert.Equal(t, Timeout, MapDriverErr(Timeout))
}
