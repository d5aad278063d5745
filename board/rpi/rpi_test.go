//go:build linux

package rpi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolarity(t *testing.T) {
	tests := []struct {
		mode       uint8
		cpol, cpha uint8
	}{
		{0, 0, 0},
		{1, 0, 1},
		{2, 1, 0},
		{3, 1, 1},
	}
	for _, tc := range tests {
		cpol, cpha, err := polarity(tc.mode)
		assert.NoError(t, err)
		assert.Equal(t, tc.cpol, cpol, "mode %d", tc.mode)
		assert.Equal(t, tc.cpha, cpha, "mode %d", tc.mode)
	}
	_, _, err := polarity(4)
	assert.Error(t, err)
}

func TestTxLengthMismatch(t *testing.T) {
	// Rejected before touching the controller.
	s := &SPI{}
	assert.Error(t, s.Tx(make([]byte, 2), make([]byte, 3)))
}
