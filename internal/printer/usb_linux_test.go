//go:build linux

package printer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeviceIndexFromPath(t *testing.T) {
	assert.Equal(t, 0, deviceIndexFromPath("/dev/usb/lp0"))
	assert.Equal(t, 1, deviceIndexFromPath("/dev/usb/lp1"))
	assert.Equal(t, 12, deviceIndexFromPath("/dev/usb/lp12"))
	assert.Equal(t, 0, deviceIndexFromPath("/dev/usblp"))
	assert.Equal(t, 0, deviceIndexFromPath(""))
}
