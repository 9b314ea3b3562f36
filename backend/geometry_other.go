//go:build !linux

package backend

import (
	"errors"
	"os"
)

var errNoDeviceIoctl = errors.New("block device geometry not available on this platform")

func queryDevice(_ *os.File, _ *Geometry) error {
	return errNoDeviceIoctl
}
