//go:build !gocv

package capture

import (
	"context"
	"errors"
)

var errNoOpenCV = errors.New("local cameras need a build with -tags gocv")

type unavailableDevice struct{}

// NewLocalDevice returns a device that fails to open; rebuild with the gocv
// tag for webcam support.
func NewLocalDevice(int) Device {
	return unavailableDevice{}
}

func (unavailableDevice) Open(context.Context) error           { return errNoOpenCV }
func (unavailableDevice) Read(context.Context) ([]byte, error) { return nil, errNoOpenCV }
func (unavailableDevice) Close() error                         { return nil }
