//go:build gocv

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// LocalDevice captures from a webcam through OpenCV.
type LocalDevice struct {
	cameraID int

	mu  sync.Mutex
	cap *gocv.VideoCapture
	img gocv.Mat
}

func NewLocalDevice(cameraID int) Device {
	return &LocalDevice{cameraID: cameraID}
}

func (d *LocalDevice) Open(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	vc, err := gocv.VideoCaptureDevice(d.cameraID)
	if err != nil {
		return fmt.Errorf("open camera %d: %w", d.cameraID, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("camera %d is not available", d.cameraID)
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	d.cap = vc
	d.img = gocv.NewMat()
	return nil
}

func (d *LocalDevice) Read(_ context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cap == nil {
		return nil, errors.New("device not open")
	}
	if ok := d.cap.Read(&d.img); !ok || d.img.Empty() {
		return nil, fmt.Errorf("camera %d returned no frame", d.cameraID)
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, d.img)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func (d *LocalDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cap == nil {
		return nil
	}
	d.img.Close()
	err := d.cap.Close()
	d.cap = nil
	return err
}
