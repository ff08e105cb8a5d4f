package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const snapshotPath = "/capture"

// HTTPDevice reads single JPEG snapshots from a network camera that serves
// them at <url>/capture (ESP32-CAM firmware).
type HTTPDevice struct {
	baseURL string
	timeout time.Duration
	client  *resty.Client
}

func NewHTTPDevice(baseURL string, timeout time.Duration) *HTTPDevice {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDevice{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
}

// Open builds the client and probes one snapshot.
func (d *HTTPDevice) Open(ctx context.Context) error {
	d.client = resty.New().
		SetBaseURL(d.baseURL).
		SetTimeout(d.timeout).
		SetHeader("Accept", "image/jpeg")

	if _, err := d.Read(ctx); err != nil {
		d.client = nil
		return fmt.Errorf("probe %s: %w", d.baseURL, err)
	}
	return nil
}

func (d *HTTPDevice) Read(ctx context.Context) ([]byte, error) {
	if d.client == nil {
		return nil, errors.New("device not open")
	}

	resp, err := d.client.R().
		SetContext(ctx).
		Get(snapshotPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("snapshot status %d", resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, errors.New("empty snapshot")
	}
	return body, nil
}

func (d *HTTPDevice) Close() error {
	d.client = nil
	return nil
}
