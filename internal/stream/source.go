package stream

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

var (
	ErrPermissionDenied = errors.New("media source: permission denied")
	ErrDeviceNotFound   = errors.New("media source: device not found")
	ErrDeviceBusy       = errors.New("media source: device busy")
)

// MediaSource is the local camera abstraction. Acquire errors are surfaced to
// the caller verbatim so it can branch on the specific kind; they are never
// retried automatically.
type MediaSource interface {
	Acquire(ctx context.Context) error
	Release() error
	// Description returns the session description offered to the peer.
	Description() (string, error)
}

// DeviceSource acquires a capture device node and exposes its description for
// peer negotiation.
type DeviceSource struct {
	path string
	file *os.File
}

func NewDeviceSource(path string) *DeviceSource {
	return &DeviceSource{path: path}
}

func (d *DeviceSource) Acquire(_ context.Context) error {
	f, err := os.OpenFile(d.path, os.O_RDWR, 0)
	if err != nil {
		return classifyDeviceError(d.path, err)
	}
	d.file = f
	return nil
}

func (d *DeviceSource) Release() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

func (d *DeviceSource) Description() (string, error) {
	if d.file == nil {
		return "", fmt.Errorf("media source %s not acquired", d.path)
	}
	return fmt.Sprintf("v=0\ns=capture %s\n", d.path), nil
}

func classifyDeviceError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, path)
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%w: %s", ErrDeviceBusy, path)
	default:
		return fmt.Errorf("open media source %s: %w", path, err)
	}
}
