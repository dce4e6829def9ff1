//go:build !linux

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ardnew/aapbridge/config"
	"github.com/ardnew/aapbridge/host/hal"
	"github.com/ardnew/aapbridge/pkg"
)

func openDevice(ctx context.Context, dc config.DeviceConfig) (hal.Device, string, error) {
	return nil, "", fmt.Errorf("usb devices: %w", pkg.ErrNotSupported)
}

func listDevices(w io.Writer, all bool) error {
	return fmt.Errorf("usb devices: %w", pkg.ErrNotSupported)
}
