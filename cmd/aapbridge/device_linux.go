//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ardnew/aapbridge/config"
	"github.com/ardnew/aapbridge/host/hal"
	"github.com/ardnew/aapbridge/host/hal/linux"
	"github.com/ardnew/aapbridge/pkg"
)

// openDevice opens the configured usbfs node, or locates an accessory when
// no path is set. It returns the device and its node path.
func openDevice(ctx context.Context, dc config.DeviceConfig) (hal.Device, string, error) {
	path := dc.Path
	if path == "" {
		info, err := findAccessory(ctx, dc)
		if err != nil {
			return nil, "", err
		}
		pkg.LogInfo(pkg.ComponentHAL, "found accessory", "device", info.String(),
			"manufacturer", info.Manufacturer, "product", info.Product, "path", info.Path)
		path = info.Path
	}
	dev, err := linux.Open(path)
	if err != nil {
		return nil, "", err
	}
	return dev, path, nil
}

func findAccessory(ctx context.Context, dc config.DeviceConfig) (linux.DeviceInfo, error) {
	if !dc.Wait {
		info, err := linux.FindAccessory()
		if errors.Is(err, pkg.ErrNotFound) {
			return info, fmt.Errorf("no accessory-mode device attached (use --wait to wait for one): %w", err)
		}
		return info, err
	}
	if dc.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dc.WaitTimeout)
		defer cancel()
	}
	info, err := linux.WaitAccessory(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return info, fmt.Errorf("no accessory attached within %v: %w", dc.WaitTimeout, pkg.ErrNotFound)
	}
	return info, err
}

// listDevices prints accessory-mode devices, or every USB device if all.
func listDevices(w io.Writer, all bool) error {
	devices, err := linux.Scan()
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	return printDevices(w, devices, all)
}

func printDevices(w io.Writer, devices []linux.DeviceInfo, all bool) error {
	n := 0
	for _, d := range devices {
		if !all && !d.IsAccessory() {
			continue
		}
		n++
		mark := " "
		if d.IsAccessory() {
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s  %-22s  %s %s\n", mark, d, d.Path, d.Manufacturer, d.Product)
		if d.Serial != "" {
			fmt.Fprintf(w, "    serial: %s\n", d.Serial)
		}
	}
	if n == 0 {
		if all {
			fmt.Fprintln(w, "No USB devices found.")
		} else {
			fmt.Fprintln(w, "No accessory-mode devices found.")
		}
	}
	return nil
}
