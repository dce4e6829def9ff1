//go:build !linux

package dispatch

import "github.com/ardnew/aapbridge/pkg"

func setThreadName(string) error {
	return pkg.ErrNotSupported
}

func setRealtime() (string, error) {
	return "", pkg.ErrNotSupported
}
