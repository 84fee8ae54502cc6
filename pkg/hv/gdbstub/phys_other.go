//go:build !linux

package gdbstub

import "errors"

func mapPhysical(path string) ([]byte, func() error, error) {
	return nil, nil, errors.New("shared guest memory is only supported on linux")
}
