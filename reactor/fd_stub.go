//go:build !linux
// +build !linux

package reactor

import "errors"

var errUnsupportedFD = errors.New("reactor: raw fd I/O unsupported on this platform")

func setNonblock(fd int) error                { return errUnsupportedFD }
func readFD(fd int, buf []byte) (int, error)  { return 0, errUnsupportedFD }
func writeFD(fd int, buf []byte) (int, error) { return 0, errUnsupportedFD }
func closeFD(fd int) error                    { return errUnsupportedFD }

func isEAGAIN(err error) bool { return false }
