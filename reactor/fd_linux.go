//go:build linux
// +build linux

package reactor

import "golang.org/x/sys/unix"

func setNonblock(fd int) error         { return unix.SetNonblock(fd, true) }
func readFD(fd int, buf []byte) (int, error)  { return unix.Read(fd, buf) }
func writeFD(fd int, buf []byte) (int, error) { return unix.Write(fd, buf) }
func closeFD(fd int) error             { return unix.Close(fd) }

func isEAGAIN(err error) bool { return err == unix.EAGAIN }
