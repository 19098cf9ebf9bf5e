//go:build !linux && !darwin && !freebsd

package mcast

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
