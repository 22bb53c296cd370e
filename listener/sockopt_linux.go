//go:build linux

package listener

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// control sets SO_REUSEPORT on the listening socket before bind.
func control(config Config) func(network, address string, c syscall.RawConn) error {
	if !config.ReusePort {
		return nil
	}

	return func(_, _ string, c syscall.RawConn) error {
		return setsockopt(c, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}
}

// tune applies per-connection options to an accepted socket.
func tune(conn net.Conn, config Config) error {
	if config.UserTimeout <= 0 {
		return nil
	}

	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	return setsockopt(raw, unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(config.UserTimeout.Milliseconds()))
}

func setsockopt(c syscall.RawConn, level, opt, value int) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), level, opt, value)
	})
	if err != nil {
		return err
	}

	return sockErr
}
