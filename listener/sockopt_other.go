//go:build !linux

package listener

import (
	"net"
	"syscall"
)

// control is a no-op off Linux; ReusePort is ignored.
func control(Config) func(network, address string, c syscall.RawConn) error {
	return nil
}

// tune is a no-op off Linux; UserTimeout is ignored.
func tune(net.Conn, Config) error {
	return nil
}
