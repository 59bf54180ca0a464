package gateway

import (
	"context"
	"net"
	"syscall"
)

// Listen binds the gateway address with SO_REUSEADDR so a restart does not
// trip over a socket in TIME_WAIT.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
