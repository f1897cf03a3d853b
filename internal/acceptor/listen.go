//go:build linux

// Listening-socket construction for spec.md §6: an IPv6 socket bound to
// `::` accepting both IPv6 and IPv4-mapped-IPv6 clients, backlog 5,
// SO_REUSEADDR enabled. Go's net.Listen does not expose backlog, so this
// builds the socket directly with golang.org/x/sys/unix — the same
// dependency internal/eventloop already uses for epoll — and hands the fd
// to net.FileListener.
package acceptor

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

const listenBacklog = 5

// Listen opens the IPv6 dual-stack listening socket for port.
func Listen(port int) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("acceptor: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: setsockopt reuseaddr: %w", err)
	}

	addr := &unix.SockaddrInet6{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: listen: %w", err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("tcp-proxy-listener:%d", port))
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("acceptor: file listener: %w", err)
	}
	return ln, nil
}
