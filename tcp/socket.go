//go:build linux || darwin

package tcp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

const listenBacklog = 1024

// resolve parses a host:port, resolving a host name if needed.
func resolve(addr string) (*net.TCPAddr, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: resolve %q: %w", addr, err)
	}
	return ta, nil
}

func toSockaddr(a *net.TCPAddr) (unix.Sockaddr, int) {
	if ip4 := a.IP.To4(); ip4 != nil || a.IP == nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	if a.Zone != "" {
		if ifi, err := net.InterfaceByName(a.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, unix.AF_INET6
}

func fromSockaddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
	case *unix.SockaddrInet6:
		a := &net.TCPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
		if v.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(v.ZoneId)); err == nil {
				a.Zone = ifi.Name
			}
		}
		return a
	default:
		return nil
	}
}

func localAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return fromSockaddr(sa)
}

func peerAddr(fd int) net.Addr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return fromSockaddr(sa)
}

// listen returns a non-blocking listening socket bound to a.
func listen(a *net.TCPAddr) (int, error) {
	sa, family := toSockaddr(a)
	fd, err := socket(family)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, &net.OpError{Op: "setsockopt", Net: "tcp", Addr: a, Err: err}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, &net.OpError{Op: "bind", Net: "tcp", Addr: a, Err: err}
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return -1, &net.OpError{Op: "listen", Net: "tcp", Addr: a, Err: err}
	}
	return fd, nil
}

// dial starts a non-blocking connect. A connect that is still in progress
// returns pending true; the fd then becomes writable once it completes.
func dial(a *net.TCPAddr) (fd int, pending bool, err error) {
	sa, family := toSockaddr(a)
	if fd, err = socket(family); err != nil {
		return -1, false, err
	}
	for {
		err = unix.Connect(fd, sa)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	switch {
	case err == nil:
		return fd, false, nil
	case errors.Is(err, unix.EINPROGRESS):
		return fd, true, nil
	default:
		_ = unix.Close(fd)
		return -1, false, &net.OpError{Op: "dial", Net: "tcp", Addr: a, Err: err}
	}
}

// connectError fetches the result of a completed non-blocking connect.
func connectError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func setNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

func (k KeepAlive) apply(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	if k.Idle > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, tcpKeepIdle, secs(k.Idle)); err != nil {
			return err
		}
	}
	if k.Interval > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs(k.Interval)); err != nil {
			return err
		}
	}
	if k.Count > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, k.Count); err != nil {
			return err
		}
	}
	return nil
}

// secs rounds up to whole seconds, the kernel's keepalive granularity.
func secs(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

// IsFatal reports whether a listen or accept error will not go away by
// retrying without a configuration change.
func IsFatal(err error) bool {
	return errors.Is(err, unix.EADDRINUSE) ||
		errors.Is(err, unix.EADDRNOTAVAIL) ||
		errors.Is(err, unix.EACCES)
}

func closeFD(fd int) error { return unix.Close(fd) }
