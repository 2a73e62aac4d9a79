//go:build linux

package transport

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const ownKeepAlive = true

// KeepAlive tunes TCP keepalive probing on a socket before connect or
// listen. Accepted sockets inherit the listener's settings.
type KeepAlive struct {
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

func DefaultKeepAlive() KeepAlive {
	return KeepAlive{Idle: 60 * time.Second, Interval: 60 * time.Second, Count: 3}
}

func (k KeepAlive) control(network, address string, rc syscall.RawConn) error {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil
	}
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		s := int(fd)
		if sockErr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); sockErr != nil {
			return
		}
		if k.Idle > 0 {
			if sockErr = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, seconds(k.Idle)); sockErr != nil {
				return
			}
		}
		if k.Interval > 0 {
			if sockErr = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, seconds(k.Interval)); sockErr != nil {
				return
			}
		}
		if k.Count > 0 {
			sockErr = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, k.Count)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
