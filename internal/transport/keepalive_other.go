//go:build !linux

package transport

import (
	"syscall"
	"time"
)

// Other platforms keep the net package's default keepalive.
const ownKeepAlive = false

type KeepAlive struct {
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

func DefaultKeepAlive() KeepAlive {
	return KeepAlive{Idle: 60 * time.Second, Interval: 60 * time.Second, Count: 3}
}

func (k KeepAlive) control(network, address string, rc syscall.RawConn) error {
	return nil
}
