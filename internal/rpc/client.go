package rpc

import (
	"errors"
	"time"

	"github.com/danmuck/nyxrpc/internal/reactor"
	"github.com/danmuck/nyxrpc/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectTimeout    = errors.New("rpc: connect timed out")
	ErrConnectCanceled   = errors.New("rpc: connect canceled")
	ErrConnectInProgress = errors.New("rpc: connect already in progress")
)

// Loop is the reactor surface the rpc helpers schedule on.
type Loop interface {
	transport.Loop
	AddTimer(d time.Duration, fn func()) *reactor.Timer
}

type ClientState int

const (
	ClientInit ClientState = iota
	ClientConnecting
	ClientFailed
	ClientSucceeded
)

func (s ClientState) String() string {
	switch s {
	case ClientInit:
		return "init"
	case ClientConnecting:
		return "connecting"
	case ClientFailed:
		return "failed"
	case ClientSucceeded:
		return "succeeded"
	default:
		return "unknown"
	}
}

type ClientOptions struct {
	Dial    transport.DialOptions
	Channel ChannelOptions
}

// attempt is the cancel handle of one in-flight dial.
type attempt interface {
	Cancel()
}

type dialFunc func(loop transport.Loop, addr string, timeout time.Duration, opts transport.DialOptions, done func(*transport.Connection, error)) attempt

func dialTransport(loop transport.Loop, addr string, timeout time.Duration, opts transport.DialOptions, done func(*transport.Connection, error)) attempt {
	return transport.Dial(loop, addr, timeout, opts, done)
}

// ChannelClient establishes one outbound channel with a bounded wait. The
// Connect callback runs exactly once per attempt, whichever of success,
// failure, timeout or Reset comes first.
type ChannelClient struct {
	loop  Loop
	svc   *Service
	addr  string
	opts  ClientOptions
	dial  dialFunc
	state ClientState

	gen     uint64
	pending attempt
	resolve func(*Channel, error)
	channel *Channel
}

func NewChannelClient(loop Loop, svc *Service, addr string, opts ClientOptions) *ChannelClient {
	opts.Channel.Role = RoleClient
	return &ChannelClient{
		loop: loop,
		svc:  svc,
		addr: addr,
		opts: opts,
		dial: dialTransport,
	}
}

func (c *ChannelClient) State() ClientState { return c.state }
func (c *ChannelClient) Addr() string       { return c.addr }

// Channel is the channel of the last successful attempt, if any.
func (c *ChannelClient) Channel() *Channel { return c.channel }

// Connect starts an attempt bounded by timeout. Call on the loop.
func (c *ChannelClient) Connect(timeout time.Duration, cb func(*Channel, error)) error {
	if c.state == ClientConnecting {
		return ErrConnectInProgress
	}
	c.gen++
	gen := c.gen
	c.state = ClientConnecting
	c.channel = nil
	start := time.Now()
	metrics := c.opts.Channel.Metrics

	resolved := false
	var timer *reactor.Timer
	resolve := func(ch *Channel, err error) {
		if resolved {
			return
		}
		resolved = true
		if timer != nil {
			timer.Cancel()
		}
		outcome := "ok"
		switch {
		case errors.Is(err, ErrConnectTimeout):
			outcome = "timeout"
		case errors.Is(err, ErrConnectCanceled):
			outcome = "canceled"
		case err != nil:
			outcome = "error"
		}
		metrics.Connect(outcome, time.Since(start))
		if gen == c.gen {
			c.pending = nil
			c.resolve = nil
			if err != nil {
				c.state = ClientFailed
			} else {
				c.state = ClientSucceeded
				c.channel = ch
			}
		}
		if err != nil {
			log.Debug().Str("peer", c.addr).Err(err).Msg("connect failed")
		}
		cb(ch, err)
	}
	c.resolve = resolve

	pending := c.dial(c.loop, c.addr, timeout, c.opts.Dial, func(conn *transport.Connection, err error) {
		if resolved || gen != c.gen {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			resolve(nil, err)
			return
		}
		ch, err := NewChannel(c.svc, conn, c.opts.Channel)
		if err != nil {
			_ = conn.Close()
			resolve(nil, err)
			return
		}
		resolve(ch, nil)
	})
	if resolved {
		return nil
	}
	c.pending = pending
	timer = c.loop.AddTimer(timeout, func() {
		if resolved {
			return
		}
		pending.Cancel()
		resolve(nil, ErrConnectTimeout)
	})
	return nil
}

// Reset abandons any in-flight attempt, resolving it with
// ErrConnectCanceled, and points the client at addr. An empty addr keeps
// the current one.
func (c *ChannelClient) Reset(addr string) {
	pending, resolve := c.pending, c.resolve
	connecting := c.state == ClientConnecting
	c.gen++
	if addr != "" {
		c.addr = addr
	}
	c.state = ClientInit
	c.channel = nil
	c.pending = nil
	c.resolve = nil
	if connecting {
		if pending != nil {
			pending.Cancel()
		}
		if resolve != nil {
			resolve(nil, ErrConnectCanceled)
		}
	}
}
