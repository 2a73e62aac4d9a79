package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// DialOptions configures outbound and listening sockets.
type DialOptions struct {
	Options
	TLS       *tls.Config
	KeepAlive KeepAlive
}

func (o DialOptions) keepAlive() KeepAlive {
	if o.KeepAlive == (KeepAlive{}) {
		return DefaultKeepAlive()
	}
	return o.KeepAlive
}

func (o DialOptions) netDialer(timeout time.Duration) *net.Dialer {
	d := &net.Dialer{Timeout: timeout}
	if ownKeepAlive {
		d.KeepAlive = -1
		d.Control = o.keepAlive().control
	}
	return d
}

func (o DialOptions) dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := o.netDialer(timeout)
	if o.TLS == nil {
		return d.DialContext(ctx, "tcp", addr)
	}
	td := &tls.Dialer{NetDialer: d, Config: o.TLS}
	return td.DialContext(ctx, "tcp", addr)
}

// Dial starts a non-blocking connect. done runs on the loop once the
// attempt settles, unless the attempt is canceled first. Call from the loop.
func Dial(loop Loop, addr string, timeout time.Duration, opts DialOptions, done func(*Connection, error)) *Connection {
	c := newConnection(loop, opts.Options, addr)
	c.state.Store(int32(StateConnecting))
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.regID = loop.Register(c)

	go func() {
		nc, err := opts.dial(ctx, addr, timeout)
		posted := loop.Post(func() { c.finishDial(nc, err, done) })
		if !posted && nc != nil {
			_ = nc.Close()
		}
	}()
	return c
}

func (c *Connection) finishDial(nc net.Conn, err error, done func(*Connection, error)) {
	if c.cancelDial != nil {
		c.cancelDial()
	}
	if c.State() != StateConnecting {
		if nc != nil {
			_ = nc.Close()
		}
		return
	}
	if err != nil {
		c.state.Store(int32(StateFailed))
		c.loop.Unregister(c.regID)
		log.Debug().Str("peer", c.peer).Err(err).Msg("dial failed")
		done(c, err)
		return
	}
	c.establish(nc)
	done(c, nil)
}

// Cancel abandons an in-flight dial. The done callback will not run and a
// socket that connects late is closed.
func (c *Connection) Cancel() {
	if !c.transition(StateConnecting, StateFailed) {
		return
	}
	if c.cancelDial != nil {
		c.cancelDial()
	}
	c.loop.Unregister(c.regID)
}

// DialSync connects before returning. The connection is established but
// not started; Start it on the loop.
func DialSync(loop Loop, addr string, timeout time.Duration, opts DialOptions) (*Connection, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	nc, err := opts.dial(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	c := newConnection(loop, opts.Options, addr)
	c.establish(nc)
	return c, nil
}

// Acceptor owns a listening socket. Accepted connections are established
// on the loop and handed to onAccept unstarted.
type Acceptor struct {
	loop     Loop
	ln       net.Listener
	opts     Options
	onAccept func(*Connection)
	regID    uint64
	closed   atomic.Bool
}

func Listen(loop Loop, addr string, opts DialOptions, onAccept func(*Connection)) (*Acceptor, error) {
	lc := net.ListenConfig{}
	if ownKeepAlive {
		lc.KeepAlive = -1
		lc.Control = opts.keepAlive().control
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, err
	}
	if opts.TLS != nil {
		ln = tls.NewListener(ln, opts.TLS)
	}
	a := &Acceptor{
		loop:     loop,
		ln:       ln,
		opts:     opts.Options,
		onAccept: onAccept,
	}
	a.regID = loop.Register(a)
	go a.acceptLoop()
	log.Info().Str("addr", ln.Addr().String()).Bool("tls", opts.TLS != nil).Msg("listening")
	return a, nil
}

func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Close stops accepting. Safe from any goroutine.
func (a *Acceptor) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := a.ln.Close()
	a.loop.Unregister(a.regID)
	return err
}

func (a *Acceptor) acceptLoop() {
	for {
		nc, err := a.ln.Accept()
		if err != nil {
			if a.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		posted := a.loop.Post(func() {
			if a.closed.Load() {
				_ = nc.Close()
				return
			}
			c := newConnection(a.loop, a.opts, "")
			c.establish(nc)
			a.onAccept(c)
		})
		if !posted {
			_ = nc.Close()
			return
		}
	}
}

// Pipe returns two established, unstarted connections joined in memory.
// Each side may live on a different loop.
func Pipe(loopA, loopB Loop, opts Options) (*Connection, *Connection) {
	na, nb := net.Pipe()
	a := newConnection(loopA, opts, "pipe:a")
	b := newConnection(loopB, opts, "pipe:b")
	a.establish(na)
	b.establish(nb)
	return a, b
}
