// Package transport owns sockets for the reactor: one Connection per
// socket, buffered non-blocking writes, and the crypt/compress decorator.
//
// All Connection methods except State, PeerAddr and ID must be called on
// the reactor goroutine. Socket I/O happens on per-connection reader and
// writer goroutines that only hand results back through Loop.Post.
package transport

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/danmuck/nyxrpc/internal/observability"
	"github.com/danmuck/nyxrpc/internal/reactor"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed         = errors.New("transport: connection closed")
	ErrNotEstablished = errors.New("transport: connection not established")
	ErrAlreadyStarted = errors.New("transport: connection already started")
)

// Loop is the slice of the reactor a Connection needs.
type Loop interface {
	Post(fn func()) bool
	Register(c reactor.Closer) uint64
	Unregister(id uint64)
}

type State int32

const (
	StateInit State = iota
	StateConnecting
	StateEstablished
	StateFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler is the capability set a Connection calls back into.
// OnReadable returning an error closes the connection with that error.
// OnWritable fires whenever the outbound buffer has fully drained.
// OnClosed fires exactly once; err is nil for a local Close.
type Handler struct {
	OnReadable func(data []byte) error
	OnWritable func()
	OnClosed   func(err error)
}

type Options struct {
	RecvBufferBytes int
	// MaxWriteChunk bounds the bytes handed to the writer per turn.
	MaxWriteChunk int
	// WriteTimeout bounds the final flush of a local Close.
	WriteTimeout time.Duration
	Metrics      observability.Recorder
}

func DefaultOptions() Options {
	return Options{
		RecvBufferBytes: 4096,
		MaxWriteChunk:   64 * 1024,
		WriteTimeout:    5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RecvBufferBytes <= 0 {
		o.RecvBufferBytes = d.RecvBufferBytes
	}
	if o.MaxWriteChunk <= 0 {
		o.MaxWriteChunk = d.MaxWriteChunk
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	return o
}

type writeOp struct {
	buf   []byte
	final bool
	flush bool
}

type Connection struct {
	loop  Loop
	opts  Options
	state atomic.Int32
	peer  string
	regID uint64

	nc      net.Conn
	handler Handler
	started bool

	deco     *Decorator
	out      []byte
	cursor   int
	inflight int
	writes   chan writeOp

	cancelDial func()
	attached   any
}

func newConnection(loop Loop, opts Options, peer string) *Connection {
	c := &Connection{
		loop: loop,
		opts: opts.withDefaults(),
		peer: peer,
	}
	c.state.Store(int32(StateInit))
	return c
}

// State is safe to read from any goroutine.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) PeerAddr() string {
	return c.peer
}

func (c *Connection) ID() uint64 {
	return c.regID
}

func (c *Connection) LocalAddr() string {
	if c.nc == nil {
		return ""
	}
	return c.nc.LocalAddr().String()
}

// Attach stores a non-owning back-reference (the rpc channel).
func (c *Connection) Attach(v any) {
	c.attached = v
}

func (c *Connection) Attached() any {
	return c.attached
}

// Buffered is the number of outbound bytes not yet written to the socket.
func (c *Connection) Buffered() int {
	return len(c.out) - c.cursor
}

func (c *Connection) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// establish binds a connected socket. It does not start I/O.
func (c *Connection) establish(nc net.Conn) {
	c.nc = nc
	if c.peer == "" {
		c.peer = nc.RemoteAddr().String()
	}
	c.state.Store(int32(StateEstablished))
	if c.regID == 0 {
		c.regID = c.loop.Register(c)
	}
}

// Start installs the handler and begins reading. Writes queued before
// Start are flushed once it runs.
func (c *Connection) Start(h Handler) error {
	if c.State() != StateEstablished {
		return ErrNotEstablished
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.handler = h
	c.started = true
	c.writes = make(chan writeOp, 2)
	go c.readLoop(c.nc)
	go c.writeLoop(c.nc, c.writes)
	c.armWriter()
	return nil
}

// SetHandler replaces the handler of a started connection.
func (c *Connection) SetHandler(h Handler) {
	c.handler = h
}

// Decorator returns the connection's decorator, creating an identity one
// on first use.
func (c *Connection) Decorator() *Decorator {
	if c.deco == nil {
		c.deco = NewDecorator(DefaultDecoratorLimits())
	}
	return c.deco
}

// SetCrypter installs stream ciphers for bytes written and read from now on.
func (c *Connection) SetCrypter(enc, dec cipher.Stream) {
	c.Decorator().SetCrypter(enc, dec)
}

// SetDecoratorLimits sizes compressed blocks and their decoded cap.
func (c *Connection) SetDecoratorLimits(limits DecoratorLimits) {
	c.Decorator().SetLimits(limits)
}

// SetCompressor installs a compressor for bytes written and read from now on.
func (c *Connection) SetCompressor(comp Compressor) {
	c.Decorator().SetCompressor(comp)
}

// Encrypted reports whether both directions pass through a cipher.
func (c *Connection) Encrypted() bool {
	return c.deco != nil && c.deco.Encrypting() && c.deco.Decrypting()
}

// Write queues data for the socket after the decorator write path.
func (c *Connection) Write(data []byte) error {
	if c.State() != StateEstablished {
		return ErrClosed
	}
	if c.deco != nil {
		var err error
		data, err = c.deco.Outbound(data)
		if err != nil {
			return err
		}
	}
	c.out = append(c.out, data...)
	c.armWriter()
	return nil
}

// armWriter hands the next chunk to the writer goroutine. The writer is
// only busy while the buffer is non-empty.
func (c *Connection) armWriter() {
	if !c.started || c.inflight > 0 || c.cursor >= len(c.out) {
		return
	}
	end := c.cursor + c.opts.MaxWriteChunk
	if end > len(c.out) {
		end = len(c.out)
	}
	chunk := c.out[c.cursor:end]
	c.inflight = len(chunk)
	c.writes <- writeOp{buf: chunk}
}

func (c *Connection) handleWritten(n int, err error) {
	if c.State() != StateEstablished {
		return
	}
	c.inflight = 0
	c.cursor += n
	c.opts.Metrics.BytesOut(n)
	if err != nil {
		c.closeWithError(err)
		return
	}
	if c.cursor >= len(c.out) {
		c.out = c.out[:0]
		c.cursor = 0
		if c.handler.OnWritable != nil {
			c.handler.OnWritable()
		}
		return
	}
	if c.cursor > len(c.out)/2 {
		n := copy(c.out, c.out[c.cursor:])
		c.out = c.out[:n]
		c.cursor = 0
	}
	c.armWriter()
}

func (c *Connection) handleRead(data []byte) {
	if c.State() != StateEstablished {
		return
	}
	c.opts.Metrics.BytesIn(len(data))
	if c.deco != nil {
		var err error
		data, err = c.deco.Inbound(data)
		if err != nil {
			c.closeWithError(err)
			return
		}
		if len(data) == 0 {
			return
		}
	}
	if c.handler.OnReadable == nil {
		return
	}
	if err := c.handler.OnReadable(data); err != nil {
		c.closeWithError(err)
	}
}

// Close disconnects locally, flushing buffered bytes off the loop within
// WriteTimeout. It is idempotent and also cancels an in-flight dial.
func (c *Connection) Close() error {
	switch c.State() {
	case StateConnecting:
		c.Cancel()
		return nil
	case StateEstablished:
		c.disconnect(nil, true)
		return nil
	default:
		return nil
	}
}

func (c *Connection) closeWithError(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.disconnect(err, false)
}

// disconnect is the single Established->Disconnected edge: the close
// callback fires first, then buffers are released.
func (c *Connection) disconnect(err error, flush bool) {
	if !c.transition(StateEstablished, StateDisconnected) {
		return
	}
	cause := "local"
	if err != nil {
		cause = "error"
		if errors.Is(err, io.EOF) {
			cause = "peer"
		}
	}
	c.opts.Metrics.Disconnect(cause)
	log.Debug().Str("peer", c.peer).Str("cause", cause).Err(err).Msg("connection disconnected")

	if c.handler.OnClosed != nil {
		c.handler.OnClosed(err)
	}

	var rest []byte
	if flush && c.cursor+c.inflight < len(c.out) {
		rest = c.out[c.cursor+c.inflight:]
	}
	if c.started {
		c.writes <- writeOp{buf: rest, final: true, flush: flush}
	} else {
		_ = c.nc.Close()
	}
	c.out = nil
	c.cursor = 0
	c.handler = Handler{}
	c.attached = nil
	c.loop.Unregister(c.regID)
}

func (c *Connection) readLoop(nc net.Conn) {
	buf := make([]byte, c.opts.RecvBufferBytes)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !c.loop.Post(func() { c.handleRead(data) }) {
				return
			}
		}
		if err != nil {
			c.loop.Post(func() { c.closeWithError(err) })
			return
		}
	}
}

func (c *Connection) writeLoop(nc net.Conn, ops <-chan writeOp) {
	for op := range ops {
		if op.final {
			if op.flush && len(op.buf) > 0 {
				_ = nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
				_, _ = nc.Write(op.buf)
			}
			_ = nc.Close()
			return
		}
		n, err := nc.Write(op.buf)
		if !c.loop.Post(func() { c.handleWritten(n, err) }) {
			_ = nc.Close()
			return
		}
	}
}
