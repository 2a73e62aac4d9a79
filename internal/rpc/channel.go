// Package rpc turns transport connections into rpc channels: frames are
// decoded, resolved against a Service's method table and dispatched to
// handlers. Everything here runs on the reactor goroutine.
package rpc

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/danmuck/nyxrpc/internal/observability"
	"github.com/danmuck/nyxrpc/internal/protocol/frame"
	"github.com/danmuck/nyxrpc/internal/transport"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/proto"
)

var (
	ErrChannelClosed = errors.New("rpc: channel disconnected")
	ErrNoHandler     = errors.New("rpc: method has no handler")
	ErrDecode        = errors.New("rpc: request decode failed")
	ErrHandlerFailed = errors.New("rpc: handler failed")
	ErrHandlerPanic  = errors.New("rpc: handler panicked")
	ErrHeldFull      = errors.New("rpc: too many calls held for handshake")
)

const maxHeldFrames = 1024

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

type ChannelOptions struct {
	Limits     frame.Limits
	Compressor transport.Compressor
	// Handshake enables the in-band key exchange; nil leaves the channel
	// in plaintext.
	Handshake *HandshakeConfig
	Role      Role
	Metrics   observability.Recorder
}

// Listener is told once when a channel disconnects.
type Listener interface {
	OnDisconnected(ch *Channel)
}

type ListenerFunc func(ch *Channel)

func (f ListenerFunc) OnDisconnected(ch *Channel) { f(ch) }

type listenerEntry struct {
	id      uint64
	l       Listener
	removed bool
}

// Subscription is the handle returned by RegisterListener.
type Subscription struct {
	ch *Channel
	id uint64
}

// Unregister removes the listener. It is safe to call more than once and
// from inside a disconnect notification.
func (s *Subscription) Unregister() {
	if s == nil || s.ch == nil {
		return
	}
	s.ch.removeListener(func(e *listenerEntry) bool { return e.id == s.id })
	s.ch = nil
}

// Info is a point-in-time view of a channel.
type Info struct {
	Peer       string    `json:"peer"`
	Local      string    `json:"local"`
	Role       string    `json:"role"`
	Secure     bool      `json:"secure"`
	Seed       uint64    `json:"seed"`
	FramesIn   uint64    `json:"frames_in"`
	FramesOut  uint64    `json:"frames_out"`
	Buffered   int       `json:"buffered"`
	Created    time.Time `json:"created"`
	LastActive time.Time `json:"last_active"`
}

type Channel struct {
	svc     *Service
	conn    *transport.Connection
	parser  *frame.Parser
	limits  frame.Limits
	metrics observability.Recorder
	role    Role
	peer    string
	local   string

	listeners    []*listenerEntry
	nextListener uint64

	disconnected bool
	closeErr     error

	userData   any
	seed       uint64
	created    time.Time
	lastActive time.Time
	framesIn   uint64
	framesOut  uint64

	hs   *handshake
	held [][]byte
}

// NewChannel binds svc to an established, unstarted connection and starts
// reading. Call on the loop.
func NewChannel(svc *Service, conn *transport.Connection, opts ChannelOptions) (*Channel, error) {
	if opts.Handshake != nil {
		if _, ok := svc.Index(HelloMethod); !ok {
			return nil, ErrHandshakeNotRegistered
		}
	}
	limits := opts.Limits
	if limits.MaxFrameBytes == 0 {
		limits = frame.DefaultLimits()
	}
	now := time.Now()
	ch := &Channel{
		svc:        svc,
		conn:       conn,
		parser:     frame.NewParser(limits),
		limits:     limits,
		metrics:    opts.Metrics,
		role:       opts.Role,
		peer:       conn.PeerAddr(),
		local:      conn.LocalAddr(),
		created:    now,
		lastActive: now,
	}
	conn.SetDecoratorLimits(transport.BlockLimitsFor(limits.MaxFrameBytes))
	if opts.Compressor != nil {
		conn.SetCompressor(opts.Compressor)
	}
	if opts.Handshake != nil {
		ch.hs = newHandshake(opts.Role, *opts.Handshake)
	}
	conn.Attach(ch)
	if err := conn.Start(transport.Handler{
		OnReadable: ch.onReadable,
		OnClosed:   ch.onClosed,
	}); err != nil {
		return nil, err
	}
	if ch.hs != nil && ch.role == RoleClient {
		if err := ch.hs.sendHello(ch); err != nil {
			ch.Disconnect()
			return nil, err
		}
	}
	log.Debug().Str("peer", ch.peer).Str("role", ch.role.String()).Bool("handshake", ch.hs != nil).Msg("channel created")
	return ch, nil
}

func (ch *Channel) Service() *Service { return ch.svc }
func (ch *Channel) Role() Role        { return ch.role }
func (ch *Channel) PeerAddr() string  { return ch.peer }
func (ch *Channel) LocalAddr() string { return ch.local }

// Connected reports whether the channel has not yet disconnected.
func (ch *Channel) Connected() bool { return !ch.disconnected }

// Err is the close cause once disconnected; nil for a local close.
func (ch *Channel) Err() error { return ch.closeErr }

func (ch *Channel) SetUserData(v any) { ch.userData = v }
func (ch *Channel) UserData() any     { return ch.userData }

func (ch *Channel) SetSessionSeed(seed uint64) { ch.seed = seed }
func (ch *Channel) SessionSeed() uint64        { return ch.seed }

func (ch *Channel) LastActive() time.Time { return ch.lastActive }

// Ready reports whether calls go straight to the socket rather than being
// held for the handshake.
func (ch *Channel) Ready() bool {
	return !ch.disconnected && (ch.hs == nil || ch.hs.done)
}

func (ch *Channel) Secure() bool {
	return ch.conn != nil && ch.conn.Encrypted()
}

// SetMaxFrameBytes applies to frames parsed and sent from now on, and
// resizes the compressed block limits to match.
func (ch *Channel) SetMaxFrameBytes(n uint32) {
	if n == 0 {
		n = frame.DefaultMaxFrameBytes
	}
	ch.limits = frame.Limits{MaxFrameBytes: n}
	if ch.parser != nil {
		ch.parser.SetLimits(ch.limits)
	}
	if ch.conn != nil {
		ch.conn.SetDecoratorLimits(transport.BlockLimitsFor(ch.limits.MaxFrameBytes))
	}
}

func (ch *Channel) MaxFrameBytes() uint32 { return ch.limits.MaxFrameBytes }

// SetCrypter installs stream ciphers for bytes processed from now on.
func (ch *Channel) SetCrypter(enc, dec cipher.Stream) error {
	if ch.disconnected {
		return ErrChannelClosed
	}
	ch.conn.SetCrypter(enc, dec)
	return nil
}

func (ch *Channel) SetCompressor(c transport.Compressor) error {
	if ch.disconnected {
		return ErrChannelClosed
	}
	ch.conn.SetCompressor(c)
	return nil
}

func (ch *Channel) Info() Info {
	info := Info{
		Peer:       ch.peer,
		Local:      ch.local,
		Role:       ch.role.String(),
		Seed:       ch.seed,
		FramesIn:   ch.framesIn,
		FramesOut:  ch.framesOut,
		Created:    ch.created,
		LastActive: ch.lastActive,
	}
	if !ch.disconnected {
		info.Secure = ch.Secure()
		info.Buffered = ch.conn.Buffered()
	}
	return info
}

// Call encodes msg with the service codec and queues it for method name.
func (ch *Channel) Call(method string, msg proto.Message) error {
	idx, ok := ch.svc.Index(method)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	body, err := ch.svc.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rpc: encode %s: %w", method, err)
	}
	return ch.send(idx, body, false)
}

// CallIndex queues a pre-encoded body for a raw method index.
func (ch *Channel) CallIndex(index uint16, body []byte) error {
	return ch.send(index, body, false)
}

func (ch *Channel) send(index uint16, body []byte, bypassHold bool) error {
	if ch.disconnected {
		return ErrChannelClosed
	}
	payload, err := frame.EncodePayload(int(index), body)
	if err != nil {
		return err
	}
	wire, err := frame.AppendFrame(nil, payload, ch.limits)
	if err != nil {
		return err
	}
	if !bypassHold && ch.hs != nil && !ch.hs.done {
		if len(ch.held) >= maxHeldFrames {
			return ErrHeldFull
		}
		ch.held = append(ch.held, wire)
		return nil
	}
	return ch.write(wire)
}

func (ch *Channel) write(wire []byte) error {
	if err := ch.conn.Write(wire); err != nil {
		return err
	}
	ch.framesOut++
	ch.metrics.FrameOut()
	return nil
}

func (ch *Channel) flushHeld() error {
	held := ch.held
	ch.held = nil
	for _, wire := range held {
		if err := ch.write(wire); err != nil {
			return err
		}
	}
	return nil
}

// RegisterListener adds l to the disconnect notification set. Listeners
// added after the channel disconnected are never called.
func (ch *Channel) RegisterListener(l Listener) *Subscription {
	if ch.disconnected {
		return &Subscription{}
	}
	ch.nextListener++
	ch.listeners = append(ch.listeners, &listenerEntry{id: ch.nextListener, l: l})
	return &Subscription{ch: ch, id: ch.nextListener}
}

// UnregisterListener removes every registration of l. l must be of a
// comparable type; use Subscription.Unregister for func listeners.
func (ch *Channel) UnregisterListener(l Listener) {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return
	}
	ch.removeListener(func(e *listenerEntry) bool {
		return reflect.TypeOf(e.l) == reflect.TypeOf(l) && e.l == l
	})
}

func (ch *Channel) removeListener(match func(*listenerEntry) bool) {
	kept := ch.listeners[:0]
	for _, e := range ch.listeners {
		if match(e) {
			e.removed = true
			continue
		}
		kept = append(kept, e)
	}
	ch.listeners = kept
}

func (ch *Channel) Listeners() int { return len(ch.listeners) }

// Disconnect closes the channel locally, flushing queued writes. Idempotent.
func (ch *Channel) Disconnect() {
	if ch.disconnected {
		return
	}
	_ = ch.conn.Close()
	ch.onDisconnected(nil)
}

func (ch *Channel) onClosed(err error) {
	ch.onDisconnected(err)
}

// onDisconnected notifies listeners exactly once, then releases state.
func (ch *Channel) onDisconnected(err error) {
	if ch.disconnected {
		return
	}
	ch.disconnected = true
	ch.closeErr = err
	log.Info().Str("peer", ch.peer).Str("role", ch.role.String()).Err(err).Msg("channel disconnected")

	entries := append([]*listenerEntry(nil), ch.listeners...)
	for _, e := range entries {
		if e.removed {
			continue
		}
		e.l.OnDisconnected(ch)
	}

	ch.listeners = nil
	if ch.parser != nil {
		ch.parser.Reset()
		ch.parser = nil
	}
	ch.held = nil
	ch.hs = nil
	ch.userData = nil
	ch.conn = nil
}

var errStopDispatch = errors.New("rpc: channel released during dispatch")

func (ch *Channel) onReadable(data []byte) error {
	if ch.disconnected {
		return nil
	}
	ch.lastActive = time.Now()
	err := ch.parser.FeedAll(data, ch.dispatch)
	if ch.disconnected {
		return nil
	}
	if err != nil {
		if errors.Is(err, frame.ErrEmptyFrame) || errors.Is(err, frame.ErrFrameTooLarge) {
			ch.metrics.ProtocolError()
			log.Warn().Str("peer", ch.peer).Err(err).Msg("protocol error, disconnecting")
		}
		return err
	}
	return nil
}

func (ch *Channel) dispatch(payload []byte) error {
	if ch.disconnected {
		return errStopDispatch
	}
	ch.framesIn++
	ch.metrics.FrameIn()

	idx, body, err := frame.DecodePayload(payload)
	if err != nil {
		ch.drop("short_payload", nil, err)
		return nil
	}
	m, ok := ch.svc.Lookup(idx)
	if !ok {
		ch.drop("unknown_method", nil, fmt.Errorf("%w: index %d", ErrUnknownMethod, idx))
		return nil
	}
	if ch.hs != nil && !ch.hs.done && !m.handshake {
		return fmt.Errorf("%w: got %s", ErrHandshakeRequired, m.Name)
	}
	ctl := &Controller{ch: ch, method: m}
	if err := ch.invoke(ctl, m, body); err != nil {
		if m.fatal {
			return err
		}
		ch.drop(dropReason(err), m, err)
	}
	if ch.disconnected {
		return errStopDispatch
	}
	return nil
}

func (ch *Channel) invoke(ctl *Controller, m *Method, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	switch {
	case m.Raw != nil:
		err = m.Raw(ctl, body)
	case m.Handler != nil:
		req := m.NewRequest()
		if uerr := ch.svc.codec.Unmarshal(body, req); uerr != nil {
			return fmt.Errorf("%w: %w", ErrDecode, uerr)
		}
		var resp proto.Message
		resp, err = m.Handler(ctl, req)
		if err == nil && !ctl.Failed() && resp != nil && m.Reply != "" && !ch.disconnected {
			if rerr := ch.Call(m.Reply, resp); rerr != nil {
				return fmt.Errorf("rpc: reply %s: %w", m.Reply, rerr)
			}
		}
	default:
		return ErrNoHandler
	}
	if err != nil {
		if m.fatal {
			return err
		}
		return fmt.Errorf("%w: %w", ErrHandlerFailed, err)
	}
	if ctl.Failed() {
		return fmt.Errorf("%w: %s", ErrHandlerFailed, ctl.ErrorText())
	}
	return nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrHandlerPanic):
		return "panic"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrNoHandler):
		return "no_handler"
	default:
		return "handler"
	}
}

// drop logs and counts a call that could not be served. The channel stays up.
func (ch *Channel) drop(reason string, m *Method, err error) {
	ch.metrics.DispatchError(reason)
	ev := log.Warn().Str("peer", ch.peer).Str("reason", reason).Err(err)
	if m != nil {
		ev = ev.Str("method", m.Name).Uint16("index", m.index)
	}
	ev.Msg("rpc call dropped")
}
