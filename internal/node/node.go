// Package node wires one process worth of rpc plumbing: the reactor, the
// service table, the channel manager, the listen server, outbound peers and
// the admin surface.
package node

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/nyxrpc/internal/admin"
	"github.com/danmuck/nyxrpc/internal/auth"
	"github.com/danmuck/nyxrpc/internal/codec"
	"github.com/danmuck/nyxrpc/internal/config"
	"github.com/danmuck/nyxrpc/internal/observability"
	"github.com/danmuck/nyxrpc/internal/protocol/session"
	"github.com/danmuck/nyxrpc/internal/reactor"
	"github.com/danmuck/nyxrpc/internal/rpc"
	"github.com/danmuck/nyxrpc/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const HeartbeatMethod = "session.heartbeat"

var (
	ErrStarted    = errors.New("node: already started")
	ErrNotStarted = errors.New("node: not started")
)

// Status is a point-in-time view of the node, read on the loop.
type Status struct {
	Name     string     `json:"name"`
	Listen   string     `json:"listen,omitempty"`
	Uptime   string     `json:"uptime"`
	Sockets  int        `json:"sockets"`
	Peers    []string   `json:"peers"`
	Channels []rpc.Info `json:"channels"`
}

type Node struct {
	cfg     config.NodeConfig
	loop    *reactor.Reactor
	svc     *rpc.Service
	manager *rpc.ChannelManager
	metrics observability.Recorder

	dialOpts transport.DialOptions
	chanOpts rpc.ChannelOptions
	hbIndex  uint16

	server    *rpc.Server
	peers     []*rpc.Reconnector
	heartbeat *reactor.Timer
	router    *gin.Engine
	started   time.Time
}

var _ admin.Source = (*Node)(nil)

// New builds a node from cfg. Application methods are registered on
// Service() before Start; both peers must register the same table.
func New(cfg config.NodeConfig) (*Node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	metrics := observability.NewRecorder(cfg.Name)

	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:     cfg,
		loop:    reactor.New(reactor.Options{PollInterval: cfg.Session.PollInterval}),
		manager: rpc.NewChannelManager(metrics),
		metrics: metrics,
	}
	n.svc, n.hbIndex, err = BaseService(cfg.Name, c, n.onHeartbeat)
	if err != nil {
		return nil, err
	}
	n.buildOptions()
	n.router = admin.NewRouter(n, admin.RouterConfig{Node: cfg.Name, CorsOrigins: cfg.CorsOrigins})
	return n, nil
}

// BaseService builds the table every node starts from: the handshake
// methods, then the heartbeat. Peers that are not nodes use it to stay
// index-compatible.
func BaseService(name string, c codec.Codec, heartbeat rpc.RawHandler) (*rpc.Service, uint16, error) {
	svc := rpc.NewService(name)
	svc.SetCodec(c)
	if err := rpc.RegisterHandshake(svc); err != nil {
		return nil, 0, err
	}
	idx, err := svc.Register(rpc.Method{Name: HeartbeatMethod, Raw: heartbeat})
	if err != nil {
		return nil, 0, err
	}
	return svc, idx, nil
}

func (n *Node) buildOptions() {
	s := n.cfg.Session
	topts := transport.DefaultOptions()
	topts.RecvBufferBytes = s.RecvBufferBytes
	topts.WriteTimeout = s.WriteTimeout
	topts.Metrics = n.metrics
	n.dialOpts = transport.DialOptions{Options: topts}

	n.chanOpts = rpc.ChannelOptions{
		Limits:  s.FrameLimits(),
		Metrics: n.metrics,
	}
	if s.Compression == session.CompressionSnappy {
		n.chanOpts.Compressor = transport.SnappyCompressor{}
	}
	if s.Crypto.Enabled {
		n.chanOpts.Handshake = &rpc.HandshakeConfig{
			Token:     s.Crypto.Token,
			Validator: auth.ForTokens(s.Crypto.Token, s.SecurityMode == session.SecurityModeDevelopment),
		}
	}
}

func (n *Node) NodeID() string { return n.cfg.Name }
func (n *Node) Service() *rpc.Service { return n.svc }
func (n *Node) Loop() *reactor.Reactor { return n.loop }
func (n *Node) Config() config.NodeConfig { return n.cfg }
func (n *Node) HTTPRouter() *gin.Engine { return n.router }
func (n *Node) HeartbeatIndex() uint16 { return n.hbIndex }

// Manager is loop-only.
func (n *Node) Manager() *rpc.ChannelManager { return n.manager }

// Addr is the bound listen address, nil before Start or without a listener.
func (n *Node) Addr() net.Addr {
	if n.server == nil {
		return nil
	}
	return n.server.Addr()
}

// Start opens the listener and schedules outbound peers and the heartbeat
// on the loop. The loop itself runs in Run.
func (n *Node) Start() error {
	if !n.started.IsZero() {
		return ErrStarted
	}
	if n.cfg.Listen != "" {
		opts := n.dialOpts
		tlsCfg, err := n.cfg.Session.ServerTLS()
		if err != nil {
			return err
		}
		opts.TLS = tlsCfg
		n.server, err = rpc.Listen(n.loop, n.cfg.Listen, opts, &rpc.ChannelCreator{
			Service: n.svc,
			Options: n.chanOpts,
			Handler: n.manager,
		})
		if err != nil {
			return fmt.Errorf("node: listen %s: %w", n.cfg.Listen, err)
		}
		log.Info().Str("node", n.cfg.Name).Str("addr", n.server.Addr().String()).Msg("listening")
	}

	clientTLS, err := n.cfg.Session.ClientTLS()
	if err != nil {
		if n.server != nil {
			_ = n.server.Close()
		}
		return err
	}
	dial := n.dialOpts
	dial.TLS = clientTLS
	for _, addr := range n.cfg.Peers {
		client := rpc.NewChannelClient(n.loop, n.svc, addr, rpc.ClientOptions{Dial: dial, Channel: n.chanOpts})
		n.peers = append(n.peers, rpc.NewReconnector(n.loop, client, n.cfg.Session.Backoff, n.cfg.Session.ConnectTimeout, n.manager.OnNewChannel))
	}

	n.started = time.Now()
	if !n.loop.Post(func() {
		for _, p := range n.peers {
			p.Start()
		}
		n.heartbeat = n.loop.AddCycleTimer(n.cfg.Session.HeartbeatInterval, n.tick)
	}) {
		return reactor.ErrStopped
	}
	return nil
}

// Run drives the loop until Shutdown.
func (n *Node) Run() error {
	if n.started.IsZero() {
		return ErrNotStarted
	}
	return n.loop.Run()
}

// Shutdown stops peers and the listener, disconnects every channel and
// stops the loop. Safe from any goroutine; Run returns once the loop has
// drained.
func (n *Node) Shutdown() {
	ok := n.loop.Post(func() {
		if n.heartbeat != nil {
			n.heartbeat.Cancel()
			n.heartbeat = nil
		}
		for _, p := range n.peers {
			p.Stop()
		}
		if n.server != nil {
			_ = n.server.Close()
		}
		n.manager.DisconnectAll()
		n.loop.Stop()
	})
	if !ok {
		n.loop.Stop()
	}
}

func (n *Node) Done() <-chan struct{} { return n.loop.Done() }

// tick sends heartbeats on outbound channels and reaps silent ones.
func (n *Node) tick() {
	deadAfter := n.cfg.Session.SessionDeadAfter
	now := time.Now()
	n.manager.Each(func(ch *rpc.Channel) {
		if now.Sub(ch.LastActive()) > deadAfter {
			log.Warn().
				Str("peer", ch.PeerAddr()).
				Str("role", ch.Role().String()).
				Dur("idle", now.Sub(ch.LastActive())).
				Msg("session dead, disconnecting")
			ch.Disconnect()
			return
		}
		if ch.Role() == rpc.RoleClient && ch.Ready() {
			n.sendHeartbeat(ch)
		}
	})
}

// onHeartbeat answers a client heartbeat so both ends see traffic.
func (n *Node) onHeartbeat(ctl *rpc.Controller, _ []byte) error {
	if ch := ctl.Channel(); ch.Role() == rpc.RoleServer {
		n.sendHeartbeat(ch)
	}
	return nil
}

func (n *Node) sendHeartbeat(ch *rpc.Channel) {
	if err := ch.CallIndex(n.hbIndex, nil); err != nil {
		log.Debug().Str("peer", ch.PeerAddr()).Err(err).Msg("heartbeat send failed")
	}
}

// Snapshot reads node state on the loop.
func (n *Node) Snapshot() (Status, error) {
	var st Status
	err := n.loop.Call(func() {
		st = Status{
			Name:     n.cfg.Name,
			Sockets:  n.loop.Sockets(),
			Peers:    make([]string, 0, len(n.peers)),
			Channels: n.manager.Snapshot(),
		}
		if n.server != nil {
			st.Listen = n.server.Addr().String()
		}
		if !n.started.IsZero() {
			st.Uptime = time.Since(n.started).Round(time.Second).String()
		}
		for _, p := range n.peers {
			st.Peers = append(st.Peers, p.Client().Addr())
		}
	})
	return st, err
}

// Channels implements admin.Source.
func (n *Node) Channels() ([]rpc.Info, error) {
	var out []rpc.Info
	err := n.loop.Call(func() { out = n.manager.Snapshot() })
	return out, err
}

// Disconnect closes the channel for peer and reports whether one existed.
func (n *Node) Disconnect(peer string) (bool, error) {
	var found bool
	err := n.loop.Call(func() {
		ch, ok := n.manager.Get(peer)
		if !ok {
			return
		}
		found = true
		ch.Disconnect()
	})
	return found, err
}

// AdminServer returns an http.Server for the admin router, or nil when no
// admin address is configured.
func (n *Node) AdminServer() *http.Server {
	if n.cfg.Admin == "" {
		return nil
	}
	return &http.Server{
		Addr:              n.cfg.Admin,
		Handler:           n.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
