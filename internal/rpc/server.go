package rpc

import (
	"net"

	"github.com/danmuck/nyxrpc/internal/transport"
	"github.com/rs/zerolog/log"
)

// ChannelCreator turns established connections into channels and hands
// them to a NewChannelHandler.
type ChannelCreator struct {
	Service *Service
	Options ChannelOptions
	Handler NewChannelHandler
}

// Create runs on the loop. A connection that cannot become a channel is
// closed.
func (c *ChannelCreator) Create(conn *transport.Connection) {
	ch, err := NewChannel(c.Service, conn, c.Options)
	if err != nil {
		log.Warn().Str("peer", conn.PeerAddr()).Err(err).Msg("channel setup failed")
		_ = conn.Close()
		return
	}
	if c.Handler != nil {
		c.Handler.OnNewChannel(ch)
	}
}

// Server accepts inbound connections as server-role channels.
type Server struct {
	acceptor *transport.Acceptor
	creator  *ChannelCreator
}

// Listen opens addr and feeds every accepted connection through creator.
func Listen(loop transport.Loop, addr string, opts transport.DialOptions, creator *ChannelCreator) (*Server, error) {
	creator.Options.Role = RoleServer
	s := &Server{creator: creator}
	acc, err := transport.Listen(loop, addr, opts, creator.Create)
	if err != nil {
		return nil, err
	}
	s.acceptor = acc
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.acceptor.Addr() }

func (s *Server) Close() error { return s.acceptor.Close() }
