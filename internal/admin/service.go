package admin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/danmuck/nyxrpc/internal/rpc"
	"github.com/rs/zerolog/log"
)

var ErrPeerRequired = errors.New("admin: peer required")

// Service is the JSON-RPC receiver registered as "Admin".
type Service struct {
	src Source
}

type ChannelsArgs struct {
	// Role filters by "client" or "server"; empty lists all.
	Role string `json:"role,omitempty"`
}

type ChannelsReply struct {
	Node     string     `json:"node"`
	Channels []rpc.Info `json:"channels"`
}

func (s *Service) Channels(_ *http.Request, args *ChannelsArgs, reply *ChannelsReply) error {
	all, err := s.src.Channels()
	if err != nil {
		return err
	}
	role := strings.ToLower(strings.TrimSpace(args.Role))
	reply.Node = s.src.NodeID()
	reply.Channels = make([]rpc.Info, 0, len(all))
	for _, info := range all {
		if role != "" && info.Role != role {
			continue
		}
		reply.Channels = append(reply.Channels, info)
	}
	return nil
}

type DisconnectArgs struct {
	Peer string `json:"peer"`
}

type DisconnectReply struct {
	Disconnected bool `json:"disconnected"`
}

func (s *Service) Disconnect(_ *http.Request, args *DisconnectArgs, reply *DisconnectReply) error {
	peer := strings.TrimSpace(args.Peer)
	if peer == "" {
		return ErrPeerRequired
	}
	found, err := s.src.Disconnect(peer)
	if err != nil {
		return err
	}
	reply.Disconnected = found
	log.Info().Str("node", s.src.NodeID()).Str("peer", peer).Bool("found", found).Msg("admin disconnect")
	return nil
}
