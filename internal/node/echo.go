package node

import (
	"github.com/danmuck/nyxrpc/internal/rpc"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	EchoMethod      = "node.echo"
	EchoReplyMethod = "node.echo_reply"
)

// RegisterEcho adds the echo pair nyxctl probes with. Register it on every
// node of a cluster, after New, so indices match. onReply may be nil.
func RegisterEcho(svc *rpc.Service, onReply func(ch *rpc.Channel, msg string)) error {
	if _, err := svc.Register(rpc.Method{
		Name:       EchoMethod,
		NewRequest: func() proto.Message { return &wrapperspb.StringValue{} },
		Handler: func(ctl *rpc.Controller, req proto.Message) (proto.Message, error) {
			msg := req.(*wrapperspb.StringValue).GetValue()
			log.Debug().Str("peer", ctl.Channel().PeerAddr()).Str("msg", msg).Msg("echo")
			return wrapperspb.String(msg), nil
		},
		Reply: EchoReplyMethod,
	}); err != nil {
		return err
	}
	_, err := svc.Register(rpc.Method{
		Name:       EchoReplyMethod,
		NewRequest: func() proto.Message { return &wrapperspb.StringValue{} },
		Handler: func(ctl *rpc.Controller, req proto.Message) (proto.Message, error) {
			msg := req.(*wrapperspb.StringValue).GetValue()
			if onReply != nil {
				onReply(ctl.Channel(), msg)
			}
			return nil, nil
		},
	})
	return err
}
