package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/nyxrpc/internal/codec"
	"github.com/danmuck/nyxrpc/internal/config"
	"github.com/danmuck/nyxrpc/internal/node"
	"github.com/danmuck/nyxrpc/internal/observability"
	"github.com/danmuck/nyxrpc/internal/reactor"
	"github.com/danmuck/nyxrpc/internal/rpc"
	"github.com/danmuck/nyxrpc/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const usage = `usage: nyxctl <command> [flags]

commands:
  probe      connect to a node and round-trip one echo call
  configgen  write or validate a node config
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	observability.InitLogger("nyxctl")

	var err error
	switch os.Args[1] {
	case "probe":
		err = probe(os.Args[2:])
	case "configgen":
		err = configgen(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "nyxctl %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

var errProbeTimeout = errors.New("no echo reply before timeout")

func probe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:7400", "node listen address")
	timeout := fs.Duration("timeout", 3*time.Second, "connect and reply timeout")
	msg := fs.String("msg", "ping", "echo payload")
	token := fs.String("token", "", "handshake token; enables encryption")
	snappy := fs.Bool("snappy", false, "compress with snappy")
	codecName := fs.String("codec", "proto", "message codec the node uses")
	verbose := fs.Bool("v", false, "debug logging")
	_ = fs.Parse(args)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	c, err := codec.ByName(*codecName)
	if err != nil {
		return err
	}
	replies := make(chan string, 1)
	svc, _, err := node.BaseService("nyxctl", c, nil)
	if err != nil {
		return err
	}
	if err := node.RegisterEcho(svc, func(_ *rpc.Channel, reply string) {
		select {
		case replies <- reply:
		default:
		}
	}); err != nil {
		return err
	}

	loop := reactor.New(reactor.Options{})
	go func() { _ = loop.Run() }()
	defer func() {
		loop.Stop()
		<-loop.Done()
	}()

	opts := rpc.ChannelOptions{Role: rpc.RoleClient}
	if *token != "" {
		opts.Handshake = &rpc.HandshakeConfig{Token: *token}
	}
	if *snappy {
		opts.Compressor = transport.SnappyCompressor{}
	}

	start := time.Now()
	conn, err := transport.DialSync(loop, *addr, *timeout, transport.DialOptions{})
	if err != nil {
		return err
	}
	connected := time.Since(start)

	var callErr error
	if err := loop.Call(func() {
		ch, err := rpc.NewChannel(svc, conn, opts)
		if err != nil {
			_ = conn.Close()
			callErr = err
			return
		}
		callErr = ch.Call(node.EchoMethod, wrapperspb.String(*msg))
	}); err != nil {
		return err
	}
	if callErr != nil {
		return callErr
	}

	select {
	case reply := <-replies:
		log.Info().
			Str("addr", *addr).
			Str("reply", reply).
			Dur("connect", connected).
			Dur("rtt", time.Since(start)-connected).
			Bool("encrypted", *token != "").
			Msg("probe ok")
		return nil
	case <-time.After(*timeout):
		return errProbeTimeout
	}
}

func configgen(args []string) error {
	fs := flag.NewFlagSet("configgen", flag.ExitOnError)
	kind := fs.String("kind", config.KindServer, "config kind: server|client")
	output := fs.String("output", "nyxnode.toml", "output path for the template")
	force := fs.Bool("force", false, "overwrite an existing file")
	validate := fs.Bool("validate", false, "validate an existing config instead of writing one")
	input := fs.String("input", "nyxnode.toml", "config path to validate")
	_ = fs.Parse(args)

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			return err
		}
		log.Info().Str("path", *input).Str("name", cfg.Name).Msg("config valid")
		return nil
	}
	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		return err
	}
	log.Info().Str("path", *output).Str("kind", *kind).Msg("wrote config template")
	return nil
}
