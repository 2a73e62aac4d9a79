package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/nyxrpc/internal/config"
	"github.com/danmuck/nyxrpc/internal/logging"
	"github.com/danmuck/nyxrpc/internal/node"
	"github.com/danmuck/nyxrpc/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "", "node config path (defaults when empty)")
	level := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	if err := run(*path, *level); err != nil {
		fmt.Fprintf(os.Stderr, "nyxnode: %v\n", err)
		os.Exit(1)
	}
}

func run(path, level string) error {
	cfg := config.DefaultNodeConfig()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}
	if level != "" {
		cfg.LogLevel = level
	}
	setupLogging(cfg)
	gin.SetMode(gin.ReleaseMode)

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	if err := node.RegisterEcho(n.Service(), nil); err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(n.Run)
	g.Go(func() error {
		<-ctx.Done()
		n.Shutdown()
		return nil
	})
	// a loop exit without a signal still stops the admin server
	g.Go(func() error {
		select {
		case <-n.Done():
			stop()
		case <-ctx.Done():
		}
		return nil
	})

	if srv := n.AdminServer(); srv != nil {
		g.Go(func() error {
			log.Info().Str("node", cfg.Name).Str("addr", srv.Addr).Msg("admin listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info().
		Str("node", cfg.Name).
		Str("listen", cfg.Listen).
		Strs("peers", cfg.Peers).
		Str("compression", string(cfg.Session.Compression)).
		Bool("crypto", cfg.Session.Crypto.Enabled).
		Msg("node started")
	err = g.Wait()
	log.Info().Str("node", cfg.Name).Err(err).Msg("node stopped")
	return err
}

func setupLogging(cfg config.NodeConfig) {
	observability.InitLogger("nyxnode")
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok && os.Getenv(logging.EnvLogLevel) == "" {
		zerolog.SetGlobalLevel(lvl)
		log.Logger = log.Logger.Level(lvl)
	}
}
