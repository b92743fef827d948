package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/line-relay/internal/config"
	"github.com/omochice/line-relay/internal/logger"
	"github.com/omochice/line-relay/internal/server"
	"github.com/omochice/line-relay/internal/transport/ws"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	envErr := cfg.LoadEnv()
	var withRelay bool

	cmd := &cobra.Command{
		Use:          "relay-ws-bridge",
		Short:        "Let WebSocket clients join a line relay",
		Long:         "Serve WebSocket sessions and connect each of them to the relay server as an ordinary client.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("invalid environment: %w", envErr)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, withRelay)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.BridgeAddr, "listen", "l", cfg.BridgeAddr, "HTTP address to accept WebSocket sessions on")
	flags.StringVar(&cfg.BridgePath, "path", cfg.BridgePath, "HTTP path upgraded to WebSocket")
	flags.StringVarP(&cfg.Addr, "server", "s", cfg.Addr, "Relay server address (host:port)")
	flags.Uint16VarP(&cfg.Port, "port", "p", cfg.Port, "TCP port of the embedded relay server")
	flags.DurationVar(&cfg.Tick, "tick", cfg.Tick, "Longest wait of one relay event loop iteration")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error or off")
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Append logs to this file instead of stderr")
	flags.BoolVar(&withRelay, "with-relay", false, "Run a relay server in the same process and bridge to it")

	return cmd
}

func run(ctx context.Context, cfg config.Config, withRelay bool) error {
	log, err := logger.Open(logger.ParseLevel(cfg.LogLevel), cfg.LogFile, "relay")
	if err != nil {
		return err
	}
	logger.Init(log)
	slog.SetDefault(slog.New(logger.NewSlogHandler(log)))
	defer log.Close()

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	relayAddr := cfg.Addr
	if withRelay {
		srv := server.New(server.WithLogger(log.WithPrefix("server")))
		if err := srv.Listen(cfg.Port); err != nil {
			return err
		}
		relayAddr = fmt.Sprintf("127.0.0.1:%d", srv.Port())
		g.Go(func() error {
			defer srv.Delete()
			return srv.Run(ctx, cfg.Tick, nil)
		})
	}

	bridge := ws.New(cfg.BridgeAddr, relayAddr,
		ws.WithPath(cfg.BridgePath),
		ws.WithLogger(log.WithPrefix("bridge")),
	)
	if err := bridge.Listen(); err != nil {
		stop()
		return errors.Join(err, g.Wait())
	}

	g.Go(bridge.Serve)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down, %d sessions open", bridge.SessionCount())
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return bridge.Stop(stopCtx)
	})

	return g.Wait()
}
