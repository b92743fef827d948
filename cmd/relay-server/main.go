package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/omochice/line-relay/internal/chat"
	"github.com/omochice/line-relay/internal/config"
	"github.com/omochice/line-relay/internal/console"
	"github.com/omochice/line-relay/internal/logger"
	"github.com/omochice/line-relay/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	envErr := cfg.LoadEnv()
	var feedStdin bool

	cmd := &cobra.Command{
		Use:          "relay-server",
		Short:        "Relay newline-terminated lines between TCP clients",
		Long:         "Accept TCP clients and forward every line one of them sends to all the others.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("invalid environment: %w", envErr)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, feedStdin, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.Uint16VarP(&cfg.Port, "port", "p", cfg.Port, "TCP port to listen on (0 picks a free one)")
	flags.DurationVar(&cfg.Tick, "tick", cfg.Tick, "Longest wait of one event loop iteration")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error or off")
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Append logs to this file instead of stderr")
	flags.BoolVar(&feedStdin, "stdin", false, "Broadcast lines typed on stdin to every client")

	return cmd
}

func run(ctx context.Context, cfg config.Config, feedStdin bool, in io.Reader, out io.Writer) error {
	log, err := logger.Open(logger.ParseLevel(cfg.LogLevel), cfg.LogFile, "relay")
	if err != nil {
		return err
	}
	logger.Init(log)
	slog.SetDefault(slog.New(logger.NewSlogHandler(log)))
	defer log.Close()

	srv := server.New(server.WithLogger(log.WithPrefix("server")))
	if err := srv.Listen(cfg.Port); err != nil {
		return err
	}
	defer srv.Delete()

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		lines <-chan []byte
		errc  <-chan error
	)
	if feedStdin {
		lines, errc = console.Lines(in)
	}

	log.Info("Relay server listening on %s", srv.Addr())
	for ctx.Err() == nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				break
			}
			if err := srv.Feed(line); err != nil {
				return err
			}
		case err := <-errc:
			return fmt.Errorf("failed to read stdin: %w", err)
		default:
		}

		err := srv.Update(cfg.Tick)
		switch {
		case err == nil, errors.Is(err, chat.ErrTimeout):
		case errors.Is(err, chat.ErrNotStarted):
			return err
		default:
			log.Error("update: %v", err)
		}

		for {
			msg, ok := srv.PopNextMessage()
			if !ok {
				break
			}
			fmt.Fprintf(out, "%s %s\n", color.CyanString(">"), msg)
		}
	}

	log.Info("Received shutdown signal, stopping with %d clients", srv.ClientCount())
	return nil
}
