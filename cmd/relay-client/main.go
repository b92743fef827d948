package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/omochice/line-relay/internal/chat"
	"github.com/omochice/line-relay/internal/client"
	wsclient "github.com/omochice/line-relay/internal/client/ws"
	"github.com/omochice/line-relay/internal/config"
	"github.com/omochice/line-relay/internal/console"
	"github.com/omochice/line-relay/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	envErr := cfg.LoadEnv()
	var wsURL string

	cmd := &cobra.Command{
		Use:          "relay-client",
		Short:        "Chat through a line relay",
		Long:         "Send lines typed on stdin to a relay server and print the lines other clients send.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("invalid environment: %w", envErr)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := logger.Open(logger.ParseLevel(cfg.LogLevel), cfg.LogFile, "relay")
			if err != nil {
				return err
			}
			logger.Init(log)
			slog.SetDefault(slog.New(logger.NewSlogHandler(log)))
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if wsURL != "" {
				return runWebSocket(ctx, wsURL, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return runTCP(ctx, cfg, log, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.Addr, "server", "s", cfg.Addr, "Relay server address (host:port)")
	flags.StringVarP(&cfg.Name, "name", "n", cfg.Name, "Client name used in logs (generated when empty)")
	flags.DurationVar(&cfg.Tick, "tick", cfg.Tick, "Longest wait of one event loop iteration")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error or off")
	flags.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Append logs to this file instead of stderr")
	flags.StringVar(&wsURL, "ws", "", "Join through a WebSocket bridge instead, e.g. ws://localhost:8081/ws")

	return cmd
}

func printLine(out io.Writer, msg []byte) {
	fmt.Fprintf(out, "%s %s\n", color.GreenString("<"), msg)
}

// stdinErr reports why stdin ended. The error, if any, is sent before the
// lines channel closes.
func stdinErr(errc <-chan error) error {
	select {
	case err := <-errc:
		return fmt.Errorf("failed to read stdin: %w", err)
	default:
		return nil
	}
}

func runTCP(ctx context.Context, cfg config.Config, log *logger.Logger, in io.Reader, out io.Writer) error {
	c := client.New(cfg.Name, client.WithLogger(log.WithPrefix("client")))
	if err := c.Connect(cfg.Addr); err != nil {
		return err
	}
	defer c.Delete()

	fmt.Fprintln(out, color.YellowString("Type your messages (or 'quit' to exit):"))
	lines, errc := console.Lines(in)
	for ctx.Err() == nil {
		select {
		case line, ok := <-lines:
			if !ok {
				return stdinErr(errc)
			}
			if console.IsQuit(line) {
				return nil
			}
			if err := c.Feed(line); err != nil {
				return err
			}
		default:
		}

		err := c.Update(cfg.Tick)
		for {
			msg, ok := c.PopNextMessage()
			if !ok {
				break
			}
			printLine(out, msg)
		}
		switch {
		case err == nil, errors.Is(err, chat.ErrTimeout):
		case errors.Is(err, chat.ErrNotStarted):
			return client.ErrDisconnected
		default:
			return err
		}
		if !c.IsConnected() && c.Events() == 0 {
			return client.ErrDisconnected
		}
	}
	return nil
}

func runWebSocket(ctx context.Context, url string, in io.Reader, out io.Writer) error {
	c, err := wsclient.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Fprintln(out, color.YellowString("Type your messages (or 'quit' to exit):"))
	lines, errc := console.Lines(in)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-c.Messages():
			if !ok {
				return client.ErrDisconnected
			}
			printLine(out, msg)
		case line, ok := <-lines:
			if !ok {
				return stdinErr(errc)
			}
			if console.IsQuit(line) {
				return nil
			}
			text := strings.TrimSpace(string(line))
			if text == "" {
				continue
			}
			if err := c.Send(text); err != nil {
				return err
			}
		case err := <-errc:
			return fmt.Errorf("failed to read stdin: %w", err)
		}
	}
}
