// previewbridge runs the debugger bridge between the editor and the game
// previews connected to it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/glimte/previewbridge-go"
	"github.com/glimte/previewbridge-go/internal/config"
	"github.com/glimte/previewbridge-go/internal/logging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd, err := newRootCmd(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfig applies defaults, then the config file, then the
// environment. Flags bound afterwards override all three.
func resolveConfig(args []string) (*config.Config, error) {
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.ApplyEnv()
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			cfg.ConfigFile = args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func newRootCmd(args []string) (*cobra.Command, error) {
	cfg, err := resolveConfig(args)
	if err != nil {
		return nil, err
	}

	rootCmd := &cobra.Command{
		Use:   "previewbridge",
		Short: "Debugger bridge between the editor and game previews",
		Long: `previewbridge accepts game previews over WebSocket or RabbitMQ and lets
the editor drive them: pause, resume, hot reload, inspect and profile.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cfg.BindFlags(rootCmd.PersistentFlags())

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the debugger server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), *cfg, logger)
		},
	}

	consoleCmd := &cobra.Command{
		Use:   "console",
		Short: "Run the debugger server with an interactive console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return console(cmd.Context(), *cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
		},
	}

	rootCmd.AddCommand(serveCmd, consoleCmd, versionCmd)
	return rootCmd, nil
}

func newServer(cfg config.Config, logger *slog.Logger) (*previewbridge.DebuggerServer, error) {
	return previewbridge.NewDebuggerServer(cfg,
		previewbridge.WithLogger(logger),
		previewbridge.WithVersion(version, gitCommit),
	)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func serve(parent context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	server, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start debugger server: %w", err)
	}
	addr, _ := server.Address()
	logger.Info("debugger server ready", "address", addr.String(), "host", cfg.Host)

	<-ctx.Done()
	logger.Info("shutting down")
	return shutdown(server)
}

func shutdown(server *previewbridge.DebuggerServer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Stop(ctx)
}

func console(parent context.Context, cfg config.Config) error {
	ctx, cancel := signalContext(parent)
	defer cancel()

	// Log lines written before the program exists are dropped.
	var program atomic.Pointer[tea.Program]
	send := func(msg tea.Msg) {
		if p := program.Load(); p != nil {
			p.Send(msg)
		}
	}

	logger, err := logging.New(programWriter{send: send}, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	server, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start debugger server: %w", err)
	}
	defer shutdown(server)

	p := tea.NewProgram(newConsoleModel(ctx, server), tea.WithAltScreen(), tea.WithContext(ctx))
	program.Store(p)
	unwatch := watch(server, send)
	defer unwatch()

	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
