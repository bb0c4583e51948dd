package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/iwarp-cm/config"
	"github.com/Clouded-Sabre/iwarp-cm/lib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
)

type globalFlags struct {
	configPath string
	debug      bool
	wireLocal  string
	wirePeer   string
}

func main() {
	var g globalFlags
	rootCmd := &cobra.Command{
		Use:   "iwcm",
		Short: "iWARP connection manager over a UDP tunnelled link",
		Long: `iwcm runs the iWARP connection manager on top of a point to point
UDP tunnel that carries raw Ethernet frames. Start one side with
"listen" and the other with "connect", pointing each at the other's
tunnel address.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to a yaml configuration file")
	rootCmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&g.wireLocal, "wire-local", "127.0.0.1:4790", "local UDP address of the frame tunnel")
	rootCmd.PersistentFlags().StringVar(&g.wirePeer, "wire-peer", "127.0.0.1:4791", "peer UDP address of the frame tunnel")

	rootCmd.AddCommand(newListenCmd(&g))
	rootCmd.AddCommand(newConnectCmd(&g))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and configures the global logger from it.
func setup(g *globalFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if g.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(g.configPath); err != nil {
			return nil, err
		}
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	if g.debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

// app is a started core with its wire and metrics endpoint.
type app struct {
	core *lib.CmCore
	wire *lib.UDPWire
	g    *errgroup.Group
	ctx  context.Context
}

func start(ctx context.Context, cfg *config.Config, g *globalFlags, sink lib.EventSink) (*app, error) {
	wire, err := lib.ListenUDPWire(g.wireLocal, g.wirePeer, log.Logger)
	if err != nil {
		return nil, err
	}
	core, err := lib.NewCmCore(cfg, wire, sink)
	if err != nil {
		wire.Close()
		return nil, err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return wire.Run(ctx, core)
	})
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		eg.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return &app{core: core, wire: wire, g: eg, ctx: ctx}, nil
}

// wait blocks until the context ends, then stops the core.
func (r *app) wait() error {
	<-r.ctx.Done()
	err := r.g.Wait()
	if serr := r.core.Shutdown(); serr != nil {
		log.Warn().Err(serr).Msg("flushing filters")
	}
	s := r.core.Stats()
	log.Info().
		Uint64("nodes_created", s.NodesCreated).
		Uint64("nodes_destroyed", s.NodesDestroyed).
		Uint64("accepts", s.Accepts).
		Uint64("rejects", s.Rejects).
		Uint64("retransmits", s.PacketsRetransmitted).
		Msg("connection manager shut down")
	return err
}

func logEvent(ev lib.Event) {
	e := log.Info()
	if ev.Status != nil {
		e = log.Warn().Err(ev.Status)
	}
	e.Stringer("event", ev.Type).
		Str("conn", ev.ID.String()).
		Stringer("local", ev.Local).
		Stringer("remote", ev.Remote).
		Uint32("ird", ev.IRD).
		Uint32("ord", ev.ORD).
		Str("pdata", string(ev.PrivateData)).
		Msg("event")
}
