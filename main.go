package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/semihalev/blockdns/accesslog"
	"github.com/semihalev/blockdns/api"
	"github.com/semihalev/blockdns/blocklist"
	"github.com/semihalev/blockdns/cache"
	"github.com/semihalev/blockdns/config"
	"github.com/semihalev/blockdns/dnstap"
	"github.com/semihalev/blockdns/instrumentation"
	"github.com/semihalev/blockdns/metrics"
	"github.com/semihalev/blockdns/server"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

type options struct {
	config   string
	external bool
	debug    bool
	verbose  bool
}

func (o *options) mode() config.Mode {
	switch {
	case o.debug:
		return config.ModeDebug
	case o.external:
		return config.ModeExternal
	default:
		return config.ModeNormal
	}
}

func newRootCmd() *cobra.Command {
	opts := new(options)

	root := &cobra.Command{
		Use:           "blockdns",
		Short:         "Filtering and caching DNS forwarder",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.config, "config", "c", "blockdns.conf", "location of the config file, if config file not found, a config will generate")
	flags.BoolVar(&opts.external, "external", false, "listen on the external bind address")
	flags.BoolVar(&opts.debug, "debug", false, "listen on the debug bind address")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "force debug log level")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("blockdns v" + version)
		},
	})

	return root
}

var logLevels = map[string]zlog.Level{
	"debug": zlog.LevelDebug,
	"info":  zlog.LevelInfo,
	"warn":  zlog.LevelWarn,
	"error": zlog.LevelError,
}

func setupLogger(level string) {
	lvl, ok := logLevels[level]
	if !ok {
		lvl = zlog.LevelInfo
	}

	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	logger.SetLevel(lvl)
	zlog.SetDefault(logger)
}

func run(ctx context.Context, opts *options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	setupLogger("info")

	cfg, err := config.Load(opts.config, version)
	if err != nil {
		zlog.Error("Config loading failed", "error", err.Error())
		return err
	}

	level := cfg.LogLevel
	if opts.verbose {
		level = "debug"
	}
	setupLogger(level)

	mode := opts.mode()
	zlog.Info("Starting blockdns...", "version", cfg.ServerVersion(), "mode", mode.String())

	clock := clockwork.NewRealClock()

	bl := blocklist.New(cfg)
	if err := bl.Reload(); err != nil {
		zlog.Warn("Blocklist load failed", "error", err.Error())
	}

	c := cache.New(cfg.CacheSize, clock)
	ring := instrumentation.NewRing(cfg.InstrumentationSize)
	m := metrics.New(nil)

	al := accesslog.New(cfg)
	defer al.Close()

	tap := dnstap.New(cfg)

	srv, err := server.New(cfg, server.Options{
		Addr:      cfg.Addr(mode),
		BlockList: bl,
		Cache:     c,
		Recorder:  instrumentation.Multi(ring, m),
		Clock:     clock,
		AccessLog: al,
		Tap:       tap,
		Metrics:   m,
	})
	if err != nil {
		zlog.Error("Server setup failed", "error", err.Error())
		return err
	}

	a := api.New(cfg, mode, bl, c, ring)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return a.Run(ctx) })

	if len(cfg.BlockLists) > 0 {
		g.Go(func() error {
			if err := bl.Update(ctx); err != nil {
				zlog.Error("Blocklist update failed", "error", err.Error())
			}
			return nil
		})
	}

	if cfg.WatchBlocklists {
		g.Go(func() error {
			if err := bl.Watch(ctx); err != nil {
				zlog.Error("Blocklist watcher stopped", "error", err.Error())
			}
			return nil
		})
	}

	err = g.Wait()

	tap.Close()

	zlog.Info("Stopping blockdns...")

	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
