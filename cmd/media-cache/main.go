// Command media-cache is a disk-backed media range cache with bandwidth accounting.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/media-cache/accounting"
	"github.com/wolfeidau/media-cache/cache"
	"github.com/wolfeidau/media-cache/credentials"
	"github.com/wolfeidau/media-cache/server"
	"github.com/wolfeidau/media-cache/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Storage   string        `help:"Storage directory path." default:"./cache" type:"path"`
	Budget    int64         `help:"Cache budget in bytes (0 computes it from free disk space)." default:"0"`
	TTL       time.Duration `help:"Idle time after which entries expire." default:"240h"`
	LogLevel  string        `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	LogFormat string        `help:"Log format." default:"text" enum:"text,json"`

	logger *slog.Logger `kong:"-"`
}

func (g *Globals) cacheConfig() cache.Config {
	return cache.Config{
		Dir:    g.Storage,
		Budget: g.Budget,
		TTL:    g.TTL,
		Logger: g.logger,
	}
}

// CLI is the command line interface.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve ServeCmd `cmd:"" default:"1" help:"Run the HTTP server."`
	Stats StatsCmd `cmd:"" help:"Print cache statistics."`
	Sweep SweepCmd `cmd:"" help:"Expire idle entries and evict down to budget."`
	Clear ClearCmd `cmd:"" help:"Remove every cached range, entry and marker."`
}

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	Address            string            `help:"Address to listen on." default:":8080"`
	MaxConns           int               `help:"Maximum concurrent connections (0 for unlimited)." default:"0"`
	SweepInterval      time.Duration     `help:"Periodic TTL sweep interval (0 sweeps only at startup)." default:"0"`
	Credentials        string            `help:"Path to a credentials template file." type:"path"`
	SecretCommand      map[string]string `help:"Register a template secret function as NAME=COMMAND, e.g. op='op read'." placeholder:"NAME=COMMAND"`
	AccountingURL      string            `help:"Bandwidth accounting API base URL (overrides credentials)." name:"accounting-url"`
	ReportWorkers      int               `help:"Concurrent report deliveries." default:"4"`
	ReportQueue        int               `help:"Reports buffered before new ones are dropped." default:"256"`
	ShutdownTimeout    time.Duration     `help:"How long to drain queued reports on shutdown." default:"10s"`
	SessionIdleTimeout time.Duration     `help:"Close playback sessions idle for this long (negative disables)." default:"30m"`
	OTLPEndpoint       string            `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint"`
	Prometheus         bool              `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "media-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			g.logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	creds, err := c.resolveCredentials(ctx, g.logger)
	if err != nil {
		return err
	}
	if c.AccountingURL != "" {
		if creds.Accounting == nil {
			creds.Accounting = &credentials.AccountingConfig{}
		}
		creds.Accounting.BaseURL = c.AccountingURL
	}

	cacheCfg := g.cacheConfig()
	cacheCfg.SweepInterval = c.SweepInterval

	srv, err := server.New(ctx, server.Config{
		Address:    c.Address,
		MaxConns:   c.MaxConns,
		AuthToken:  creds.AuthToken,
		Cache:      cacheCfg,
		Accounting: creds.Accounting,
		Upstream:   creds.Upstream,
		Dispatcher: accounting.DispatcherConfig{
			QueueSize: c.ReportQueue,
			Workers:   c.ReportWorkers,
			Logger:    g.logger,
		},
		ShutdownTimeout:    c.ShutdownTimeout,
		SessionIdleTimeout: c.SessionIdleTimeout,
		Logger:             g.logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("received signal, shutting down")
	case err := <-errCh:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), c.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func (c *ServeCmd) resolveCredentials(ctx context.Context, logger *slog.Logger) (*credentials.Credentials, error) {
	if c.Credentials == "" {
		return &credentials.Credentials{}, nil
	}

	opts := []credentials.ResolverOption{credentials.WithLogger(logger)}
	for name, command := range c.SecretCommand {
		argv := strings.Fields(command)
		if len(argv) == 0 {
			return nil, fmt.Errorf("secret command %q is empty", name)
		}
		opts = append(opts, credentials.WithCommand(name, argv[0], argv[1:]...))
	}

	creds, err := credentials.NewResolver(opts...).ResolveFile(ctx, c.Credentials)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	return creds, nil
}

// StatsCmd prints cache statistics.
type StatsCmd struct {
	JSON bool `help:"Print as JSON."`
}

func (c *StatsCmd) Run(g *Globals) error {
	ctx := context.Background()
	ch, err := cache.Open(ctx, g.cacheConfig())
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	stats, err := ch.Stats(ctx)
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("entries:  %d\n", stats.Entries)
	fmt.Printf("reported: %d\n", stats.Marked)
	fmt.Printf("usage:    %s of %s\n", humanize.IBytes(uint64(stats.Usage)), humanize.IBytes(uint64(stats.Budget)))
	if !stats.Oldest.IsZero() {
		fmt.Printf("oldest:   %s (%s)\n", stats.Oldest.Format(time.RFC3339), humanize.Time(stats.Oldest))
		fmt.Printf("newest:   %s (%s)\n", stats.Newest.Format(time.RFC3339), humanize.Time(stats.Newest))
	}
	return nil
}

// SweepCmd expires idle entries and evicts down to budget.
type SweepCmd struct {
	Recount bool `help:"Recompute storage usage from disk before sweeping."`
}

func (c *SweepCmd) Run(g *Globals) error {
	ctx := context.Background()
	ch, err := cache.Open(ctx, g.cacheConfig())
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if c.Recount {
		before, after, err := ch.Recount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("recounted usage: %s -> %s\n", humanize.IBytes(uint64(before)), humanize.IBytes(uint64(after)))
	}

	res, err := ch.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("expired %d, evicted %d, freed %s, errors %d, invalid keys %d in %s\n",
		res.Expired,
		res.Evict.Evicted,
		humanize.IBytes(uint64(res.BytesFreed+res.Evict.BytesFreed)),
		res.Errors+res.Evict.Errors,
		res.InvalidKeys,
		res.Duration,
	)
	return nil
}

// ClearCmd removes everything from the cache.
type ClearCmd struct {
	Yes bool `help:"Do not ask for confirmation." short:"y"`
}

func (c *ClearCmd) Run(g *Globals) error {
	if !c.Yes {
		return fmt.Errorf("refusing to clear %s without --yes", g.Storage)
	}

	ctx := context.Background()
	ch, err := cache.Open(ctx, g.cacheConfig())
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	return ch.Clear(ctx)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(level))

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	default:
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		}))
	}
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("media-cache"),
		kong.Description("A disk-backed media range cache with bandwidth accounting."),
		kong.DefaultEnvars("MEDIA_CACHE"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	cli.logger = newLogger(cli.LogLevel, cli.LogFormat)
	slog.SetDefault(cli.logger)

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}
