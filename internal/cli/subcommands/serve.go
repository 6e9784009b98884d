package subcommands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"Mokpell/internal/metrics"
	"Mokpell/internal/session"
	"Mokpell/internal/store"
	"Mokpell/server"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions override the server section of the configuration.
type ServeOptions struct {
	Host      string
	Port      int
	NoPreload bool
	NoHistory bool
	// TCPPort enables the line protocol listener when >= 0.
	TCPPort int
	// OnReady, when set, receives the bound addresses once listening.
	// tcpAddr is empty when the TCP listener is disabled.
	OnReady func(httpAddr, tcpAddr string)
}

// NewServeCmd builds the HTTP server command.
func NewServeCmd(app *App) *cobra.Command {
	opts := ServeOptions{TCPPort: -1}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve completions, tokenization and benchmarks over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunServe(cmd.Context(), app, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Host, "host", "", "listen host (overrides server.host)")
	f.IntVar(&opts.Port, "port", -1, "listen port (overrides server.port, 0 picks a free port)")
	f.BoolVar(&opts.NoPreload, "no-preload", false, "start without loading runtime.model_path")
	f.BoolVar(&opts.NoHistory, "no-history", false, "do not record bench runs")
	f.IntVar(&opts.TCPPort, "tcp-port", -1, "also serve the line protocol on this port (-1 disables)")
	return cmd
}

// RunServe starts the server and blocks until ctx is done.
func RunServe(ctx context.Context, app *App, opts ServeOptions) error {
	cfg := app.Cfg
	host, port := cfg.Server.Host, cfg.Server.Port
	if opts.Host != "" {
		host = opts.Host
	}
	if opts.Port >= 0 {
		port = opts.Port
	}

	m := metrics.New()

	var history *store.History
	if !opts.NoHistory && cfg.History.Path != "" {
		h, err := store.Open(cfg.History.Driver, cfg.History.Path)
		if err != nil {
			app.Log.Warn().Err(err).Msg("bench history unavailable")
		} else {
			history = h
			defer h.Close()
		}
	}

	engine := server.NewEngine(server.EngineOptions{
		Registry:       app.Registry,
		DefaultBackend: cfg.Runtime.Backend,
		Session:        cfg.SessionConfig(),
		Model:          cfg.ModelOptions(),
		Bench:          cfg.BenchParams(),
		Observer:       session.Multi(m, session.LogObserver{Log: app.Log}),
		History:        history,
		Log:            app.Log,
	})
	defer engine.Close()

	if !opts.NoPreload && cfg.Runtime.ModelPath != "" {
		res, err := engine.InitContext(server.ContextRequest{Model: cfg.Runtime.ModelPath})
		if err != nil {
			return fmt.Errorf("preload model: %w", err)
		}
		fmt.Fprintf(app.Out, "Loaded %s on %s (%s)\n", res.Model, res.Device, res.Backend)
	}

	srv := server.NewHTTPServer(engine, server.Options{
		Host:        host,
		Port:        port,
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     m,
		Log:         app.Log,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	addr := srv.Addr()
	fmt.Fprintf(app.Out, "Mokpell HTTP server listening on http://%s\n", addr)
	fmt.Fprintf(app.Out, "  Health:     http://%s/healthz\n", addr)
	fmt.Fprintf(app.Out, "  Completion: http://%s/v1/completion\n", addr)
	fmt.Fprintf(app.Out, "  Metrics:    http://%s/metrics\n", addr)

	var tcp *server.TCPServer
	tcpAddr := ""
	if opts.TCPPort >= 0 {
		tcp = server.NewTCPServer(engine, host, opts.TCPPort, app.Log)
		if err := tcp.Start(); err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Stop(stopCtx)
			return err
		}
		tcpAddr = tcp.Addr()
		fmt.Fprintf(app.Out, "  TCP:        %s\n", tcpAddr)
	}
	if opts.OnReady != nil {
		opts.OnReady(addr, tcpAddr)
	}

	<-ctx.Done()
	fmt.Fprintln(app.Out, "HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if tcp != nil {
		if err := tcp.Stop(shutdownCtx); err != nil {
			app.Log.Warn().Err(err).Msg("tcp server stop")
		}
	}
	return srv.Stop(shutdownCtx)
}
