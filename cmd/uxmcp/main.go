// Command uxmcp runs the dynamic MCP engine: registry-backed services and
// agents over HTTP, the MCP tool view, and the meta-agent pipeline.
//
// Usage:
//
//	uxmcp serve
//	uxmcp version
//
// Configuration comes from the environment (see pkg/config); a .env file in
// the working directory is honoured.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/uxmcp/uxmcp/pkg/agent"
	"github.com/uxmcp/uxmcp/pkg/codehost"
	"github.com/uxmcp/uxmcp/pkg/config"
	"github.com/uxmcp/uxmcp/pkg/embedders"
	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/llms"
	"github.com/uxmcp/uxmcp/pkg/logging"
	"github.com/uxmcp/uxmcp/pkg/mcpview"
	"github.com/uxmcp/uxmcp/pkg/memory"
	"github.com/uxmcp/uxmcp/pkg/metaagent"
	"github.com/uxmcp/uxmcp/pkg/registry"
	"github.com/uxmcp/uxmcp/pkg/server"
	"github.com/uxmcp/uxmcp/pkg/store"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitStoreError  = 2
)

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Start the engine."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// VersionCmd prints build information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("uxmcp %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Listen string `help:"Listen address (overrides LISTEN_ADDR)."`
}

func (c *ServeCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.ListenAddr = c.Listen
	}
	return serve(cfg)
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewMongoStore(ctx, cfg.MongoURL, cfg.DatabaseName)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.Close(closeCtx)
	}()

	sink := logging.NewSink(st.Logs())
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sink.Close(closeCtx)
	}()

	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	slog.SetDefault(slog.New(logging.NewBridgeHandler(base, sink)))

	host := codehost.New(codehost.Options{
		Workers:   cfg.CodeHostWorkers,
		Allowed:   cfg.AllowedDependencies,
		Timeout:   cfg.ServiceTimeout,
		ResultCap: cfg.ResultByteCap,
		Sink:      sink,
	})

	reg := registry.New(st, host, sink)
	view := mcpview.New(reg)
	if err := reg.Load(ctx); err != nil {
		return err
	}

	factory := llms.NewFactory(st.Profiles())

	var embedder embedders.Embedder
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		embedder = embedders.NewOpenAIEmbedder("", "", key)
	} else {
		slog.Warn("OPENAI_API_KEY not set, memory search uses the deterministic mock embedder")
		embedder = embedders.NewMock(0)
	}
	mem := memory.NewManager(st.Memories(), embedder)

	exec := agent.NewExecutor(reg, factory, mem, sink)
	pipe := metaagent.New(reg, exec, factory, sink)
	srv := server.New(cfg, st, reg, exec, pipe, mem, sink, view.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func main() {
	cli := &CLI{}
	ktx := kong.Parse(cli,
		kong.Name("uxmcp"),
		kong.Description("Dynamic MCP engine: LLM-generated services, agents and memory."),
		kong.UsageOnError(),
	)
	if err := ktx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "uxmcp: %v\n", err)
		if errs.KindOf(err) == errs.KindStoreUnavailable {
			os.Exit(exitStoreError)
		}
		os.Exit(exitConfigError)
	}
	os.Exit(exitOK)
}
