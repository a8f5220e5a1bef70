// projectbridge-stdio runs the adapter over newline-delimited JSON-RPC on
// stdin/stdout, for a supervising process that spawns this binary directly
// rather than talking to it over the network.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/quietloop/projectbridge/internal/cache"
	"github.com/quietloop/projectbridge/internal/config"
	"github.com/quietloop/projectbridge/internal/jsonrpc"
	"github.com/quietloop/projectbridge/internal/kvstore"
	"github.com/quietloop/projectbridge/internal/logger"
	"github.com/quietloop/projectbridge/internal/oauthmgr"
	"github.com/quietloop/projectbridge/internal/toolset"
	"github.com/quietloop/projectbridge/internal/transport/streamtransport"
	"github.com/quietloop/projectbridge/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init("", false); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	ctx := context.Background()

	store, err := kvstore.Open(cfg.KVEndpoint)
	if err != nil {
		logger.Error(ctx, "failed to open kv store", "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	tokens, err := oauthmgr.NewManager(oauthmgr.Credentials{
		ClientID:     cfg.UpstreamClientID,
		ClientSecret: cfg.UpstreamClientSecret,
		RefreshToken: cfg.UpstreamRefreshToken,
	}, store, cfg.TokenSafetyMargin)
	if err != nil {
		logger.Error(ctx, "failed to initialize token manager", "err", err)
		os.Exit(1)
	}

	if _, err := tokens.Current(ctx); err != nil {
		logger.Error(ctx, "failed to acquire initial upstream token", "err", err)
		os.Exit(1)
	}

	projects := upstream.NewClient(upstream.ServiceProjects, cfg.UpstreamProjectsBaseURL, tokens, 30*time.Second)
	files := upstream.NewClient(upstream.ServiceFiles, cfg.UpstreamFilesBaseURL, tokens, 30*time.Second)

	reg := toolset.NewRegistry()
	toolset.Register(reg, toolset.Deps{
		Projects: projects,
		Files:    files,
		Cache:    cache.New(store),
		Store:    store,
	})

	srv := &streamtransport.Server{Dispatcher: jsonrpc.NewDispatcher(reg)}

	logger.Info(ctx, "stdio transport ready")
	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error(ctx, "stream server error", "err", err)
		os.Exit(1)
	}
}
