package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quietloop/projectbridge/internal/admission"
	"github.com/quietloop/projectbridge/internal/cache"
	"github.com/quietloop/projectbridge/internal/config"
	"github.com/quietloop/projectbridge/internal/jsonrpc"
	"github.com/quietloop/projectbridge/internal/kvstore"
	"github.com/quietloop/projectbridge/internal/logger"
	"github.com/quietloop/projectbridge/internal/oauthmgr"
	"github.com/quietloop/projectbridge/internal/toolset"
	"github.com/quietloop/projectbridge/internal/transport/httptransport"
	"github.com/quietloop/projectbridge/internal/upstream"
	"github.com/quietloop/projectbridge/internal/webhook"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "token":
			cmdToken(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("projectbridge %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}
	runServer()
}

func printUsage() {
	fmt.Printf(`projectbridge %s - JSON-RPC bridge to project and file-storage APIs

Usage: projectbridge [command]

Commands:
  (default)    Start the network transport server
  token        Issue a bearer token
  --version    Print version and exit
  --help       Show this help
`, Version)
}

func runServer() {
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

	if err := store.StartJanitor("*/5 * * * *"); err != nil {
		logger.Error(ctx, "failed to start kv janitor", "err", err)
		os.Exit(1)
	}

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

	respCache := cache.New(store)

	reg := toolset.NewRegistry()
	toolset.Register(reg, toolset.Deps{
		Projects: projects,
		Files:    files,
		Cache:    respCache,
		Store:    store,
	})

	dispatcher := jsonrpc.NewDispatcher(reg)

	verifier, err := admission.NewBearerVerifier(cfg.BearerSigningKey)
	if err != nil {
		logger.Error(ctx, "failed to initialize bearer verifier", "err", err)
		os.Exit(1)
	}
	allowlist, err := admission.NewAllowlist(cfg.AllowList, false)
	if err != nil {
		logger.Error(ctx, "failed to initialize source allow-list", "err", err)
		os.Exit(1)
	}
	rateLimiter := admission.NewRateLimiter(store, int64(cfg.RateLimit), cfg.RateWindow)
	gate := admission.NewGate(verifier, allowlist, rateLimiter, "")

	var webhookHandler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "webhooks disabled", http.StatusNotFound)
	})
	if cfg.WebhooksEnabled {
		router := webhook.NewRouter([]byte(cfg.WebhookSecret), store)
		webhookHandler = router
	}

	srv := &httptransport.Server{
		Dispatcher: dispatcher,
		Registry:   reg,
		Gate:       gate,
		Webhooks:   webhookHandler,
		Health: httptransport.HealthChecker{
			Store:    store,
			Tokens:   tokens,
			Projects: projects,
			Files:    files,
		},
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info(ctx, "starting server", "addr", cfg.ListenAddr)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.ListenAndServe()
	}()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "server error", "err", err)
			os.Exit(1)
		}
	case sig := <-shutdownChan:
		logger.Info(ctx, "received shutdown signal", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "graceful shutdown failed", "err", err)
			os.Exit(1)
		}
		logger.Info(ctx, "shutdown complete")
	}
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "", "principal the token authenticates (required)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime, capped at 24h")
	_ = fs.Parse(args)

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "Error: --subject is required")
		fs.PrintDefaults()
		os.Exit(1)
	}
	if *ttl > 24*time.Hour {
		*ttl = 24 * time.Hour
	}

	key := []byte(os.Getenv("BEARER_SIGNING_KEY"))
	if len(key) == 0 {
		fmt.Fprintln(os.Stderr, "Error: BEARER_SIGNING_KEY must be set in the environment")
		os.Exit(1)
	}

	token, err := admission.Issue(key, *subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error issuing token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
