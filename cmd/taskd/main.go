package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/task-sync/internal/auth"
	"github.com/alexjbarnes/task-sync/internal/config"
	"github.com/alexjbarnes/task-sync/internal/engine"
	"github.com/alexjbarnes/task-sync/internal/logging"
	"github.com/alexjbarnes/task-sync/internal/mcpserver"
	"github.com/alexjbarnes/task-sync/internal/server"
	"github.com/alexjbarnes/task-sync/internal/store"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(scanner.Text()), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogFile)
	logger.Info("taskd starting",
		slog.String("version", Version),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	users, err := cfg.ParseUsers()
	if err != nil {
		return fmt.Errorf("parsing users: %w", err)
	}

	apiKeys, err := cfg.ParseAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing api keys: %w", err)
	}

	db, err := store.LoadAt(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer db.Close()

	tokens := auth.NewStore(db, logger)
	defer tokens.Stop()

	for _, k := range apiKeys {
		tokens.RegisterAPIKey(k.UserID, k.Key)
	}

	eng := engine.New(db, logger)

	muxCfg := server.MuxConfig{
		Engine:   eng,
		Health:   db,
		Auth:     tokens,
		Users:    users,
		TokenTTL: cfg.TokenTTL,
		Logger:   logger,
	}

	if cfg.EnableMCP {
		muxCfg.MCPHandler = mcpserver.NewHandler(eng, Version, logger)
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.NewMux(muxCfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("db", cfg.DBPath),
			slog.Int("users", len(users)),
			slog.Int("api_keys", len(apiKeys)),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
