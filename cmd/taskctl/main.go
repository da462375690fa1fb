package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/task-sync/internal/config"
	"github.com/alexjbarnes/task-sync/internal/logging"
	"github.com/alexjbarnes/task-sync/internal/remote"
	"github.com/alexjbarnes/task-sync/internal/state"
	"github.com/alexjbarnes/task-sync/internal/syncclient"
	"github.com/spf13/cobra"
)

var Version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "taskctl",
	Short: "Offline-first task list synced with taskd",
	Long: `taskctl keeps a local task list that works without a network.

Every change is applied locally at once and queued. Queued changes are
sent to taskd in order when it is reachable; the server's task list then
replaces the local one.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log sync activity to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Task commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// session is everything a command needs. The state database is held
// open for the life of the command; close it promptly so other taskctl
// processes are not kept waiting on the file lock.
type session struct {
	cfg    *config.ClientConfig
	logger *slog.Logger
	state  *state.State
	remote *remote.Client
	client *syncclient.Client
}

func openSession() (*session, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewCLILogger(cfg.Environment, cfg.LogFile, verbose)

	st, err := state.LoadAt(cfg.StatePath, state.DefaultOpenTimeout)
	if err != nil {
		return nil, err
	}

	rc := remote.NewClient(cfg.ServerURL, nil)

	return &session{
		cfg:    cfg,
		logger: logger,
		state:  st,
		remote: rc,
		client: syncclient.New(st, rc, syncclient.NewProbe(rc, 0), logger),
	}, nil
}

func (s *session) Close() error {
	return s.state.Close()
}

// withSession opens a session, runs fn and closes the session.
func withSession(fn func(s *session) error) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(s)
}

// syncContext bounds one reconciliation round by the request timeout.
func (s *session) syncContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}
