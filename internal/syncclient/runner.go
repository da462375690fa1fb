package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

const (
	// watcherDebounceInterval is how often the watcher checks for pending
	// state file events so a burst of writes causes one round.
	watcherDebounceInterval = 500 * time.Millisecond

	// watcherQuietPeriod is how long the state file must be unchanged
	// before a round is triggered.
	watcherQuietPeriod = 300 * time.Millisecond

	// defaultProbeInterval is how often connectivity is rechecked to
	// notice the server coming back.
	defaultProbeInterval = 5 * time.Second
)

// trigger is the subset of Client that Runner drives. Extracted for
// testability.
type trigger interface {
	Trigger(ctx context.Context, reason string)
	Wait()
}

// QueueSequencer reports the queue's last assigned sequence number.
// *state.State and *state.Shared satisfy it.
type QueueSequencer interface {
	QueueSequence() (uint64, error)
}

// RunnerConfig controls the trigger loop.
type RunnerConfig struct {
	// Interval is the periodic sync timer.
	Interval time.Duration
	// ProbeInterval is how often connectivity is rechecked. Zero uses
	// five seconds.
	ProbeInterval time.Duration
	// StatePath is the local state database. When set, writes to it by
	// other processes (taskctl add, edit, ...) trigger a round.
	StatePath string
	// Queue, when set, filters state file events: a round is only
	// triggered when the queue sequence moved, so the runner's own
	// rounds settling into the file do not trigger more rounds.
	Queue QueueSequencer
}

// Runner keeps a Sync Client converging: it triggers a round when
// connectivity is restored, on a timer, and when the local state file
// changes.
type Runner struct {
	client trigger
	conn   Connectivity
	cfg    RunnerConfig
	logger *slog.Logger
}

// NewRunner creates a Runner for client.
func NewRunner(client *Client, conn Connectivity, cfg RunnerConfig, logger *slog.Logger) *Runner {
	return newRunner(client, conn, cfg, logger)
}

func newRunner(client trigger, conn Connectivity, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}

	return &Runner{client: client, conn: conn, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled. Rounds still running when it
// returns have finished.
func (r *Runner) Run(ctx context.Context) error {
	defer r.client.Wait()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.loop(gctx) })

	if r.cfg.StatePath != "" {
		g.Go(func() error { return r.watchState(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (r *Runner) loop(ctx context.Context) error {
	online := r.conn.Online(ctx)
	if online {
		r.client.Trigger(ctx, "startup")
	} else {
		r.logger.Warn("server unreachable, working offline")
	}

	probe := time.NewTicker(r.cfg.ProbeInterval)
	defer probe.Stop()

	var tick <-chan time.Time

	if r.cfg.Interval > 0 {
		t := time.NewTicker(r.cfg.Interval)
		defer t.Stop()

		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-probe.C:
			now := r.conn.Online(ctx)

			switch {
			case now && !online:
				r.logger.Info("connectivity restored")
				r.client.Trigger(ctx, "reconnect")
			case !now && online:
				r.logger.Warn("server unreachable, working offline")
			}

			online = now

		case <-tick:
			if online {
				r.client.Trigger(ctx, "interval")
			}
		}
	}
}

// watchState triggers a round after the state file has been written.
// The parent directory is watched so the watch survives the file being
// recreated.
func (r *Runner) watchState(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	path := filepath.Clean(r.cfg.StatePath)

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching state dir: %w", err)
	}

	r.logger.Debug("state watcher started", slog.String("path", path))

	var (
		pending time.Time
		lastSeq uint64
	)

	if r.cfg.Queue != nil {
		seq, err := r.cfg.Queue.QueueSequence()
		if err != nil {
			r.logger.Warn("reading queue sequence", slog.String("error", err.Error()))
		}

		lastSeq = seq
	}

	ticker := time.NewTicker(watcherDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				pending = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			r.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < watcherQuietPeriod {
				continue
			}

			pending = time.Time{}

			if r.cfg.Queue != nil {
				seq, err := r.cfg.Queue.QueueSequence()
				if err == nil && seq == lastSeq {
					continue
				}

				if err != nil {
					r.logger.Warn("reading queue sequence", slog.String("error", err.Error()))
				}

				lastSeq = seq
			}

			r.client.Trigger(ctx, "local change")
		}
	}
}
