// Package syncclient is the client half of task sync. Mutations are
// applied to the local cache and queued in one transaction, so the user
// sees them immediately whether or not the server is reachable. A
// reconciliation round sends the queued actions as one batch, replaces
// the cache with the server's canonical snapshot and drops the
// acknowledged entries.
//
// Conflict policy: last write wins. The client never merges fields; the
// snapshot returned by the last successful round is the truth, with any
// actions queued since then replayed on top of it.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperr "github.com/alexjbarnes/task-sync/internal/errors"
	"github.com/alexjbarnes/task-sync/internal/models"
	"github.com/alexjbarnes/task-sync/internal/state"
)

// maxChainedRounds bounds how many rounds one Sync call runs back to
// back when actions keep arriving while a round is in flight.
const maxChainedRounds = 5

// LocalStore is the durable queue and cache. *state.State satisfies it.
type LocalStore interface {
	Token() string
	Record(a models.Action, view models.Task) (uint64, error)
	Pending() ([]state.QueuedAction, error)
	PendingCount() int
	Settle(through uint64, rebase state.Rebase) (int, error)
	ReplaceCacheIfIdle(tasks []models.Task) (bool, error)
	Task(id string) (*models.Task, error)
	Tasks() ([]models.Task, error)
}

// Result summarises the rounds run by one Sync or Refresh call.
type Result struct {
	// Offline is set when the server was unreachable and nothing was sent.
	Offline bool
	Rounds  int
	Sent    int
	// Failed holds the outcomes the server rejected. Those actions are
	// dropped from the queue; the snapshot shows what the server kept.
	Failed []models.Outcome
	// Remaining is the queue length after the last round.
	Remaining int
}

// Client is the Sync Client.
type Client struct {
	store  LocalStore
	remote Remote
	conn   Connectivity
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inFlight bool
	rerun    bool
	wg       sync.WaitGroup
}

// New creates a Sync Client over the given local store and transport.
func New(store LocalStore, remote Remote, conn Connectivity, logger *slog.Logger) *Client {
	return &Client{
		store:  store,
		remote: remote,
		conn:   conn,
		logger: logger,
		now:    time.Now,
	}
}

// --- local mutations ---

// Add creates a task under a fresh provisional id and queues the create.
func (c *Client) Add(title, description string, status models.Status) (models.Task, error) {
	a, err := models.CreateAction{
		ClientID:    models.NewProvisionalID(),
		Title:       title,
		Description: description,
		Status:      status,
	}.Normalize()
	if err != nil {
		return models.Task{}, err
	}

	now := c.now().UTC()
	view := models.Task{
		ID:          a.ClientID,
		ClientID:    a.ClientID,
		Title:       a.Title,
		Description: a.Description,
		Status:      a.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := c.store.Record(a, view); err != nil {
		return models.Task{}, err
	}

	c.logger.Debug("task added locally", slog.String("id", view.ID))

	return view, nil
}

// Edit applies the non-nil fields of a to the cached task and queues the
// update. An invalid status rejects the whole edit.
func (c *Client) Edit(a models.UpdateAction) (models.Task, error) {
	a, err := a.Normalize()
	if err != nil {
		return models.Task{}, err
	}

	cur, err := c.visible(a.ID)
	if err != nil {
		return models.Task{}, err
	}

	view := *cur
	if !a.Apply(&view) {
		return view, nil
	}

	view.UpdatedAt = c.now().UTC()

	if _, err := c.store.Record(a, view); err != nil {
		return models.Task{}, err
	}

	c.logger.Debug("task edited locally", slog.String("id", view.ID))

	return view, nil
}

// Delete marks the cached task deleted and queues the delete. Deleting
// a task that is already deleted does nothing.
func (c *Client) Delete(id string) error {
	cur, err := c.store.Task(id)
	if err != nil {
		return fmt.Errorf("%w: reading cache: %v", apperr.ErrPersistence, err)
	}

	if cur == nil {
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, id)
	}

	if cur.Deleted {
		return nil
	}

	view := *cur
	view.Deleted = true
	view.UpdatedAt = c.now().UTC()

	if _, err := c.store.Record(models.DeleteAction{ID: id}, view); err != nil {
		return err
	}

	c.logger.Debug("task deleted locally", slog.String("id", id))

	return nil
}

// Tasks returns the local view: visible tasks, newest first.
func (c *Client) Tasks() ([]models.Task, error) {
	tasks, err := c.store.Tasks()
	if err != nil {
		return nil, fmt.Errorf("%w: reading cache: %v", apperr.ErrPersistence, err)
	}

	return tasks, nil
}

// Pending returns the number of actions not yet confirmed by the server.
func (c *Client) Pending() int {
	return c.store.PendingCount()
}

func (c *Client) visible(id string) (*models.Task, error) {
	cur, err := c.store.Task(id)
	if err != nil {
		return nil, fmt.Errorf("%w: reading cache: %v", apperr.ErrPersistence, err)
	}

	if cur == nil || cur.Deleted {
		return nil, fmt.Errorf("%w: %s", apperr.ErrNotFound, id)
	}

	return cur, nil
}

// --- reconciliation ---

// begin marks a round in flight. When one already is, the request is
// recorded so the running call does another round before it returns.
func (c *Client) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight {
		c.rerun = true
		return false
	}

	c.inFlight = true

	return true
}

func (c *Client) finish() {
	c.mu.Lock()
	c.inFlight = false
	c.rerun = false
	c.mu.Unlock()
}

func (c *Client) rerunRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rerun
}

// finishUnlessRerun ends the in-flight period unless a trigger arrived
// during the last round, in which case it consumes that trigger and
// reports false.
func (c *Client) finishUnlessRerun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rerun {
		c.rerun = false
		return false
	}

	c.inFlight = false

	return true
}

// Sync runs a reconciliation round. If a round is already in flight it
// returns ErrRoundInFlight at once and the running call does one more
// round when it completes. When actions were queued during a round,
// another round follows.
//
// A transport or server failure leaves the queue exactly as it was.
func (c *Client) Sync(ctx context.Context) (*Result, error) {
	if !c.begin() {
		return nil, apperr.ErrRoundInFlight
	}

	res := &Result{}

	for rounds := 1; ; rounds++ {
		more, err := c.round(ctx, res)
		if err != nil {
			c.finish()
			return res, err
		}

		if rounds >= maxChainedRounds {
			if more || c.rerunRequested() {
				c.logger.Info("sync chain stopped at round limit",
					slog.Int("rounds", rounds),
					slog.Int("remaining", res.Remaining),
				)
			}

			c.finish()

			return res, nil
		}

		if more {
			continue
		}

		if c.finishUnlessRerun() {
			return res, nil
		}
	}
}

// Trigger starts a round in the background. It is safe to call
// repeatedly; overlapping triggers are coalesced.
func (c *Client) Trigger(ctx context.Context, reason string) {
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		res, err := c.Sync(ctx)

		switch {
		case errors.Is(err, apperr.ErrRoundInFlight):
			c.logger.Debug("sync trigger coalesced", slog.String("reason", reason))
		case err != nil:
			c.logger.Warn("sync round failed",
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
		case res.Offline:
			c.logger.Debug("sync skipped, offline", slog.String("reason", reason))
		case res.Sent > 0:
			c.logger.Info("sync round complete",
				slog.String("reason", reason),
				slog.Int("sent", res.Sent),
				slog.Int("failed", len(res.Failed)),
				slog.Int("remaining", res.Remaining),
			)
		}
	}()
}

// Wait blocks until every round started by Trigger has returned.
func (c *Client) Wait() {
	c.wg.Wait()
}

// round runs one reconciliation round and accumulates into res. It
// reports whether queued actions remain that the round did not send.
func (c *Client) round(ctx context.Context, res *Result) (bool, error) {
	if !c.conn.Online(ctx) {
		res.Offline = true
		res.Remaining = c.store.PendingCount()

		return false, nil
	}

	res.Offline = false

	drained, err := c.store.Pending()
	if err != nil {
		return false, err
	}

	if len(drained) == 0 {
		res.Remaining = 0
		return false, nil
	}

	token := c.store.Token()
	if token == "" {
		return false, fmt.Errorf("%w: not logged in", apperr.ErrAuthentication)
	}

	envs := make([]models.ActionEnvelope, len(drained))
	for i, q := range drained {
		envs[i] = q.Action
	}

	through := drained[len(drained)-1].Seq

	c.logger.Debug("sync round starting", slog.Int("actions", len(envs)))

	resp, err := c.remote.Sync(ctx, token, envs)
	if err != nil {
		return false, fmt.Errorf("sending batch: %w", err)
	}

	snapshot := resp.Tasks
	if snapshot == nil {
		snapshot, err = c.remote.ListTasks(ctx, token)
		if err != nil {
			return false, fmt.Errorf("fetching snapshot: %w", err)
		}
	}

	remaining, err := c.store.Settle(through, func(unsent []state.QueuedAction) ([]state.QueuedAction, []models.Task) {
		unsent = translate(unsent, resp.IDMap)
		return unsent, replay(snapshot, unsent, c.logger)
	})
	if err != nil {
		return false, err
	}

	res.Rounds++
	res.Sent += len(envs)
	res.Remaining = remaining

	for _, o := range resp.Outcomes {
		if o.OK() {
			continue
		}

		res.Failed = append(res.Failed, o)

		attrs := []any{
			slog.Int("index", o.Index),
			slog.String("error_kind", string(o.ErrorKind)),
			slog.String("message", o.Message),
		}
		if o.Index >= 0 && o.Index < len(envs) {
			attrs = append(attrs,
				slog.String("kind", string(envs[o.Index].Kind)),
				slog.String("ref", envs[o.Index].ClientRef),
			)
		}

		c.logger.Warn("action rejected by server", attrs...)
	}

	return remaining > 0, nil
}

// Refresh replaces the cache with the server's listing when nothing is
// queued (cold start). With queued actions it runs a full Sync instead.
func (c *Client) Refresh(ctx context.Context) (*Result, error) {
	if c.store.PendingCount() > 0 {
		return c.Sync(ctx)
	}

	if !c.begin() {
		return nil, apperr.ErrRoundInFlight
	}
	defer c.finish()

	if !c.conn.Online(ctx) {
		return &Result{Offline: true}, nil
	}

	token := c.store.Token()
	if token == "" {
		return nil, fmt.Errorf("%w: not logged in", apperr.ErrAuthentication)
	}

	tasks, err := c.remote.ListTasks(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("fetching tasks: %w", err)
	}

	replaced, err := c.store.ReplaceCacheIfIdle(tasks)
	if err != nil {
		return nil, err
	}

	if !replaced {
		c.logger.Debug("refresh skipped, actions queued meanwhile")
	}

	return &Result{Rounds: 1, Remaining: c.store.PendingCount()}, nil
}

// translate points update and delete entries that reference a
// provisional id acknowledged in this round at the server id.
func translate(queue []state.QueuedAction, idMap map[string]string) []state.QueuedAction {
	for i, q := range queue {
		if q.Action.Kind == models.KindCreate {
			continue
		}

		if id, ok := idMap[q.Action.ClientRef]; ok {
			queue[i].Action.ClientRef = id
		}
	}

	return queue
}

// replay builds the next cache: the canonical snapshot with the still
// queued actions applied on top.
func replay(snapshot []models.Task, queue []state.QueuedAction, logger *slog.Logger) []models.Task {
	out := make([]models.Task, len(snapshot), len(snapshot)+len(queue))
	copy(out, snapshot)

	byID := make(map[string]int, len(out))
	byClientID := make(map[string]bool, len(out))

	for i, t := range out {
		byID[t.ID] = i
		if t.ClientID != "" {
			byClientID[t.ClientID] = true
		}
	}

	for _, q := range queue {
		a, err := q.Decode()
		if err != nil {
			logger.Warn("skipping unreadable queue entry",
				slog.Uint64("seq", q.Seq),
				slog.String("error", err.Error()),
			)

			continue
		}

		switch v := a.(type) {
		case models.CreateAction:
			if byClientID[v.ClientID] {
				continue
			}

			v, err := v.Normalize()
			if err != nil {
				continue
			}

			byID[v.ClientID] = len(out)
			out = append(out, models.Task{
				ID:          v.ClientID,
				ClientID:    v.ClientID,
				Title:       v.Title,
				Description: v.Description,
				Status:      v.Status,
				CreatedAt:   q.QueuedAt,
				UpdatedAt:   q.QueuedAt,
			})

		case models.UpdateAction:
			if i, ok := byID[v.ID]; ok && !out[i].Deleted {
				if v.Apply(&out[i]) {
					out[i].UpdatedAt = q.QueuedAt
				}
			}

		case models.DeleteAction:
			if i, ok := byID[v.ID]; ok {
				out[i].Deleted = true
			}
		}
	}

	return out
}
