package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	apperr "github.com/alexjbarnes/task-sync/internal/errors"
	"github.com/alexjbarnes/task-sync/internal/models"
	"github.com/alexjbarnes/task-sync/internal/remote"
	"github.com/alexjbarnes/task-sync/internal/state"
	"github.com/alexjbarnes/task-sync/internal/syncclient"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "sync",
	Short:   "Log in to taskd and fetch the task list",
	Long: `Log in with a username and password. The password is read from stdin.

The issued token is stored in the local state database.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			username, _ := cmd.Flags().GetString("user")
			if username == "" {
				username = s.cfg.Username
			}

			if username == "" {
				return fmt.Errorf("--user or TASKS_USERNAME is required")
			}

			password, err := readPassword()
			if err != nil {
				return err
			}

			ctx, cancel := s.syncContext(cmd.Context())
			defer cancel()

			resp, err := s.remote.Login(ctx, username, password)
			if err != nil {
				return err
			}

			if err := s.state.SetCredential(resp.UserID, resp.Token); err != nil {
				return fmt.Errorf("saving credential: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", resp.UserID)

			res, err := s.client.Refresh(ctx)
			report(cmd, s, res, err)

			return nil
		})
	},
}

var addCmd = &cobra.Command{
	Use:     "add <title>",
	GroupID: "tasks",
	Short:   "Add a task",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		statusFlag, _ := cmd.Flags().GetString("status")

		var status models.Status

		if statusFlag != "" {
			s, err := models.ParseStatus(statusFlag)
			if err != nil {
				return err
			}

			status = s
		}

		return withSession(func(s *session) error {
			task, err := s.client.Add(strings.Join(args, " "), description, status)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Added %s %q\n", shortID(task.ID), task.Title)
			afterMutation(cmd, s)

			return nil
		})
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "tasks",
	Short:   "Change a task's title, description or status",
	Long: `Change a task. Only the flags given are changed. An id may be
abbreviated to any unique prefix.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := models.UpdateAction{}

		if cmd.Flags().Changed("title") {
			v, _ := cmd.Flags().GetString("title")
			a.Title = &v
		}

		if cmd.Flags().Changed("description") {
			v, _ := cmd.Flags().GetString("description")
			a.Description = &v
		}

		if cmd.Flags().Changed("status") {
			v, _ := cmd.Flags().GetString("status")

			st, err := models.ParseStatus(v)
			if err != nil {
				return err
			}

			a.Status = &st
		}

		if a.Title == nil && a.Description == nil && a.Status == nil {
			return fmt.Errorf("nothing to change: pass --title, --description or --status")
		}

		return editTask(cmd, args[0], a)
	},
}

var doneCmd = &cobra.Command{
	Use:     "done <id>",
	GroupID: "tasks",
	Short:   "Mark a task completed",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st := models.StatusCompleted
		return editTask(cmd, args[0], models.UpdateAction{Status: &st})
	},
}

var reopenCmd = &cobra.Command{
	Use:     "reopen <id>",
	GroupID: "tasks",
	Short:   "Mark a task pending again",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st := models.StatusPending
		return editTask(cmd, args[0], models.UpdateAction{Status: &st})
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	GroupID: "tasks",
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			id, err := s.resolveID(args[0])
			if err != nil {
				return err
			}

			if err := s.client.Delete(id); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", shortID(id))
			afterMutation(cmd, s)

			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "tasks",
	Short:   "List tasks, newest first",
	Long: `List tasks from the local cache, newest first. Tasks the server has
not yet acknowledged are marked with *.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFlag, _ := cmd.Flags().GetString("status")
		search, _ := cmd.Flags().GetString("search")
		formatFlag, _ := cmd.Flags().GetString("format")
		refresh, _ := cmd.Flags().GetBool("refresh")

		format, err := parseFormat(formatFlag)
		if err != nil {
			return err
		}

		var status models.Status

		if statusFlag != "" {
			status, err = models.ParseStatus(statusFlag)
			if err != nil {
				return err
			}
		}

		return withSession(func(s *session) error {
			if refresh {
				ctx, cancel := s.syncContext(cmd.Context())
				defer cancel()

				res, err := s.client.Refresh(ctx)
				report(cmd, s, res, err)
			}

			tasks, err := s.client.Tasks()
			if err != nil {
				return err
			}

			return writeTasks(cmd.OutOrStdout(), format, models.Filter(tasks, status, search))
		})
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Send queued changes to taskd now",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(s *session) error {
			ctx, cancel := s.syncContext(cmd.Context())
			defer cancel()

			res, err := s.client.Sync(ctx)
			if err != nil {
				return err
			}

			if res.Offline {
				fmt.Fprintf(cmd.OutOrStdout(), "Server unreachable; %d change(s) queued\n", res.Remaining)
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d change(s)", res.Sent)

			if len(res.Failed) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), ", %d rejected", len(res.Failed))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "; %d queued\n", res.Remaining)

			for _, o := range res.Failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "  change %d rejected (%s): %s\n", o.Index+1, o.ErrorKind, o.Message)
			}

			return nil
		})
	},
}

var pendingCmd = &cobra.Command{
	Use:     "pending",
	GroupID: "sync",
	Short:   "Show changes not yet confirmed by the server",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatFlag, _ := cmd.Flags().GetString("format")

		format, err := parseFormat(formatFlag)
		if err != nil {
			return err
		}

		return withSession(func(s *session) error {
			queue, err := s.state.Pending()
			if err != nil {
				return err
			}

			return writePending(cmd.OutOrStdout(), format, queue, s.state.LastSync())
		})
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Keep syncing in the foreground",
	Long: `Sync whenever the server becomes reachable, on a timer, and whenever
another taskctl command changes the local state. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}

		// The watcher must not hold the file lock between rounds.
		if err := s.Close(); err != nil {
			return err
		}

		shared := state.NewShared(s.cfg.StatePath, state.DefaultOpenTimeout)
		probe := syncclient.NewProbe(s.remote, 0)
		client := syncclient.New(shared, s.remote, probe, s.logger)

		runner := syncclient.NewRunner(client, probe, syncclient.RunnerConfig{
			Interval:  s.cfg.SyncInterval,
			StatePath: s.cfg.StatePath,
			Queue:     shared,
		}, s.logger)

		fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (every %s). Ctrl-C to stop.\n", s.cfg.ServerURL, s.cfg.SyncInterval)

		return runner.Run(cmd.Context())
	},
}

func init() {
	loginCmd.Flags().StringP("user", "u", "", "username (default $TASKS_USERNAME)")

	addCmd.Flags().StringP("description", "d", "", "longer description")
	addCmd.Flags().StringP("status", "s", "", "Pending, In Progress or Completed")

	editCmd.Flags().StringP("title", "t", "", "new title")
	editCmd.Flags().StringP("description", "d", "", "new description")
	editCmd.Flags().StringP("status", "s", "", "new status")

	listCmd.Flags().StringP("status", "s", "", "only tasks with this status")
	listCmd.Flags().String("search", "", "case-insensitive text in title or description")
	listCmd.Flags().StringP("format", "o", "text", "output format: text, json or yaml")
	listCmd.Flags().Bool("refresh", false, "sync with the server before listing")

	pendingCmd.Flags().StringP("format", "o", "text", "output format: text, json or yaml")

	rootCmd.AddCommand(loginCmd, addCmd, editCmd, doneCmd, reopenCmd, rmCmd, listCmd, syncCmd, pendingCmd, watchCmd)
}

func editTask(cmd *cobra.Command, ref string, a models.UpdateAction) error {
	return withSession(func(s *session) error {
		id, err := s.resolveID(ref)
		if err != nil {
			return err
		}

		a.ID = id

		task, err := s.client.Edit(a)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Updated %s %q [%s]\n", shortID(task.ID), task.Title, task.Status)
		afterMutation(cmd, s)

		return nil
	})
}

// resolveID accepts a full id or a unique prefix of a visible task's id.
func (s *session) resolveID(ref string) (string, error) {
	tasks, err := s.client.Tasks()
	if err != nil {
		return "", err
	}

	return matchID(tasks, ref)
}

func matchID(tasks []models.Task, ref string) (string, error) {
	var matches []string

	for _, t := range tasks {
		if t.ID == ref {
			return t.ID, nil
		}

		if strings.HasPrefix(t.ID, ref) || strings.HasPrefix(shortID(t.ID), ref) {
			matches = append(matches, t.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", apperr.ErrNotFound, ref)
	case 1:
		return matches[0], nil
	}

	return "", fmt.Errorf("id %q is ambiguous: matches %d tasks", ref, len(matches))
}

// afterMutation makes a best-effort round so the change reaches the
// server right away when it can. The change is already saved locally,
// so a failure is only reported.
func afterMutation(cmd *cobra.Command, s *session) {
	ctx, cancel := s.syncContext(cmd.Context())
	defer cancel()

	res, err := s.client.Sync(ctx)
	report(cmd, s, res, err)
}

func report(cmd *cobra.Command, s *session, res *syncclient.Result, err error) {
	w := cmd.ErrOrStderr()

	switch {
	case errors.Is(err, apperr.ErrAuthentication):
		fmt.Fprintf(w, "Not logged in; %d change(s) queued. Run `taskctl login`.\n", s.client.Pending())
	case err != nil && remote.IsTransient(err):
		fmt.Fprintf(w, "Server unavailable; %d change(s) queued\n", s.client.Pending())
	case err != nil:
		fmt.Fprintf(w, "Sync failed: %v\n", err)
	case res != nil && res.Offline:
		fmt.Fprintf(w, "Offline; %d change(s) queued\n", res.Remaining)
	}
}

// readPassword reads one line from stdin.
func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return "", fmt.Errorf("no password given")
	}

	return scanner.Text(), nil
}
