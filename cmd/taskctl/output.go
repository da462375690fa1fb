package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/task-sync/internal/models"
	"github.com/alexjbarnes/task-sync/internal/state"
	"gopkg.in/yaml.v3"
)

type outputFormat string

const (
	formatText outputFormat = "text"
	formatJSON outputFormat = "json"
	formatYAML outputFormat = "yaml"
)

func parseFormat(s string) (outputFormat, error) {
	switch f := outputFormat(s); f {
	case formatText, formatJSON, formatYAML:
		return f, nil
	}

	return "", fmt.Errorf("unknown format %q: use text, json or yaml", s)
}

// shortIDLen is how much of a provisional id's UUID is shown.
const shortIDLen = 8

// shortID abbreviates provisional ids for display. Server ids are
// already short.
func shortID(id string) string {
	if !models.IsProvisionalID(id) {
		return id
	}

	rest := id[len(models.ProvisionalPrefix):]
	if len(rest) > shortIDLen {
		rest = rest[:shortIDLen]
	}

	return models.ProvisionalPrefix + rest
}

// taskRecord is the exported shape of a task for json and yaml output.
type taskRecord struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Status      string    `json:"status" yaml:"status"`
	Synced      bool      `json:"synced" yaml:"synced"`
	CreatedAt   time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"updated_at"`
}

func recordOf(t models.Task) taskRecord {
	return taskRecord{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Synced:      !t.Provisional(),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func writeTasks(w io.Writer, format outputFormat, tasks []models.Task) error {
	records := make([]taskRecord, 0, len(tasks))
	for _, t := range tasks {
		records = append(records, recordOf(t))
	}

	switch format {
	case formatJSON:
		return writeJSON(w, records)
	case formatYAML:
		return writeYAML(w, records)
	}

	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "No tasks.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTITLE")

	for _, t := range tasks {
		marker := ""
		if t.Provisional() {
			marker = "*"
		}

		fmt.Fprintf(tw, "%s%s\t%s\t%s\n", shortID(t.ID), marker, t.Status, t.Title)
	}

	return tw.Flush()
}

// pendingRecord is one queued action for json and yaml output.
type pendingRecord struct {
	Seq      uint64          `json:"seq" yaml:"seq"`
	Kind     string          `json:"kind" yaml:"kind"`
	Ref      string          `json:"ref" yaml:"ref"`
	Payload  json.RawMessage `json:"payload,omitempty" yaml:"-"`
	QueuedAt time.Time       `json:"queuedAt" yaml:"queued_at"`
}

// pendingReport is the json and yaml shape of `taskctl pending`.
type pendingReport struct {
	LastSync *time.Time      `json:"lastSync,omitempty" yaml:"last_sync,omitempty"`
	Queue    []pendingRecord `json:"queue" yaml:"queue"`
}

// writePending prints the queue and when the server last confirmed a
// round. A zero lastSync means never.
func writePending(w io.Writer, format outputFormat, queue []state.QueuedAction, lastSync time.Time) error {
	records := make([]pendingRecord, 0, len(queue))
	for _, q := range queue {
		records = append(records, pendingRecord{
			Seq:      q.Seq,
			Kind:     string(q.Action.Kind),
			Ref:      q.Action.ClientRef,
			Payload:  q.Action.Payload,
			QueuedAt: q.QueuedAt,
		})
	}

	report := pendingReport{Queue: records}
	if !lastSync.IsZero() {
		report.LastSync = &lastSync
	}

	switch format {
	case formatJSON:
		return writeJSON(w, report)
	case formatYAML:
		return writeYAML(w, report)
	}

	synced := "never"
	if !lastSync.IsZero() {
		synced = lastSync.Local().Format(time.DateTime)
	}

	if len(queue) == 0 {
		_, err := fmt.Fprintf(w, "Nothing queued. Last sync: %s\n", synced)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tKIND\tTASK\tQUEUED")

	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Seq, r.Kind, shortID(r.Ref), r.QueuedAt.Local().Format(time.DateTime))
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\n%d queued. Last sync: %s\n", len(queue), synced)

	return err
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return err
	}

	return enc.Close()
}
