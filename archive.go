package setfarm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

// RunSnapshot is the JSON document archived for a run after it reaches a
// terminal status. The database stays authoritative; snapshots exist so
// finished runs can be inspected or shipped off-host without the database.
type RunSnapshot struct {
	Run        *Run     `json:"run"`
	Steps      []*Step  `json:"steps"`
	Stories    []*Story `json:"stories,omitempty"`
	Events     []Event  `json:"events,omitempty"`
	ArchivedAt int64    `json:"archivedAt"`
}

// Archiver writes run snapshots as one JSON file per run. Writes are atomic
// via a temp file rename, and re-archiving a run overwrites its file.
type Archiver struct {
	dir string
}

// NewArchiver creates an Archiver rooted at dir. The directory is created on
// first write.
func NewArchiver(dir string) *Archiver {
	return &Archiver{dir: dir}
}

// Path returns the snapshot file path for a run id.
func (a *Archiver) Path(runID string) string {
	return filepath.Join(a.dir, runID+".json")
}

// Write persists a snapshot and returns its path.
func (a *Archiver) Write(snap *RunSnapshot) (string, error) {
	const op = "archive run"
	if snap == nil || snap.Run == nil {
		return "", E(KindBadInput, op, "nil snapshot")
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", Wrap(KindInternal, op, err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", Wrap(KindInternal, op, err)
	}
	path := a.Path(snap.Run.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", Wrap(KindInternal, op, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", Wrap(KindInternal, op, err)
	}
	return path, nil
}

// Read loads a previously archived snapshot.
func (a *Archiver) Read(runID string) (*RunSnapshot, error) {
	const op = "read archive"
	data, err := os.ReadFile(a.Path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, E(KindNotFound, op, "no archive for run %q", runID)
		}
		return nil, Wrap(KindInternal, op, err)
	}
	var snap RunSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, Wrap(KindParse, op, err)
	}
	return &snap, nil
}

// archiveRun assembles and writes the snapshot for a terminal run.
func (e *Engine) archiveRun(ctx context.Context, run *Run) error {
	steps, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	stories, err := e.store.ListRunStories(ctx, run.ID)
	if err != nil {
		return err
	}
	events, err := e.store.ListEvents(ctx, run.ID, 0)
	if err != nil {
		return err
	}
	path, err := e.archiver.Write(&RunSnapshot{
		Run:        run,
		Steps:      steps,
		Stories:    stories,
		Events:     events,
		ArchivedAt: e.nowUnix(),
	})
	if err != nil {
		return err
	}
	e.logger.Info("engine: run archived", "run_id", run.ID, "path", path)
	return nil
}
