// Package rollback reverts the work product to the last known-good checkpoint
// through a version-control collaborator and keeps an audit trail of every
// attempt. It never touches task or convoy state.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/events"
	"github.com/dohr-michael/overseer/internal/storage/dirstore"
)

const (
	historyFile     = "history.jsonl"
	checkpointsFile = "checkpoints.jsonl"
)

// VCS is the version-control collaborator.
type VCS interface {
	// Checkpoint identifies the current state of the work product.
	Checkpoint(ctx context.Context) (string, error)
	// ChangedFiles lists the paths Revert would restore to the given
	// checkpoint.
	ChangedFiles(ctx context.Context, since string) ([]string, error)
	// Revert restores the work product to the given checkpoint.
	Revert(ctx context.Context, checkpoint string) error
}

// Checkpoint is a known-good state recorded by MarkKnownGood.
type Checkpoint struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Result records one rollback attempt.
type Result struct {
	ID               string    `json:"id"`
	Reason           string    `json:"reason"`
	Success          bool      `json:"success"`
	BeforeCheckpoint string    `json:"before_checkpoint,omitempty"`
	AfterCheckpoint  string    `json:"after_checkpoint,omitempty"`
	RevertedCount    int       `json:"reverted_count"` // len(AffectedFiles)
	AffectedFiles    []string  `json:"affected_files,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Error            string    `json:"error,omitempty"`
}

// Config holds the collaborators of a Coordinator.
type Config struct {
	Dir    string
	VCS    VCS
	Ignore []string // doublestar patterns dropped from AffectedFiles
	Bus    events.Publisher
	Now    func() time.Time
}

// Coordinator runs rollbacks one at a time.
type Coordinator struct {
	mu     sync.Mutex
	ds     *dirstore.DirStore
	vcs    VCS
	ignore []string
	bus    events.Publisher
	now    func() time.Time
}

// NewCoordinator validates cfg and prepares the audit directory.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.VCS == nil {
		return nil, fmt.Errorf("rollback: no VCS configured: %w", errs.ErrInvalid)
	}
	for _, p := range cfg.Ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("rollback: ignore pattern %q: %w", p, errs.ErrInvalid)
		}
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rollback dir: %w", err)
	}

	c := &Coordinator{
		ds:     dirstore.NewDirStore(cfg.Dir, "rollback"),
		vcs:    cfg.VCS,
		ignore: cfg.Ignore,
		bus:    cfg.Bus,
		now:    cfg.Now,
	}
	if c.bus == nil {
		c.bus = events.Discard
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// MarkKnownGood records the current checkpoint as a rollback target.
func (c *Coordinator) MarkKnownGood(ctx context.Context, label string) (Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.vcs.Checkpoint(ctx)
	if err != nil {
		return Checkpoint{}, errs.External("mark checkpoint", err)
	}
	cp := Checkpoint{ID: id, Label: label, CreatedAt: c.now()}
	if err := c.ds.AppendJSONL("", checkpointsFile, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("mark checkpoint: %w", err)
	}
	slog.Info("checkpoint marked", "checkpoint", id, "label", label)
	return cp, nil
}

// LastKnownGood returns the most recently marked checkpoint.
func (c *Coordinator) LastKnownGood() (Checkpoint, bool, error) {
	cps, err := dirstore.LoadJSONL[Checkpoint](c.ds, "", checkpointsFile)
	if err != nil {
		return Checkpoint{}, false, err
	}
	if len(cps) == 0 {
		return Checkpoint{}, false, nil
	}
	return cps[len(cps)-1], true, nil
}

// TriggerRollback reverts to the last known-good checkpoint. The attempt is
// recorded whether it succeeds or not; collaborator failures are reported as
// ErrExternalFailure with the collaborator's message attached.
func (c *Coordinator) TriggerRollback(ctx context.Context, reason string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := Result{ID: generateRollbackID(), Reason: reason, Timestamp: c.now()}
	runErr := c.run(ctx, &res)
	if runErr != nil {
		res.Error = runErr.Error()
	} else {
		res.Success = true
	}

	if err := c.ds.AppendJSONL("", historyFile, res); err != nil {
		slog.Error("record rollback", "error", err, "rollback_id", res.ID)
		runErr = errors.Join(runErr, fmt.Errorf("record rollback: %w", err))
	}

	if res.Success {
		slog.Info("rollback completed", "rollback_id", res.ID, "to", res.AfterCheckpoint, "reverted", res.RevertedCount)
	} else {
		slog.Warn("rollback failed", "rollback_id", res.ID, "error", res.Error)
	}
	c.bus.Publish(events.NewTypedEventFor(events.SourceGovernor, events.RollbackPayload{
		RollbackID:       res.ID,
		Reason:           reason,
		Success:          res.Success,
		BeforeCheckpoint: res.BeforeCheckpoint,
		AfterCheckpoint:  res.AfterCheckpoint,
		RevertedCount:    res.RevertedCount,
		Error:            res.Error,
	}, res.ID))

	return res, runErr
}

func (c *Coordinator) run(ctx context.Context, res *Result) error {
	target, ok, err := c.LastKnownGood()
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}
	if !ok {
		return fmt.Errorf("no known-good checkpoint: %w", errs.ErrPreconditionFailed)
	}

	before, err := c.vcs.Checkpoint(ctx)
	if err != nil {
		return errs.External("read checkpoint", err)
	}
	res.BeforeCheckpoint = before

	changed, err := c.vcs.ChangedFiles(ctx, target.ID)
	if err != nil {
		return errs.External("list changes", err)
	}
	res.AffectedFiles = c.filter(changed)
	res.RevertedCount = len(res.AffectedFiles)

	if err := c.vcs.Revert(ctx, target.ID); err != nil {
		return errs.External("revert", err)
	}

	after, err := c.vcs.Checkpoint(ctx)
	if err != nil {
		return errs.External("read checkpoint", err)
	}
	res.AfterCheckpoint = after
	return nil
}

// filter drops paths matching an ignore pattern.
func (c *Coordinator) filter(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !c.ignored(p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) ignored(path string) bool {
	for _, pattern := range c.ignore {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// History returns recorded attempts, newest first. limit <= 0 returns all.
func (c *Coordinator) History(limit int) ([]Result, error) {
	all, err := dirstore.LoadJSONL[Result](c.ds, "", historyFile)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func generateRollbackID() string {
	u := uuid.New().String()
	return "rb_" + strings.ReplaceAll(u[:8], "-", "")
}
