// Package maintenance runs the daemon's background housekeeping:
// periodic snapshots of the decision store and retention sweeps of the
// audit trail. Jobs are scheduled with cron expressions; nothing here
// touches a live arbitration.
package maintenance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper is the audit-trail retention hook.
type Sweeper interface {
	Sweep(ctx context.Context, retention time.Duration) (int64, error)
}

// Options configures the maintenance runner.
type Options struct {
	// StoreDir is the decision-store root to snapshot.
	StoreDir string
	// SnapshotDir receives timestamped snapshot directories; empty
	// disables snapshots.
	SnapshotDir string
	// SnapshotCron schedules snapshots; empty disables them.
	SnapshotCron string
	// Retention is the audit-record lifetime; zero disables sweeping.
	Retention time.Duration
	// MaxSnapshots caps how many snapshot directories are kept.
	MaxSnapshots int
}

// Runner owns the cron scheduler for housekeeping jobs.
type Runner struct {
	cron    *cron.Cron
	opts    Options
	sweeper Sweeper
	logger  *slog.Logger
}

// New creates a Runner. sweeper may be nil when auditing is disabled.
func New(opts Options, sweeper Sweeper, logger *slog.Logger) (*Runner, error) {
	if opts.MaxSnapshots <= 0 {
		opts.MaxSnapshots = 7
	}
	r := &Runner{
		cron:    cron.New(),
		opts:    opts,
		sweeper: sweeper,
		logger:  logger.With("component", "maintenance"),
	}

	if opts.SnapshotCron != "" && opts.SnapshotDir != "" {
		if _, err := r.cron.AddFunc(opts.SnapshotCron, r.snapshotJob); err != nil {
			return nil, fmt.Errorf("maintenance: snapshot schedule %q: %w", opts.SnapshotCron, err)
		}
	}
	if sweeper != nil && opts.Retention > 0 {
		// Daily, off-peak.
		if _, err := r.cron.AddFunc("30 4 * * *", r.sweepJob); err != nil {
			return nil, fmt.Errorf("maintenance: sweep schedule: %w", err)
		}
	}
	return r, nil
}

// Start begins running scheduled jobs.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("maintenance scheduler started",
		"snapshotCron", r.opts.SnapshotCron, "retention", r.opts.Retention)
}

// Stop halts the scheduler and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("maintenance scheduler stopped")
}

func (r *Runner) snapshotJob() {
	if err := r.Snapshot(); err != nil {
		r.logger.Error("snapshot failed", "error", err)
	}
}

func (r *Runner) sweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := r.sweeper.Sweep(ctx, r.opts.Retention); err != nil {
		r.logger.Error("audit sweep failed", "error", err)
	}
}

// Snapshot copies the decision-store tree into a timestamped directory
// under SnapshotDir and prunes snapshots beyond MaxSnapshots. The store
// writes files atomically, so a concurrent write yields either the old
// or the new complete document in the copy, never a torn one.
func (r *Runner) Snapshot() error {
	stamp := time.Now().UTC().Format("20060102T150405")
	dst := filepath.Join(r.opts.SnapshotDir, stamp)
	if err := copyTree(r.opts.StoreDir, dst); err != nil {
		return fmt.Errorf("maintenance: snapshot: %w", err)
	}
	r.logger.Info("decision store snapshot written", "dir", dst)
	return r.prune()
}

func (r *Runner) prune() error {
	entries, err := os.ReadDir(r.opts.SnapshotDir)
	if err != nil {
		return fmt.Errorf("maintenance: prune: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	// Names are timestamps, so lexical order is chronological.
	for len(dirs) > r.opts.MaxSnapshots {
		victim := dirs[0]
		dirs = dirs[1:]
		if err := os.RemoveAll(filepath.Join(r.opts.SnapshotDir, victim)); err != nil {
			return fmt.Errorf("maintenance: prune %s: %w", victim, err)
		}
		r.logger.Info("old snapshot pruned", "dir", victim)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
