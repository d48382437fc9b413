// Package backfill copies capture log lines into the Postgres mirror, for
// lines persisted while the mirror was disabled or unreachable.
package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/anychat/internal/capturelog"
)

const defaultBatchSize = 200

// Mirror receives log entries. store.Store implements it.
type Mirror interface {
	Mirror(ctx context.Context, entries []capturelog.Entry) error
}

// Config holds the backfill configuration.
type Config struct {
	LogPath   string
	StatePath string
	BatchSize int
	DryRun    bool
}

// Result summarises one run.
type Result struct {
	Scanned  int
	Mirrored int
	Batches  int
}

// Runner orchestrates the backfill process.
type Runner struct {
	cfg    Config
	mirror Mirror
	logger *slog.Logger
}

// NewRunner creates a backfill runner.
func NewRunner(cfg Config, m Mirror, logger *slog.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Runner{cfg: cfg, mirror: m, logger: logger}
}

// Run mirrors every log line past the saved offset. State is saved after
// each batch, so an interrupted run resumes without re-sending. A dry run
// counts lines without mirroring or saving state.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	state, err := LoadState(r.cfg.StatePath)
	if err != nil {
		return Result{}, fmt.Errorf("load state: %w", err)
	}

	res, total, err := r.pass(ctx, state)
	if err != nil {
		return res, err
	}
	if total < state.LinesProcessed {
		r.logger.Warn("capture log shorter than backfill offset, restarting",
			"lines", total, "offset", state.LinesProcessed)
		state.Restart()
		res, _, err = r.pass(ctx, state)
		if err != nil {
			return res, err
		}
	}

	r.logger.Info("backfill complete",
		"scanned", res.Scanned,
		"mirrored", res.Mirrored,
		"batches", res.Batches,
		"dry_run", r.cfg.DryRun,
	)
	return res, nil
}

func (r *Runner) pass(ctx context.Context, state *State) (Result, int, error) {
	var res Result
	var batch []capturelog.Entry
	var flushErr error
	offset := state.LinesProcessed
	line := 0

	flush := func() {
		if len(batch) == 0 || flushErr != nil {
			return
		}
		if r.cfg.DryRun {
			res.Mirrored += len(batch)
			res.Batches++
			batch = batch[:0]
			return
		}
		if err := r.mirror.Mirror(ctx, batch); err != nil {
			state.AddError(fmt.Sprintf("mirror lines %d-%d: %v", state.LinesProcessed, state.LinesProcessed+len(batch), err))
			_ = state.Save()
			flushErr = fmt.Errorf("mirror batch: %w", err)
			return
		}
		res.Mirrored += len(batch)
		res.Batches++
		state.LinesProcessed += len(batch)
		state.LinesMirrored += len(batch)
		if err := state.Save(); err != nil {
			r.logger.Warn("failed to save backfill state", "error", err)
		}
		batch = batch[:0]
	}

	total, err := capturelog.Replay(r.cfg.LogPath, func(e capturelog.Entry) {
		line++
		if line <= offset || flushErr != nil || ctx.Err() != nil {
			return
		}
		res.Scanned++
		batch = append(batch, e)
		if len(batch) >= r.cfg.BatchSize {
			flush()
		}
	})
	if err != nil {
		return res, total, fmt.Errorf("replay log: %w", err)
	}
	if ctx.Err() != nil {
		r.logger.Info("backfill interrupted", "offset", state.LinesProcessed)
		return res, total, ctx.Err()
	}
	flush()
	if flushErr != nil {
		return res, total, flushErr
	}
	return res, total, nil
}
