package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"fablecast/internal/config"
	"fablecast/internal/types"
)

// RetentionBatchLimit bounds how many terminal jobs one retention pass
// archives, so a long backlog is worked off across passes instead of one
// unbounded sweep.
const RetentionBatchLimit = 500

// RetentionJobStore defines the job operations the retention sweep needs.
type RetentionJobStore interface {
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.Job, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// JobArchiver persists a batch of terminal jobs to cold storage before they
// are deleted.
type JobArchiver interface {
	ArchiveJobs(ctx context.Context, jobs []*types.Job, cutoff time.Time) error
}

// RetentionSweeper archives and deletes terminal jobs older than the
// retention age. Archive-then-delete ordering means a crash between the two
// steps duplicates archive entries but never loses rows.
type RetentionSweeper struct {
	jobs     RetentionJobStore
	archiver JobArchiver
	logger   *slog.Logger
	cfg      config.WorkerConfig
}

// NewRetentionSweeper creates a RetentionSweeper. archiver may be nil to
// delete without archiving.
func NewRetentionSweeper(jobs RetentionJobStore, archiver JobArchiver, logger *slog.Logger, cfg config.WorkerConfig) *RetentionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionSweeper{
		jobs:     jobs,
		archiver: archiver,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run performs one retention pass and returns the number of rows deleted.
// With an archiver each batch is archived and then deleted by id before the
// next batch is listed, so the list query never sees the same rows twice.
func (s *RetentionSweeper) Run(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.RetentionAge)

	var deleted int64
	if s.archiver != nil {
		for {
			batch, err := s.jobs.ListTerminalBefore(ctx, cutoff, RetentionBatchLimit)
			if err != nil {
				return int(deleted), fmt.Errorf("listing terminal jobs for archive: %w", err)
			}
			if len(batch) == 0 {
				break
			}
			if err := s.archiver.ArchiveJobs(ctx, batch, cutoff); err != nil {
				// Do not delete what we failed to archive.
				return int(deleted), fmt.Errorf("archiving terminal jobs: %w", err)
			}

			ids := make([]string, len(batch))
			for i, job := range batch {
				ids[i] = job.ID
			}
			n, err := s.jobs.DeleteByIDs(ctx, ids)
			if err != nil {
				return int(deleted), fmt.Errorf("deleting archived jobs: %w", err)
			}
			deleted += n
			if n == 0 {
				// Nothing matched; without progress the next list would return
				// the same rows again.
				break
			}
			if len(batch) < RetentionBatchLimit {
				break
			}
		}
	} else {
		n, err := s.jobs.DeleteTerminalBefore(ctx, cutoff)
		if err != nil {
			return 0, fmt.Errorf("deleting terminal jobs: %w", err)
		}
		deleted = n
	}

	if deleted > 0 {
		s.logger.InfoContext(ctx, "retention sweep complete",
			"deleted", deleted,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return int(deleted), nil
}

// GzipFileArchiver writes archived jobs as gzip-compressed JSON Lines files
// under a base directory, one file per retention pass.
type GzipFileArchiver struct {
	baseDir string
}

var _ JobArchiver = (*GzipFileArchiver)(nil)

// NewGzipFileArchiver creates an archiver rooted at baseDir, creating the
// directory if needed.
func NewGzipFileArchiver(baseDir string) (*GzipFileArchiver, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	return &GzipFileArchiver{baseDir: baseDir}, nil
}

// ArchiveJobs writes the batch as a timestamped .jsonl.gz file. The write
// goes to a temp file first and is renamed into place so a crash never
// leaves a truncated archive behind.
func (a *GzipFileArchiver) ArchiveJobs(ctx context.Context, jobs []*types.Job, cutoff time.Time) error {
	if len(jobs) == 0 {
		return nil
	}

	name := fmt.Sprintf("jobs-%s-%d.jsonl.gz", cutoff.UTC().Format("20060102"), time.Now().UnixNano())
	finalPath := filepath.Join(a.baseDir, name)
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}
	defer os.Remove(tmpPath)

	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			f.Close()
			return err
		}
		if err := enc.Encode(job); err != nil {
			f.Close()
			return fmt.Errorf("encoding job %s: %w", job.ID, err)
		}
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finalizing gzip stream: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing archive file: %w", err)
	}

	return os.Rename(tmpPath, finalPath)
}
