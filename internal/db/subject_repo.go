package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"fablecast/internal/types"
)

// SubjectRepository reads the subject preference projection the scheduler
// sweeps over. The subjects table is owned by the account service; this
// subsystem writes back only last_completion_at and the credit debit.
type SubjectRepository struct {
	db DBTX
}

// NewSubjectRepository creates a new SubjectRepository backed by the given
// database connection (pool or transaction).
func NewSubjectRepository(db DBTX) *SubjectRepository {
	return &SubjectRepository{db: db}
}

const subjectColumns = `s.id, s.email, s.timezone, s.preferred_local_time,
	s.last_completion_at, s.credits_available, s.story_bible`

func scanSubject(row pgx.Row) (*types.SubjectPreference, error) {
	var p types.SubjectPreference
	var storyBible []byte

	err := row.Scan(
		&p.SubjectID,
		&p.Email,
		&p.Timezone,
		&p.PreferredLocalTime,
		&p.LastCompletionAt,
		&p.CreditsAvailable,
		&storyBible,
	)
	if err != nil {
		return nil, err
	}
	p.StoryBible = storyBible
	return &p, nil
}

// ListEligible returns subjects the eligibility sweep should consider:
// active, with credits, and with delivery preferences set. The per-subject
// window math happens in Go; this query only trims the scan to plausible
// candidates.
func (r *SubjectRepository) ListEligible(ctx context.Context) ([]*types.SubjectPreference, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subjectColumns+`
		 FROM subjects s
		 WHERE s.active
		   AND s.credits_available > 0
		   AND s.timezone IS NOT NULL
		   AND s.preferred_local_time IS NOT NULL
		 ORDER BY s.id`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list eligible subjects", err)
	}
	defer rows.Close()

	var subjects []*types.SubjectPreference
	for rows.Next() {
		p, scanErr := scanSubject(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subject row", scanErr)
		}
		subjects = append(subjects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subject rows", err)
	}

	return subjects, nil
}

// GetByID retrieves a subject's preference projection. Returns
// ErrCodeNotFoundSubject if absent.
func (r *SubjectRepository) GetByID(ctx context.Context, id string) (*types.SubjectPreference, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subjectColumns+` FROM subjects s WHERE s.id = $1`,
		id,
	)

	p, err := scanSubject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubject, "subject not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subject", err)
	}
	return p, nil
}

// DebitCredit atomically consumes one generation credit. Returns false when
// the subject has no credits left, so a race between two schedulers cannot
// drive the balance negative.
func (r *SubjectRepository) DebitCredit(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subjects
		 SET credits_available = credits_available - 1
		 WHERE id = $1 AND credits_available > 0`,
		id,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to debit subject credit", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RefundCredit returns one credit after a job fails permanently without
// producing a story.
func (r *SubjectRepository) RefundCredit(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subjects
		 SET credits_available = credits_available + 1
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to refund subject credit", err)
	}
	return nil
}

// RecordCompletion stamps the subject's last successful generation time.
func (r *SubjectRepository) RecordCompletion(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subjects SET last_completion_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record subject completion", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubject, "subject not found", nil)
	}
	return nil
}
