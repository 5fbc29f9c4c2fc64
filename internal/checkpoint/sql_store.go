package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"helixgate/internal/database"
	"helixgate/internal/models"
)

// SQLStore keeps checkpoints in a MySQL or SQLite table. Save is a single
// conditional INSERT ... SELECT that only succeeds for the immediate
// successor; the primary key rejects racing duplicates.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates a SQL-backed checkpoint store. db.Initialize must have
// created the checkpoints table.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) insertStmt() string {
	from := ""
	if s.db.Dialect == database.DialectMySQL {
		from = " FROM DUAL"
	}
	return `INSERT INTO checkpoints (job_id, step_index, state_snapshot, created_at)
		SELECT ?, ?, ?, ?` + from + `
		WHERE (SELECT COALESCE(MAX(step_index), -1) FROM checkpoints WHERE job_id = ?) + 1 = ?`
}

func (s *SQLStore) Save(ctx context.Context, jobID string, stepIndex int, snapshot []byte) error {
	if snapshot == nil {
		snapshot = []byte{}
	}

	res, err := s.db.ExecContext(ctx, s.insertStmt(),
		jobID, stepIndex, snapshot, time.Now().UTC().UnixMicro(),
		jobID, stepIndex,
	)
	if err != nil {
		if isDuplicate(err) {
			return outOfOrder(jobID, stepIndex, stepIndex)
		}
		return fmt.Errorf("failed to save checkpoint %d for job %s: %w", stepIndex, jobID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm checkpoint insert: %w", err)
	}
	if n == 0 {
		latest, lerr := s.Latest(ctx, jobID)
		if lerr != nil {
			return lerr
		}
		return outOfOrder(jobID, stepIndex, latest)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, jobID string, stepIndex *int) (*models.Checkpoint, error) {
	var row *sql.Row
	if stepIndex == nil {
		row = s.db.QueryRowContext(ctx,
			`SELECT job_id, step_index, state_snapshot, created_at FROM checkpoints
			 WHERE job_id = ? ORDER BY step_index DESC LIMIT 1`, jobID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT job_id, step_index, state_snapshot, created_at FROM checkpoints
			 WHERE job_id = ? AND step_index = ?`, jobID, *stepIndex)
	}

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(jobID, stepIndex)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for job %s: %w", jobID, err)
	}
	return cp, nil
}

func (s *SQLStore) List(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, step_index, state_snapshot, created_at FROM checkpoints
		 WHERE job_id = ? ORDER BY step_index ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

func (s *SQLStore) Latest(ctx context.Context, jobID string) (int, error) {
	var latest int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_index), -1) FROM checkpoints WHERE job_id = ?`, jobID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest checkpoint for job %s: %w", jobID, err)
	}
	return latest, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(sc scanner) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	var createdMicros int64
	if err := sc.Scan(&cp.JobID, &cp.StepIndex, &cp.StateSnapshot, &createdMicros); err != nil {
		return nil, err
	}
	cp.CreatedAt = time.UnixMicro(createdMicros).UTC()
	return &cp, nil
}

// isDuplicate matches primary key violations from both drivers
func isDuplicate(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY")
}
