// Package store persists commit records and repository configuration in
// Postgres. Every mutation is a single-row compare-and-set keyed by sha, so
// concurrent stage invocations coordinate through the database without any
// broader transaction or lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"code-review-service/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Stage selects which pending records FindPending returns.
type Stage int

const (
	// StageUnanalyzed matches records with no analysis yet.
	StageUnanalyzed Stage = iota
	// StageUnpushed matches analyzed records not yet delivered.
	StageUnpushed
)

// Store is the pgx-backed implementation of the persistence collaborator.
type Store struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store on top of an established connection pool.
func New(db *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const commitColumns = `sha, author_name, author_email, commit_message, commit_timestamp,
	code_diff, html_url, analysis_suggestion, pushed, created_at, updated_at`

// UpsertRaw inserts the record or, if the sha already exists, fills only the
// columns that are currently NULL or empty. Fetched fields are immutable
// once set; replaying a fetch never changes them.
func (s *Store) UpsertRaw(ctx context.Context, rec model.CommitRecord) (bool, error) {
	var created bool
	err := s.db.QueryRow(ctx, `
		INSERT INTO commit_records (sha, author_name, author_email, commit_message, commit_timestamp, code_diff, html_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sha) DO UPDATE SET
			author_name      = CASE WHEN commit_records.author_name      = '' THEN EXCLUDED.author_name      ELSE commit_records.author_name      END,
			author_email     = CASE WHEN commit_records.author_email    = '' THEN EXCLUDED.author_email     ELSE commit_records.author_email     END,
			commit_message   = CASE WHEN commit_records.commit_message  = '' THEN EXCLUDED.commit_message   ELSE commit_records.commit_message   END,
			code_diff        = CASE WHEN commit_records.code_diff       = '' THEN EXCLUDED.code_diff        ELSE commit_records.code_diff        END,
			html_url         = CASE WHEN commit_records.html_url        = '' THEN EXCLUDED.html_url         ELSE commit_records.html_url         END,
			updated_at       = now()
		RETURNING (xmax = 0)`,
		rec.SHA, rec.AuthorName, rec.AuthorEmail, rec.CommitMessage, rec.CommitTimestamp, rec.CodeDiff, rec.HTMLURL,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upserting commit %s: %w", rec.SHA, err)
	}
	return created, nil
}

// FindPending returns records eligible for the given stage, oldest commit
// first. The ordering is total (sha tiebreak) so repeated sweeps walk the
// backlog deterministically.
func (s *Store) FindPending(ctx context.Context, stage Stage, limit int) ([]model.CommitRecord, error) {
	var predicate string
	switch stage {
	case StageUnanalyzed:
		predicate = "analysis_suggestion IS NULL"
	case StageUnpushed:
		predicate = "analysis_suggestion IS NOT NULL AND NOT pushed"
	default:
		return nil, fmt.Errorf("store: unknown stage %d", stage)
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM commit_records
		WHERE %s
		ORDER BY commit_timestamp ASC, sha ASC
		LIMIT $1`, commitColumns, predicate), limit)
	if err != nil {
		return nil, fmt.Errorf("finding pending commits: %w", err)
	}
	defer rows.Close()

	return scanCommits(rows)
}

// SetAnalysis stores the suggestion only if none exists yet. A false return
// means a concurrent writer got there first; callers treat that as a
// successful no-op.
func (s *Store) SetAnalysis(ctx context.Context, sha, suggestion string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE commit_records
		SET analysis_suggestion = $2, updated_at = now()
		WHERE sha = $1 AND analysis_suggestion IS NULL`,
		sha, suggestion)
	if err != nil {
		return false, fmt.Errorf("setting analysis for %s: %w", sha, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPushed flips pushed false -> true. A false return means the record was
// already pushed.
func (s *Store) MarkPushed(ctx context.Context, sha string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE commit_records
		SET pushed = TRUE, updated_at = now()
		WHERE sha = $1 AND NOT pushed`,
		sha)
	if err != nil {
		return false, fmt.Errorf("marking %s pushed: %w", sha, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetCommit returns a single record by sha.
func (s *Store) GetCommit(ctx context.Context, sha string) (model.CommitRecord, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM commit_records WHERE sha = $1`, commitColumns), sha)
	if err != nil {
		return model.CommitRecord{}, fmt.Errorf("getting commit %s: %w", sha, err)
	}
	defer rows.Close()

	recs, err := scanCommits(rows)
	if err != nil {
		return model.CommitRecord{}, err
	}
	if len(recs) == 0 {
		return model.CommitRecord{}, ErrNotFound
	}
	return recs[0], nil
}

// ListCommits returns records newest first for the audit endpoints.
func (s *Store) ListCommits(ctx context.Context, limit, offset int) ([]model.CommitRecord, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM commit_records
		ORDER BY commit_timestamp DESC, sha ASC
		LIMIT $1 OFFSET $2`, commitColumns), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing commits: %w", err)
	}
	defer rows.Close()

	return scanCommits(rows)
}

// GetRepositoryConfig looks up the enabled configuration row for a
// repository. Disabled rows are treated as absent.
func (s *Store) GetRepositoryConfig(ctx context.Context, owner, name string) (model.RepositoryConfig, error) {
	var rc model.RepositoryConfig
	err := s.db.QueryRow(ctx, `
		SELECT id, owner, name, webhook_secret, source_token, enabled,
		       notification_webhook_url, prompt_template, created_at, updated_at
		FROM repository_configs
		WHERE lower(owner) = lower($1) AND lower(name) = lower($2) AND enabled`,
		owner, name,
	).Scan(&rc.ID, &rc.Owner, &rc.Name, &rc.WebhookSecret, &rc.SourceToken, &rc.Enabled,
		&rc.NotificationWebhookURL, &rc.PromptTemplate, &rc.CreatedAt, &rc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RepositoryConfig{}, ErrNotFound
	}
	if err != nil {
		return model.RepositoryConfig{}, fmt.Errorf("getting repository config %s/%s: %w", owner, name, err)
	}
	return rc, nil
}

func scanCommits(rows pgx.Rows) ([]model.CommitRecord, error) {
	var recs []model.CommitRecord
	for rows.Next() {
		var rec model.CommitRecord
		if err := rows.Scan(&rec.SHA, &rec.AuthorName, &rec.AuthorEmail, &rec.CommitMessage,
			&rec.CommitTimestamp, &rec.CodeDiff, &rec.HTMLURL, &rec.AnalysisSuggestion,
			&rec.Pushed, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning commit record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading commit records: %w", err)
	}
	return recs, nil
}
