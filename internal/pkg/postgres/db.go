package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/persistence"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB provides operations with postgresql
type DB struct {
	pool *pgxpool.Pool
}

// NewDB creates DB instance
func NewDB(pool *pgxpool.Pool) (*DB, error) {
	res := &DB{pool: pool}
	return res, nil
}

// InsertContent inserts new content item into DB
func (db *DB) InsertContent(ctx context.Context, item *persistence.ContentItem) error {
	rows, err := db.pool.Query(ctx, `INSERT INTO content(id, owner_id, kind, status, email, source_name, lang, created)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8)`, item.ID, item.OwnerID, item.Kind, item.Status,
		item.Email, item.SourceName, item.Lang, item.Created,
	)
	if err != nil {
		return fmt.Errorf("can't insert content: %w", err)
	}
	defer rows.Close()
	return nil
}

const contentFields = `id, owner_id, kind, status, external_job_ref, analysis_attempt,
	last_error, error_code, email, source_name, lang, transcript_ready, created, version`

// LoadContent loads content item from DB, nil if not found
func (db *DB) LoadContent(ctx context.Context, id string) (*persistence.ContentItem, error) {
	return db.loadContent(ctx, `SELECT `+contentFields+` FROM content WHERE id = $1`, id)
}

// LoadContentByJobRef correlates an external transcription job to its item, nil if unknown
func (db *DB) LoadContentByJobRef(ctx context.Context, jobRef string) (*persistence.ContentItem, error) {
	return db.loadContent(ctx, `SELECT `+contentFields+` FROM content WHERE external_job_ref = $1`, jobRef)
}

func (db *DB) loadContent(ctx context.Context, sql, prm string) (*persistence.ContentItem, error) {
	var res persistence.ContentItem
	err := db.pool.QueryRow(ctx, sql, prm).Scan(&res.ID, &res.OwnerID, &res.Kind, &res.Status,
		&res.ExternalJobRef, &res.AnalysisAttempt, &res.LastError, &res.ErrorCode,
		&res.Email, &res.SourceName, &res.Lang, &res.TranscriptReady, &res.Created, &res.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("can't load content: %w", err)
	}
	return &res, nil
}

// UpdateContent updates mutable content fields guarded by the version column
func (db *DB) UpdateContent(ctx context.Context, item *persistence.ContentItem) error {
	rows, err := db.pool.Exec(ctx, `UPDATE content SET
	status = $3,
	external_job_ref = $4,
	analysis_attempt = $5,
	last_error = $6,
	error_code = $7,
	transcript_ready = $8,
	updated = $9,
	version = $2 + 1
	WHERE id = $1 and version = $2`, item.ID, item.Version, item.Status,
		item.ExternalJobRef, item.AnalysisAttempt, item.LastError, item.ErrorCode,
		item.TranscriptReady, time.Now())
	if err != nil {
		return fmt.Errorf("can't update content: %w", err)
	}
	if rows.RowsAffected() != 1 {
		return fmt.Errorf("can't update content, no records found")
	}
	item.Version++
	return nil
}

// UpsertAnalysisResult saves a stage outcome
func (db *DB) UpsertAnalysisResult(ctx context.Context, item *persistence.AnalysisResult) error {
	rows, err := db.pool.Query(ctx, `INSERT INTO analysis_results(content_id, stage, status, payload, raw_digest, error, updated)
	VALUES($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (content_id, stage) DO UPDATE SET status = $3, payload = $4, raw_digest = $5, error = $6, updated = $7`,
		item.ContentID, item.Stage, item.Status, item.Payload, item.RawDigest, item.Error, time.Now())
	if err != nil {
		return fmt.Errorf("can't upsert analysis result: %w", err)
	}
	defer rows.Close()
	return nil
}

// LoadAnalysisResults loads all stage rows for an item
func (db *DB) LoadAnalysisResults(ctx context.Context, contentID string) ([]*persistence.AnalysisResult, error) {
	rows, err := db.pool.Query(ctx, `SELECT content_id, stage, status, payload, raw_digest, error, updated
	FROM analysis_results WHERE content_id = $1 ORDER BY stage`, contentID)
	if err != nil {
		return nil, fmt.Errorf("can't load analysis results: %w", err)
	}
	defer rows.Close()
	var res []*persistence.AnalysisResult
	for rows.Next() {
		var r persistence.AnalysisResult
		if err := rows.Scan(&r.ContentID, &r.Stage, &r.Status, &r.Payload, &r.RawDigest, &r.Error, &r.Updated); err != nil {
			return nil, fmt.Errorf("can't scan analysis result: %w", err)
		}
		res = append(res, &r)
	}
	return res, rows.Err()
}

// EnsureQuota makes sure the period counter row exists with the owner's plan limit
func (db *DB) EnsureQuota(ctx context.Context, ownerID, feature, period string, limit int) error {
	rows, err := db.pool.Query(ctx, `INSERT INTO quota(owner_id, feature, period, used, limit_amount)
	VALUES($1, $2, $3, 0, $4) ON CONFLICT (owner_id, feature, period) DO NOTHING`,
		ownerID, feature, period, limit)
	if err != nil {
		return fmt.Errorf("can't ensure quota: %w", err)
	}
	defer rows.Close()
	return nil
}

// TryIncrementQuota does the conditional increment in one statement,
// concurrent callers can never push used past limit_amount
func (db *DB) TryIncrementQuota(ctx context.Context, ownerID, feature, period string) (bool, error) {
	rows, err := db.pool.Exec(ctx, `UPDATE quota SET used = used + 1
	WHERE owner_id = $1 AND feature = $2 AND period = $3 AND used < limit_amount`,
		ownerID, feature, period)
	if err != nil {
		return false, fmt.Errorf("can't increment quota: %w", err)
	}
	return rows.RowsAffected() == 1, nil
}

// LoadQuota loads the counter, nil if no row yet
func (db *DB) LoadQuota(ctx context.Context, ownerID, feature, period string) (*persistence.QuotaCounter, error) {
	var res persistence.QuotaCounter
	err := db.pool.QueryRow(ctx, `SELECT owner_id, feature, period, used, limit_amount FROM quota
		WHERE owner_id = $1 AND feature = $2 AND period = $3`, ownerID, feature, period).
		Scan(&res.OwnerID, &res.Feature, &res.Period, &res.Used, &res.Limit)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("can't load quota: %w", err)
	}
	return &res, nil
}

// LoadPlanLimit returns the owner's plan limit for a feature
func (db *DB) LoadPlanLimit(ctx context.Context, ownerID, feature string) (int, error) {
	var res int
	err := db.pool.QueryRow(ctx, `SELECT limit_amount FROM plans
		WHERE owner_id = $1 AND feature = $2`, ownerID, feature).Scan(&res)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, fmt.Errorf("no plan for owner %s", ownerID)
		}
		return 0, fmt.Errorf("can't load plan: %w", err)
	}
	return res, nil
}

// LockEmailTable marks email as being sent for (id, type)
func (db *DB) LockEmailTable(ctx context.Context, id, informType string) error {
	rows, err := db.pool.Exec(ctx, `INSERT INTO email_lock(id, inform_type, status) VALUES($1, $2, 1)
	ON CONFLICT (id, inform_type) DO NOTHING`, id, informType)
	if err != nil {
		return fmt.Errorf("can't lock email table: %w", err)
	}
	if rows.RowsAffected() != 1 {
		return fmt.Errorf("can't lock email table, already locked")
	}
	return nil
}

// UnLockEmailTable marks email sending outcome for (id, type)
func (db *DB) UnLockEmailTable(ctx context.Context, id, informType string, value *int) error {
	rows, err := db.pool.Exec(ctx, `UPDATE email_lock SET status = $3 WHERE id = $1 AND inform_type = $2`,
		id, informType, *value)
	if err != nil {
		return fmt.Errorf("can't unlock email table: %w", err)
	}
	if rows.RowsAffected() != 1 {
		return fmt.Errorf("can't unlock email table, no records found")
	}
	return nil
}

// Live returns no error if db is reachable and initialized
func (db *DB) Live(ctx context.Context) error {
	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT FROM pg_tables WHERE tablename = 'gue_jobs')`).Scan(&exists); err != nil {
		return fmt.Errorf("can't check table: %w", err)
	}
	if !exists {
		return fmt.Errorf("no migration done")
	}
	return nil
}
