package postgres

import (
	"context"
	"fmt"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Cleaner removes all records related with a content ID
type Cleaner struct {
	pool *pgxpool.Pool
}

// NewCleaner creates Cleaner instance
func NewCleaner(pool *pgxpool.Pool) (*Cleaner, error) {
	res := &Cleaner{pool: pool}
	return res, nil
}

// Clean deletes content rows, stage results and email locks for the ID
func (db *Cleaner) Clean(ctx context.Context, id string) error {
	// content goes last, stage rows reference it
	for _, t := range []struct{ table, col string }{
		{"analysis_results", "content_id"}, {"email_lock", "id"}, {"content", "id"}} {
		cmd, err := db.pool.Exec(ctx, `DELETE FROM `+t.table+` WHERE `+t.col+` = $1`, id)
		if err != nil {
			return fmt.Errorf("can't delete %s(%s): %w", id, t.table, err)
		}
		goapp.Log.Info().Str("ID", id).Str("table", t.table).Int64("rows", cmd.RowsAffected()).Msg("deleted")
	}
	return nil
}
