package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/persistence"
	"github.com/VetSecItPro/clarus-app-sub007/internal/pkg/utils"
	"github.com/airenas/go-app/pkg/goapp"
)

// DB provides quota persistence, increment must be atomic in the store
type DB interface {
	EnsureQuota(ctx context.Context, ownerID, feature, period string, limit int) error
	TryIncrementQuota(ctx context.Context, ownerID, feature, period string) (bool, error)
	LoadQuota(ctx context.Context, ownerID, feature, period string) (*persistence.QuotaCounter, error)
	LoadPlanLimit(ctx context.Context, ownerID, feature string) (int, error)
}

// Ledger tracks per owner, per feature, per period usage
type Ledger struct {
	db  DB
	now func() time.Time
}

// Result is the outcome of a consume attempt.
// A store failure is returned as error, never mapped to Allowed or Denied.
type Result struct {
	Allowed   bool
	Used      int
	Limit     int
	Remaining int
}

// NewLedger creates Ledger instance
func NewLedger(db DB) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("no db")
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// TryConsume durably takes one usage unit before any paid work starts.
// Under concurrent callers for the same key the count never passes the limit,
// the store does the check and increment in a single conditional statement.
func (l *Ledger) TryConsume(ctx context.Context, ownerID, feature string) (*Result, error) {
	period := utils.PeriodKey(l.now())
	limit, err := l.db.LoadPlanLimit(ctx, ownerID, feature)
	if err != nil {
		return nil, fmt.Errorf("can't get plan limit: %w", err)
	}
	if err := l.db.EnsureQuota(ctx, ownerID, feature, period, limit); err != nil {
		return nil, fmt.Errorf("can't init counter: %w", err)
	}
	ok, err := l.db.TryIncrementQuota(ctx, ownerID, feature, period)
	if err != nil {
		return nil, fmt.Errorf("can't consume: %w", err)
	}
	counter, err := l.db.LoadQuota(ctx, ownerID, feature, period)
	if err != nil {
		goapp.Log.Warn().Err(err).Msg("can't load counter after increment")
	}
	res := &Result{Allowed: ok, Limit: limit}
	if counter != nil {
		res.Used = counter.Used
		res.Limit = counter.Limit
		res.Remaining = counter.Limit - counter.Used
	}
	goapp.Log.Info().Str("owner", ownerID).Str("feature", feature).Str("period", period).
		Bool("allowed", ok).Int("used", res.Used).Int("limit", res.Limit).Msg("quota")
	return res, nil
}
