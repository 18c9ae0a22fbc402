package merge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/dedup"
	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/internal/store"
)

// mergedConfidence is stamped on a duplicate once it has been merged.
const mergedConfidence = 100

// Store is the persistence the coordinator needs.
type Store interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error
	MarkNotDuplicate(ctx context.Context, a, b int64) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMeterProvider records merge outcomes on mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Coordinator) { c.meterProvider = mp }
}

// Coordinator performs transactional, lock-ordered merges.
type Coordinator struct {
	store         Store
	meterProvider metric.MeterProvider
	outcomes      metric.Int64Counter
	nowFunc       func() time.Time
}

// NewCoordinator creates a coordinator over st.
func NewCoordinator(st Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   st,
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.meterProvider == nil {
		c.meterProvider = otel.GetMeterProvider()
	}
	meter := c.meterProvider.Meter("github.com/sells-group/lead-enrich/internal/merge")
	c.outcomes, _ = meter.Int64Counter("merge.outcomes",
		metric.WithDescription("Merge attempts by outcome"))
	return c
}

// Merge folds duplicateID into primaryID. It returns false without error
// when the ids are equal, when either record is missing, or when either is
// already a duplicate (a concurrent merge won). Any failure rolls back the
// whole merge and returns (false, err).
func (c *Coordinator) Merge(ctx context.Context, primaryID, duplicateID int64) (bool, error) {
	if primaryID == duplicateID {
		return false, nil
	}

	merged := false
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		first, second := primaryID, duplicateID
		if first > second {
			first, second = second, first
		}
		locked := make(map[int64]*model.Record, 2)
		for _, id := range []int64{first, second} {
			rec, err := tx.LockRecord(ctx, id)
			if err != nil {
				return eris.Wrapf(err, "merge: lock record %d", id)
			}
			locked[id] = rec
		}

		primary, dup := locked[primaryID], locked[duplicateID]
		switch {
		case primary == nil || dup == nil:
			zap.L().Debug("merge: record missing",
				zap.Int64("primary_id", primaryID), zap.Int64("duplicate_id", duplicateID))
			return nil
		case primary.IsDuplicate || dup.IsDuplicate:
			zap.L().Debug("merge: record already merged",
				zap.Int64("primary_id", primaryID), zap.Int64("duplicate_id", duplicateID))
			return nil
		}

		snapshot := dup.Attributes()
		Apply(primary, dup)
		primary.MergeHistory = append(primary.MergeHistory, model.MergeRecord{
			ID:          uuid.NewString(),
			MergedAt:    c.nowFunc().UTC(),
			DuplicateID: dup.ID,
			Snapshot:    snapshot,
		})
		primary.RefreshFingerprints()
		dup.MarkDuplicateOf(primary.ID, mergedConfidence)

		if err := tx.SaveRecord(ctx, primary); err != nil {
			return eris.Wrapf(err, "merge: save primary %d", primary.ID)
		}
		if err := tx.SaveRecord(ctx, dup); err != nil {
			return eris.Wrapf(err, "merge: save duplicate %d", dup.ID)
		}
		merged = true
		return nil
	})

	switch {
	case err != nil:
		c.record(ctx, "error")
		zap.L().Warn("merge: rolled back",
			zap.Int64("primary_id", primaryID),
			zap.Int64("duplicate_id", duplicateID),
			zap.Error(err),
		)
		return false, err
	case merged:
		c.record(ctx, "merged")
		zap.L().Info("merge: records merged",
			zap.Int64("primary_id", primaryID),
			zap.Int64("duplicate_id", duplicateID),
		)
	default:
		c.record(ctx, "skipped")
	}
	return merged, nil
}

// MarkNotDuplicate records that a and b were reviewed and are distinct.
func (c *Coordinator) MarkNotDuplicate(ctx context.Context, a, b int64) error {
	if err := c.store.MarkNotDuplicate(ctx, a, b); err != nil {
		return eris.Wrapf(err, "merge: mark %d/%d not duplicate", a, b)
	}
	zap.L().Info("merge: pair marked not duplicate", zap.Int64("a", a), zap.Int64("b", b))
	return nil
}

// AutoMerge merges every candidate at or above minConfidence into anchor and
// returns the ids that were merged. It stops at the first error.
func (c *Coordinator) AutoMerge(ctx context.Context, anchor *model.Record, candidates []dedup.Candidate, minConfidence int) ([]int64, error) {
	var merged []int64
	for _, cand := range candidates {
		if cand.Confidence < minConfidence {
			continue
		}
		ok, err := c.Merge(ctx, anchor.ID, cand.Record.ID)
		if err != nil {
			return merged, err
		}
		if ok {
			merged = append(merged, cand.Record.ID)
		}
	}
	return merged, nil
}

func (c *Coordinator) record(ctx context.Context, outcome string) {
	c.outcomes.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
