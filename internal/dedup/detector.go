package dedup

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/pkg/fingerprint"
)

const (
	// DefaultThreshold is the minimum confidence for a reported candidate.
	DefaultThreshold = 80
	// DefaultCandidateLimit caps the records fetched per search strategy.
	DefaultCandidateLimit = 50
)

// CandidateFinder is the record source searched for duplicates. Reads need
// no locking; merges re-validate under row locks.
type CandidateFinder interface {
	// FindCandidates returns non-duplicate records matching q, excluding
	// q.ExcludeID.
	FindCandidates(ctx context.Context, q model.CandidateQuery) ([]model.Record, error)
	// NotDuplicateIDs returns ids an operator marked as not duplicates of id.
	NotDuplicateIDs(ctx context.Context, id int64) ([]int64, error)
}

// Candidate is a scored potential duplicate.
type Candidate struct {
	Record     model.Record `json:"record"`
	Confidence int          `json:"confidence"`
	Reason     string       `json:"reason"`
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold sets the minimum reported confidence.
func WithThreshold(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.threshold = n
		}
	}
}

// WithCandidateLimit caps the records fetched per strategy.
func WithCandidateLimit(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.limit = n
		}
	}
}

// Detector runs every search strategy for an anchor record and scores the
// union of what they return.
type Detector struct {
	finder    CandidateFinder
	threshold int
	limit     int
}

// NewDetector creates a detector over finder.
func NewDetector(finder CandidateFinder, opts ...Option) *Detector {
	d := &Detector{
		finder:    finder,
		threshold: DefaultThreshold,
		limit:     DefaultCandidateLimit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Threshold returns the minimum reported confidence.
func (d *Detector) Threshold() int { return d.threshold }

// FindDuplicates returns candidates at or above the threshold, highest
// confidence first (ties by id). A record already flagged as a duplicate is
// never used as an anchor.
func (d *Detector) FindDuplicates(ctx context.Context, rec *model.Record) ([]Candidate, error) {
	if rec.IsDuplicate {
		return nil, nil
	}

	queries := d.queries(rec)
	if len(queries) == 0 {
		return nil, nil
	}

	var (
		mu    sync.Mutex
		found = make(map[int64]model.Record)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queries {
		g.Go(func() error {
			recs, err := d.finder.FindCandidates(gctx, q)
			if err != nil {
				return eris.Wrapf(err, "dedup: %s search for record %d", q.Strategy, rec.ID)
			}
			mu.Lock()
			for _, r := range recs {
				found[r.ID] = r
			}
			mu.Unlock()
			return nil
		})
	}
	var excluded []int64
	g.Go(func() error {
		ids, err := d.finder.NotDuplicateIDs(gctx, rec.ID)
		if err != nil {
			return eris.Wrapf(err, "dedup: not-duplicate pairs for record %d", rec.ID)
		}
		excluded = ids
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	skip := make(map[int64]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}

	out := make([]Candidate, 0, len(found))
	for id, cand := range found {
		if cand.IsDuplicate || id == rec.ID || skip[id] {
			continue
		}
		score, reasons := Score(rec, &cand)
		if score < d.threshold {
			continue
		}
		out = append(out, Candidate{
			Record:     cand,
			Confidence: score,
			Reason:     strings.Join(reasons, ", "),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Record.ID < out[j].Record.ID
	})

	zap.L().Debug("dedup: candidates scored",
		zap.Int64("record_id", rec.ID),
		zap.Int("fetched", len(found)),
		zap.Int("reported", len(out)),
	)
	return out, nil
}

func (d *Detector) queries(rec *model.Record) []model.CandidateQuery {
	base := model.CandidateQuery{ExcludeID: rec.ID, Limit: d.limit}
	var qs []model.CandidateQuery

	if phone := formattedPhone(rec); phone != "" {
		q := base
		q.Strategy, q.Value = model.MatchExactPhone, phone
		qs = append(qs, q)
	}
	if fp := phoneKey(rec); fp != "" {
		q := base
		q.Strategy, q.Value = model.MatchPhoneFingerprint, fp
		qs = append(qs, q)
	}
	if email := normEmail(rec.Email); email != "" {
		q := base
		q.Strategy, q.Value, q.AltValue = model.MatchEmail, email, fingerprint.Email(email)
		qs = append(qs, q)
	}
	if name := nameKey(rec); name != "" {
		q := base
		q.Value = name
		if rec.IsBusiness {
			if city := strings.TrimSpace(rec.City); city != "" {
				q.Strategy, q.City = model.MatchBusinessName, city
				qs = append(qs, q)
			}
		} else {
			q.Strategy = model.MatchPersonName
			qs = append(qs, q)
		}
	}
	return qs
}
