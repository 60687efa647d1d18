package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// StatsAggregator owns the lifetime analysis counters. Updates are
// serialized and persisted before they become visible.
type StatsAggregator struct {
	mu     sync.Mutex
	store  StateStore
	logger log.Logger
	hooks  StateHooks
	now    func() time.Time
	cur    atomic.Pointer[Stats]
	loaded atomic.Bool
}

// NewStatsAggregator creates an aggregator backed by st. now defaults to
// time.Now when nil.
func NewStatsAggregator(st StateStore, logger log.Logger, hooks StateHooks, now func() time.Time) *StatsAggregator {
	if st == nil {
		panic(xerrors.New("triage.NewStatsAggregator: nil StateStore"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if now == nil {
		now = time.Now
	}
	a := &StatsAggregator{store: st, logger: logger, hooks: hooks, now: now}
	fresh := Stats{CreatedAt: now().UTC()}
	a.cur.Store(&fresh)
	return a
}

// Loaded reports whether Load has completed successfully.
func (a *StatsAggregator) Loaded() bool { return a.loaded.Load() }

// Load reads persisted counters, merging them over zero values. When
// nothing is persisted a fresh document is written. A corrupt document is
// logged and left in place while fresh counters are used.
func (a *StatsAggregator) Load(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	raw, ok, err := a.store.Load(ctx, StatsKey)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}

	fresh := Stats{CreatedAt: a.now().UTC()}
	if !ok {
		if err := a.persist(ctx, fresh); err != nil {
			return err
		}
		a.cur.Store(&fresh)
		a.loaded.Store(true)
		a.logger.Info(ctx, "stats initialized")
		return nil
	}

	st := fresh
	if err := json.Unmarshal(raw, &st); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// well-formed document with a mistyped field; the rest still merged
			a.logger.Warn(ctx, "stats document field ignored", "field", typeErr.Field, "error", err)
		} else {
			a.logger.Warn(ctx, "corrupt stats document, using fresh counters", "error", err)
			st = fresh
		}
	}
	a.cur.Store(&st)
	a.loaded.Store(true)
	a.logger.Info(ctx, "stats loaded",
		"total_analyses", st.TotalAnalyses,
		"total_alerts", st.TotalAlertsProcessed,
	)
	return nil
}

// RecordAnalysis adds one analysis to the counters and persists them.
func (a *StatsAggregator) RecordAnalysis(ctx context.Context, processed, threats int, buckets BucketCounts) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := *a.cur.Load()
	now := a.now().UTC()
	next.TotalAnalyses++
	next.TotalAlertsProcessed += int64(processed)
	next.TotalThreatsDetected += int64(threats)
	next.PriorityBreakdown.High += buckets.High
	next.PriorityBreakdown.Medium += buckets.Medium
	next.PriorityBreakdown.Low += buckets.Low
	next.LastAnalysisDate = &now

	if err := a.persist(ctx, next); err != nil {
		return err
	}
	a.cur.Store(&next)
	return nil
}

// Reset zeroes every counter with a fresh creation time and persists.
func (a *StatsAggregator) Reset(ctx context.Context) (StatsSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fresh := Stats{CreatedAt: a.now().UTC()}
	if err := a.persist(ctx, fresh); err != nil {
		return StatsSnapshot{}, err
	}
	a.cur.Store(&fresh)
	return snapshotOf(fresh), nil
}

// Snapshot returns the counters plus derived rates.
func (a *StatsAggregator) Snapshot() StatsSnapshot {
	return snapshotOf(*a.cur.Load())
}

func snapshotOf(st Stats) StatsSnapshot {
	if st.LastAnalysisDate != nil {
		t := *st.LastAnalysisDate
		st.LastAnalysisDate = &t
	}
	return StatsSnapshot{
		Stats:                     st,
		DetectionRate:             round2(float64(st.TotalThreatsDetected) / float64(max(st.TotalAlertsProcessed, 1)) * 100),
		AverageThreatsPerAnalysis: round2(float64(st.TotalThreatsDetected) / float64(max(st.TotalAnalyses, 1))),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (a *StatsAggregator) persist(ctx context.Context, st Stats) error {
	start := time.Now()
	doc, err := json.Marshal(st)
	if err == nil {
		err = a.store.Save(ctx, StatsKey, doc)
	}
	if a.hooks.OnPersist != nil {
		a.hooks.OnPersist(StatsKey, time.Since(start).Seconds(), err)
	}
	if err != nil {
		return fmt.Errorf("%w: stats: %w", ErrPersist, err)
	}
	return nil
}
