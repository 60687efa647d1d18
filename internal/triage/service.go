package triage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/edrtriage/internal/record"
)

// Analysis outcomes reported through ServiceHooks.
const (
	OutcomeSuccess          = "success"
	OutcomeInput            = "input"
	OutcomeModelUnavailable = "model_unavailable"
	OutcomeAlignment        = "alignment"
	OutcomeScoring          = "scoring"
	OutcomePersist          = "persist"
	OutcomeError            = "error"
)

// Notifier receives completed analysis reports. Send is called from a
// background goroutine; failures never affect the analysis.
type Notifier interface {
	Name() string
	Send(ctx context.Context, report *Report) error
}

// AnalysisEvent is passed to ServiceHooks.OnAnalysis once per Analyze call.
type AnalysisEvent struct {
	Outcome  string
	Duration float64
	Records  int
	Threats  int
	Buckets  BucketCounts
}

// ServiceHooks are optional callbacks for service instrumentation.
type ServiceHooks struct {
	OnAnalysis func(e *AnalysisEvent)
	OnNotify   func(notifier string, err error)
}

// Service is the business boundary for triage operations.
type Service struct {
	pipeline  *Pipeline
	config    *ConfigStore
	stats     *StatsAggregator
	logger    log.Logger
	hooks     ServiceHooks
	notifiers []Notifier
	now       func() time.Time
}

// NewService creates a new triage service.
func NewService(p *Pipeline, config *ConfigStore, stats *StatsAggregator, logger log.Logger, hooks ServiceHooks, notifiers ...Notifier) *Service {
	if p == nil {
		panic(xerrors.New("triage.NewService: nil Pipeline"))
	}
	if config == nil || stats == nil {
		panic(xerrors.New("triage.NewService: nil state"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		pipeline:  p,
		config:    config,
		stats:     stats,
		logger:    logger,
		hooks:     hooks,
		notifiers: notifiers,
		now:       time.Now,
	}
}

// Analyze runs the full pipeline over batch with one config snapshot and
// records the analysis in the lifetime stats.
func (s *Service) Analyze(ctx context.Context, batch record.Batch) (report *Report, err error) {
	start := s.now()
	ev := &AnalysisEvent{Records: batch.Len()}
	defer func() {
		ev.Outcome = outcomeOf(err)
		ev.Duration = time.Since(start).Seconds()
		if s.hooks.OnAnalysis != nil {
			s.hooks.OnAnalysis(ev)
		}
	}()

	if batch.Len() == 0 {
		return nil, inputErr("batch contains no records")
	}
	if !s.pipeline.Ready() {
		return nil, ErrModelUnavailable
	}

	cfg := s.config.Current()
	id := ulid.Make().String()
	L := s.logger.With("analysis_id", id)

	ctx, span := tracer.Start(ctx, "triage.Analyze", trace.WithAttributes(
		attribute.String("triage.analysis_id", id),
		attribute.Int("triage.records", batch.Len()),
	))
	defer func() { endSpan(span, err) }()

	results, err := s.pipeline.Run(ctx, batch.Records, cfg, start)
	if err != nil {
		var se *StageError
		stage := ""
		if errors.As(err, &se) {
			stage = se.Stage
		}
		L.Error(ctx, err, "analysis failed", "stage", stage, "records", batch.Len())
		return nil, err
	}

	var buckets BucketCounts
	for i := range results {
		buckets.Add(results[i].FinalPriority)
	}

	if err := s.stats.RecordAnalysis(ctx, batch.Len(), len(results), buckets); err != nil {
		L.Error(ctx, err, "failed to record analysis stats", "stage", StageStats)
		return nil, fmt.Errorf("record stats: %w", err)
	}

	elapsed := time.Since(start)
	report = &Report{
		AnalysisID:        id,
		TotalProcessed:    batch.Len(),
		ThreatsDetected:   len(results),
		FilteredResults:   results,
		PriorityBreakdown: buckets,
		MissingFields:     record.MissingFields(batch.Columns),
		ProcessingTime:    fmt.Sprintf("%.2fs", elapsed.Seconds()),
		ModelVersion:      s.pipeline.Models().Version(),
		CreatedAt:         start.UTC(),
	}
	ev.Threats = len(results)
	ev.Buckets = buckets
	span.SetAttributes(attribute.Int("triage.threats", len(results)))

	L.Info(ctx, "analysis complete",
		"records", report.TotalProcessed,
		"threats", report.ThreatsDetected,
		"high", buckets.High,
		"medium", buckets.Medium,
		"low", buckets.Low,
		"missing_fields", len(report.MissingFields),
		"duration", elapsed.Seconds(),
	)

	if len(s.notifiers) > 0 {
		go s.notify(context.WithoutCancel(ctx), report)
	}

	return report, nil
}

func (s *Service) notify(ctx context.Context, report *Report) {
	L := s.logger.With("analysis_id", report.AnalysisID)
	for _, n := range s.notifiers {
		err := n.Send(ctx, report)
		if s.hooks.OnNotify != nil {
			s.hooks.OnNotify(n.Name(), err)
		}
		if err != nil {
			L.Error(ctx, err, "notification failed", "notifier", n.Name())
		}
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrInput):
		return OutcomeInput
	case errors.Is(err, ErrModelUnavailable):
		return OutcomeModelUnavailable
	case errors.Is(err, ErrAlignment):
		return OutcomeAlignment
	case errors.Is(err, ErrScoring):
		return OutcomeScoring
	case errors.Is(err, ErrPersist):
		return OutcomePersist
	default:
		return OutcomeError
	}
}

// Config returns the reporting view of the current configuration.
func (s *Service) Config() ConfigView {
	cfg := s.config.Current()

	effective := make(Multipliers, len(Categories))
	rules := []PriorityRule{}
	for _, c := range Categories {
		effective[c] = cfg.GroupMultipliers.Get(c)
		if v, ok := cfg.GroupMultipliers[c]; ok {
			rules = append(rules, PriorityRule{Group: string(c), Multiplier: v, Description: c.Description()})
		}
	}

	view := ConfigView{
		GroupMultipliers:     cfg.GroupMultipliers,
		EffectiveMultipliers: effective,
		PriorityRules:        rules,
		AnalysisSettings:     cfg.AnalysisSettings,
		ExpectedFields:       record.ExpectedFields(),
	}
	if models := s.pipeline.Models(); s.pipeline.Ready() {
		view.ModelInfo = ModelInfo{
			Loaded:        true,
			Version:       models.Version(),
			BinaryModel:   models.Detector.Info(),
			PriorityModel: models.Prioritizer.Info(),
		}
	}
	return view
}

// ReplacePriorityRules replaces the whole multiplier table with rules.
// Categories not listed fall back to 1.0.
func (s *Service) ReplacePriorityRules(ctx context.Context, rules []PriorityRule) (ConfigView, error) {
	table := make(Multipliers, len(rules))
	for _, r := range rules {
		cat, ok := ParseCategory(r.Group)
		if !ok {
			return ConfigView{}, inputErr("unknown group %q", r.Group)
		}
		if _, dup := table[cat]; dup {
			return ConfigView{}, inputErr("group %q listed more than once", cat)
		}
		if math.IsNaN(r.Multiplier) || math.IsInf(r.Multiplier, 0) || r.Multiplier < 0 {
			return ConfigView{}, inputErr("multiplier for %q must be a non-negative number", cat)
		}
		table[cat] = r.Multiplier
	}

	if err := s.config.ReplaceGroupMultipliers(ctx, table); err != nil {
		return ConfigView{}, err
	}
	s.logger.Info(ctx, "priority rules replaced", "rules", len(table))
	return s.Config(), nil
}

// UpdateAnalysisSettings merges patch into the current settings.
func (s *Service) UpdateAnalysisSettings(ctx context.Context, patch SettingsPatch) (Settings, error) {
	out, err := s.config.MergeAnalysisSettings(ctx, patch)
	if err != nil {
		return Settings{}, err
	}
	s.logger.Info(ctx, "analysis settings updated",
		"binary_threshold", out.BinaryThreshold,
		"high_threshold", out.HighPriorityThreshold,
		"medium_threshold", out.MediumPriorityThreshold,
		"modulation", out.EnableGroupModulation,
	)
	return out, nil
}

// Stats returns the lifetime counters.
func (s *Service) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// ResetStats zeroes the lifetime counters. Configuration is untouched.
func (s *Service) ResetStats(ctx context.Context) (StatsSnapshot, error) {
	snap, err := s.stats.Reset(ctx)
	if err != nil {
		return StatsSnapshot{}, err
	}
	s.logger.Info(ctx, "stats reset")
	return snap, nil
}

// Health reports readiness of models and state.
func (s *Service) Health() Health {
	h := Health{
		ModelsLoaded: s.pipeline.Ready(),
		ConfigLoaded: s.config.Loaded(),
		StatsLoaded:  s.stats.Loaded(),
		Timestamp:    s.now().UTC(),
	}
	h.Status = "healthy"
	if !h.ModelsLoaded || !h.ConfigLoaded || !h.StatsLoaded {
		h.Status = "degraded"
	}
	return h
}
