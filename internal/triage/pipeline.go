package triage

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/edrtriage/internal/features"
	"github.com/linnemanlabs/edrtriage/internal/model"
	"github.com/linnemanlabs/edrtriage/internal/record"
)

var tracer = otel.Tracer("github.com/linnemanlabs/edrtriage/internal/triage")

// Fallback distribution values for prioritizers that do not emit three
// classes. These are fixed policy values kept for compatibility with the
// deployed models, not estimates.
const (
	TwoClassMedium    = 0.5
	EmptyHigh         = 0.5
	SingleClassMedium = 0.3
	SingleClassLow    = 0.2
)

// PipelineHooks are optional callbacks for pipeline instrumentation.
type PipelineHooks struct {
	OnStage func(stage string, duration float64, err error)
}

// Pipeline runs detection, prioritization, modulation and ranking against
// an immutable model set. Safe for concurrent use.
type Pipeline struct {
	models *model.Set
	hooks  PipelineHooks
}

// NewPipeline creates a pipeline. A nil model set yields a pipeline that
// refuses to run with ErrModelUnavailable.
func NewPipeline(models *model.Set, hooks PipelineHooks) *Pipeline {
	return &Pipeline{models: models, hooks: hooks}
}

// Ready reports whether both models are loaded.
func (p *Pipeline) Ready() bool {
	return p != nil && p.models != nil && p.models.Detector != nil && p.models.Prioritizer != nil
}

// Models returns the loaded model set, or nil.
func (p *Pipeline) Models() *model.Set {
	if p == nil {
		return nil
	}
	return p.models
}

func (p *Pipeline) observe(stage string, start time.Time, err error) {
	if p.hooks.OnStage != nil {
		p.hooks.OnStage(stage, time.Since(start).Seconds(), err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Detect scores records with the detector and returns the rows whose threat
// probability is at least threshold, in row order.
func (p *Pipeline) Detect(ctx context.Context, records []record.Record, threshold float64) (dets []Detection, err error) {
	if !p.Ready() {
		return nil, ErrModelUnavailable
	}
	ctx, span := tracer.Start(ctx, "triage.Detect", trace.WithAttributes(
		attribute.Int("triage.rows", len(records)),
		attribute.Float64("triage.binary_threshold", threshold),
	))
	defer func() {
		span.SetAttributes(attribute.Int("triage.detections", len(dets)))
		endSpan(span, err)
	}()

	start := time.Now()
	x, err := features.Align(records, p.models.Detector.Schema)
	p.observe(StageDetectAlign, start, err)
	if err != nil {
		return nil, stageErr(StageDetectAlign, ErrAlignment, err)
	}

	start = time.Now()
	probs, err := p.models.Detector.Scorer.PredictProba(ctx, x)
	if err == nil {
		err = checkDistributions(probs, len(x), 2, 2)
	}
	p.observe(StageDetect, start, err)
	if err != nil {
		return nil, stageErr(StageDetect, ErrScoring, err)
	}

	dets = []Detection{}
	for i, row := range probs {
		if row[1] >= threshold {
			dets = append(dets, Detection{Index: i, Probability: row[1]})
		}
	}
	return dets, nil
}

// Prioritize scores the detected records with the prioritizer and returns
// one normalized distribution per record.
func (p *Pipeline) Prioritize(ctx context.Context, records []record.Record) (out []Priority, err error) {
	if !p.Ready() {
		return nil, ErrModelUnavailable
	}
	pri := p.models.Prioritizer
	ctx, span := tracer.Start(ctx, "triage.Prioritize", trace.WithAttributes(
		attribute.Int("triage.rows", len(records)),
		attribute.String("triage.priority_shape", pri.Shape.String()),
	))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	x, err := features.Align(records, pri.Schema)
	p.observe(StagePriorityAlign, start, err)
	if err != nil {
		return nil, stageErr(StagePriorityAlign, ErrAlignment, err)
	}

	start = time.Now()
	probs, err := pri.Scorer.PredictProba(ctx, x)
	if err == nil {
		minCols, maxCols := shapeWidth(pri.Shape)
		err = checkDistributions(probs, len(x), minCols, maxCols)
	}
	p.observe(StagePriority, start, err)
	if err != nil {
		return nil, stageErr(StagePriority, ErrScoring, err)
	}

	out = make([]Priority, len(probs))
	for i, row := range probs {
		out[i] = NormalizePriority(pri.Shape, row)
	}
	return out, nil
}

func shapeWidth(s model.Shape) (int, int) {
	switch s {
	case model.ShapeThreeClass:
		return 3, 3
	case model.ShapeTwoClass:
		return 2, 2
	default:
		return 0, 1
	}
}

// checkDistributions validates scorer output: one row per input, each row
// within [minCols, maxCols] entries of finite probabilities in [0,1].
func checkDistributions(probs [][]float64, rows, minCols, maxCols int) error {
	if len(probs) != rows {
		return fmt.Errorf("scorer returned %d rows for %d inputs", len(probs), rows)
	}
	for i, row := range probs {
		if len(row) < minCols || len(row) > maxCols {
			return fmt.Errorf("row %d has %d classes, want %d..%d", i, len(row), minCols, maxCols)
		}
		for j, v := range row {
			if math.IsNaN(v) || v < 0 || v > 1 {
				return fmt.Errorf("row %d class %d probability %v out of range", i, j, v)
			}
		}
	}
	return nil
}

// NormalizePriority maps a prioritizer distribution of the given shape onto
// (low, medium, high).
func NormalizePriority(shape model.Shape, dist []float64) Priority {
	switch shape {
	case model.ShapeThreeClass:
		return Priority{Low: dist[0], Medium: dist[1], High: dist[2]}
	case model.ShapeTwoClass:
		return Priority{Low: dist[0], Medium: TwoClassMedium, High: dist[1]}
	default:
		high := EmptyHigh
		if len(dist) > 0 {
			high = dist[0]
		}
		return Priority{Low: SingleClassLow, Medium: SingleClassMedium, High: high}
	}
}

// Modulate applies the category multiplier to a base score. With
// modulation disabled the base score passes through and the reported
// multiplier is 1.0.
func Modulate(base float64, cat Category, cfg Config) (multiplier, final float64) {
	if !cfg.AnalysisSettings.EnableGroupModulation {
		return 1.0, base
	}
	multiplier = cfg.GroupMultipliers.Get(cat)
	return multiplier, math.Min(1.0, base*multiplier)
}

// BucketFor maps a final score to a bucket. Boundary values belong to the
// higher bucket.
func BucketFor(score float64, s Settings) Bucket {
	switch {
	case score >= s.HighPriorityThreshold:
		return BucketHigh
	case score >= s.MediumPriorityThreshold:
		return BucketMedium
	default:
		return BucketLow
	}
}

// Rank sorts results by final score descending. Equal scores keep their
// existing order.
func Rank(results []Result) {
	slices.SortStableFunc(results, func(a, b Result) int {
		switch {
		case a.PriorityScore > b.PriorityScore:
			return -1
		case a.PriorityScore < b.PriorityScore:
			return 1
		default:
			return 0
		}
	})
}

// Run executes every stage over records with a single config snapshot and
// returns the ranked results.
func (p *Pipeline) Run(ctx context.Context, records []record.Record, cfg Config, now time.Time) ([]Result, error) {
	dets, err := p.Detect(ctx, records, cfg.AnalysisSettings.BinaryThreshold)
	if err != nil {
		return nil, err
	}
	if len(dets) == 0 {
		return []Result{}, nil
	}

	subset := make([]record.Record, len(dets))
	for i, d := range dets {
		subset[i] = records[d.Index]
	}

	prios, err := p.Prioritize(ctx, subset)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(dets))
	for i, d := range dets {
		results[i] = buildResult(records[d.Index], d, prios[i], cfg, now)
	}
	Rank(results)
	return results, nil
}

func buildResult(rec record.Record, d Detection, pr Priority, cfg Config, now time.Time) Result {
	cat := NormalizeGroup(rec.String("group", ""))
	mult, final := Modulate(pr.High, cat, cfg)

	ts := rec.String("timestamp", "")
	if ts == "" {
		ts = now.Format(time.RFC3339)
	}

	return Result{
		ID:                    d.Index,
		Group:                 cat,
		Hostname:              rec.String("hostname", "Unknown"),
		Username:              rec.String("username", "Unknown"),
		ProcessName:           rec.String("process_name", "Unknown"),
		Path:                  rec.String("path", "Unknown"),
		AlertSeverity:         rec.String("alert_severity", "medium"),
		Confidence:            d.Probability,
		BasePriority:          pr.High,
		GroupMultiplier:       mult,
		PriorityScore:         final,
		FinalPriority:         BucketFor(final, cfg.AnalysisSettings),
		PriorityProbabilities: pr,
		ChildprocCount:        rec.Int("childproc_count"),
		NetconnCount:          rec.Int("netconn_count"),
		FilemodCount:          rec.Int("filemod_count"),
		Timestamp:             ts,
		Cmdline:               rec.String("cmdline", ""),
		ParentName:            rec.String("parent_name", "Unknown"),
		SensorID:              rec.Int("sensor_id"),
		ProcessPID:            rec.Int("process_pid"),
		ParentPID:             rec.Int("parent_pid"),
	}
}
