package triage

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/linnemanlabs/edrtriage/internal/record"
)

func ptr[T any](v T) *T { return &v }

func TestAnalyze_RanksAndRecordsStats(t *testing.T) {
	t.Parallel()

	records := make([]record.Record, 10)
	for i := range records {
		records[i] = alertRecord(0.1, 0.2, "")
	}
	records[3] = alertRecord(0.9, 0.85, "Dev Team")
	records[7] = alertRecord(0.6, 0.55, "Accounting")

	env := newTestEnv(testModels(), ServiceHooks{})
	report, err := env.svc.Analyze(context.Background(), record.NewBatch(records))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if report.TotalProcessed != 10 || report.ThreatsDetected != 2 {
		t.Fatalf("processed=%d threats=%d, want 10 and 2", report.TotalProcessed, report.ThreatsDetected)
	}
	if report.AnalysisID == "" || report.ModelVersion != "binary@test+priority@test" {
		t.Errorf("id=%q version=%q", report.AnalysisID, report.ModelVersion)
	}

	r0, r1 := report.FilteredResults[0], report.FilteredResults[1]
	if r0.ID != 3 || r0.Group != CategoryDeveloper || r0.PriorityScore != 1.0 || r0.FinalPriority != BucketHigh {
		t.Errorf("first = id %d group %q score %v bucket %q", r0.ID, r0.Group, r0.PriorityScore, r0.FinalPriority)
	}
	if r1.ID != 7 || r1.Group != CategoryUser || math.Abs(r1.PriorityScore-0.55) > 1e-12 || r1.FinalPriority != BucketMedium {
		t.Errorf("second = id %d group %q score %v bucket %q", r1.ID, r1.Group, r1.PriorityScore, r1.FinalPriority)
	}
	if want := (BucketCounts{High: 1, Medium: 1}); report.PriorityBreakdown != want {
		t.Errorf("breakdown = %+v, want %+v", report.PriorityBreakdown, want)
	}

	st := env.svc.Stats()
	if st.TotalAnalyses != 1 || st.TotalAlertsProcessed != 10 || st.TotalThreatsDetected != 2 {
		t.Errorf("stats = %+v", st.Stats)
	}
	if st.PriorityBreakdown != (BucketCounts{High: 1, Medium: 1}) {
		t.Errorf("stats breakdown = %+v", st.PriorityBreakdown)
	}
	if st.DetectionRate != 20 || st.AverageThreatsPerAnalysis != 2 {
		t.Errorf("rates = %v / %v, want 20 and 2", st.DetectionRate, st.AverageThreatsPerAnalysis)
	}
	if st.LastAnalysisDate == nil {
		t.Error("LastAnalysisDate not set")
	}
	if env.store.saveCount(StatsKey) != 2 {
		t.Errorf("stats saves = %d, want init + 1", env.store.saveCount(StatsKey))
	}
}

func TestAnalyze_ZeroThreats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testModels(), ServiceHooks{})
	batch := record.NewBatch([]record.Record{alertRecord(0.1, 0.9, "CEO"), alertRecord(0.2, 0.9, "")})

	report, err := env.svc.Analyze(context.Background(), batch)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if report.ThreatsDetected != 0 || len(report.FilteredResults) != 0 || report.FilteredResults == nil {
		t.Errorf("report = %+v, want empty results", report)
	}

	st := env.svc.Stats()
	if st.TotalAnalyses != 1 || st.TotalAlertsProcessed != 2 || st.TotalThreatsDetected != 0 {
		t.Errorf("stats = %+v", st.Stats)
	}
}

func TestAnalyze_MissingFields(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testModels(), ServiceHooks{})
	report, err := env.svc.Analyze(context.Background(), record.NewBatch([]record.Record{alertRecord(0.9, 0.9, "")}))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if slices.Contains(report.MissingFields, "hostname") || slices.Contains(report.MissingFields, "process_name") {
		t.Errorf("present fields reported missing: %v", report.MissingFields)
	}
	if !slices.Contains(report.MissingFields, "cmdline") {
		t.Errorf("cmdline not reported missing: %v", report.MissingFields)
	}
}

func TestAnalyze_RejectsWithoutSideEffects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		full  bool
		batch record.Batch
		want  error
	}{
		{"empty batch", true, record.NewBatch(nil), ErrInput},
		{"models not loaded", false, record.NewBatch([]record.Record{alertRecord(0.9, 0.9, "")}), ErrModelUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			models := testModels()
			if !tt.full {
				models = nil
			}
			var outcome string
			env := newTestEnv(models, ServiceHooks{OnAnalysis: func(e *AnalysisEvent) { outcome = e.Outcome }})

			_, err := env.svc.Analyze(context.Background(), tt.batch)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if st := env.svc.Stats(); st.TotalAnalyses != 0 {
				t.Errorf("TotalAnalyses = %d, want 0", st.TotalAnalyses)
			}
			if env.store.saveCount(StatsKey) != 1 {
				t.Errorf("stats persisted after rejected analysis")
			}
			if outcome == "" || outcome == OutcomeSuccess {
				t.Errorf("outcome = %q", outcome)
			}
		})
	}
}

func TestAnalyze_PersistFailureLeavesStats(t *testing.T) {
	t.Parallel()

	var outcome string
	env := newTestEnv(testModels(), ServiceHooks{OnAnalysis: func(e *AnalysisEvent) { outcome = e.Outcome }})
	before := env.store.doc(StatsKey)
	env.store.setSaveErr(errors.New("disk full"))

	_, err := env.svc.Analyze(context.Background(), record.NewBatch([]record.Record{alertRecord(0.9, 0.9, "")}))
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("err = %v, want ErrPersist", err)
	}
	if outcome != OutcomePersist {
		t.Errorf("outcome = %q, want %q", outcome, OutcomePersist)
	}
	if st := env.svc.Stats(); st.TotalAnalyses != 0 || st.TotalAlertsProcessed != 0 {
		t.Errorf("in-memory stats advanced after failed persist: %+v", st.Stats)
	}
	if env.store.doc(StatsKey) != before {
		t.Error("persisted stats changed")
	}
}

func TestAnalyze_ConcurrentCallsKeepInvariant(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testModels(), ServiceHooks{})
	f := gofakeit.New(99)

	const n = 25
	batches := make([]record.Batch, n)
	wantAlerts := int64(0)
	for i := range batches {
		records := make([]record.Record, f.Number(1, 30))
		for j := range records {
			records[j] = alertRecord(f.Float64Range(0, 1), f.Float64Range(0, 1), "Dev Team")
		}
		batches[i] = record.NewBatch(records)
		wantAlerts += int64(len(records))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	threats := int64(0)
	for _, b := range batches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := env.svc.Analyze(context.Background(), b)
			if err != nil {
				t.Errorf("Analyze: %v", err)
				return
			}
			mu.Lock()
			threats += int64(report.ThreatsDetected)
			mu.Unlock()
		}()
	}
	wg.Wait()

	st := env.svc.Stats()
	if st.TotalAnalyses != n {
		t.Errorf("TotalAnalyses = %d, want %d", st.TotalAnalyses, n)
	}
	if st.TotalAlertsProcessed != wantAlerts {
		t.Errorf("TotalAlertsProcessed = %d, want %d", st.TotalAlertsProcessed, wantAlerts)
	}
	if st.TotalThreatsDetected != threats {
		t.Errorf("TotalThreatsDetected = %d, want %d", st.TotalThreatsDetected, threats)
	}
	if st.PriorityBreakdown.Total() != st.TotalThreatsDetected {
		t.Errorf("breakdown total %d != threats %d", st.PriorityBreakdown.Total(), st.TotalThreatsDetected)
	}
}

func TestConfigUpdates_ReplaceVersusMerge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testModels(), ServiceHooks{})
	ctx := context.Background()

	// settings merge: untouched fields keep their values
	s, err := env.svc.UpdateAnalysisSettings(ctx, SettingsPatch{BinaryThreshold: ptr(0.7)})
	if err != nil {
		t.Fatalf("UpdateAnalysisSettings: %v", err)
	}
	want := DefaultSettings()
	want.BinaryThreshold = 0.7
	if s != want {
		t.Errorf("settings = %+v, want %+v", s, want)
	}

	// multiplier replace: unlisted categories fall back to 1.0
	view, err := env.svc.ReplacePriorityRules(ctx, []PriorityRule{{Group: "Executive", Multiplier: 3}})
	if err != nil {
		t.Fatalf("ReplacePriorityRules: %v", err)
	}
	if len(view.GroupMultipliers) != 1 || view.GroupMultipliers[CategoryExecutive] != 3 {
		t.Errorf("GroupMultipliers = %v", view.GroupMultipliers)
	}
	if view.EffectiveMultipliers[CategoryDeveloper] != 1.0 || view.EffectiveMultipliers[CategoryContractor] != 1.0 {
		t.Errorf("EffectiveMultipliers = %v", view.EffectiveMultipliers)
	}
	if len(view.PriorityRules) != 1 || view.PriorityRules[0].Description == "" {
		t.Errorf("PriorityRules = %+v", view.PriorityRules)
	}
	if view.AnalysisSettings != want {
		t.Errorf("replace disturbed settings: %+v", view.AnalysisSettings)
	}

	// replacing with nothing empties the table
	view, err = env.svc.ReplacePriorityRules(ctx, nil)
	if err != nil {
		t.Fatalf("ReplacePriorityRules(nil): %v", err)
	}
	if len(view.GroupMultipliers) != 0 {
		t.Errorf("GroupMultipliers = %v, want empty", view.GroupMultipliers)
	}

	report, err := env.svc.Analyze(ctx, record.NewBatch([]record.Record{alertRecord(0.9, 0.6, "CEO")}))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if r := report.FilteredResults[0]; r.GroupMultiplier != 1.0 || r.PriorityScore != 0.6 {
		t.Errorf("result = mult %v score %v, want 1.0 and 0.6", r.GroupMultiplier, r.PriorityScore)
	}
}

func TestReplacePriorityRules_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rules []PriorityRule
	}{
		{"unknown group", []PriorityRule{{Group: "interns", Multiplier: 1}}},
		{"duplicate", []PriorityRule{{Group: "user", Multiplier: 1}, {Group: "USER", Multiplier: 2}}},
		{"negative", []PriorityRule{{Group: "user", Multiplier: -1}}},
		{"nan", []PriorityRule{{Group: "user", Multiplier: math.NaN()}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(testModels(), ServiceHooks{})
			before := env.svc.Config()

			_, err := env.svc.ReplacePriorityRules(context.Background(), tt.rules)
			if !errors.Is(err, ErrInput) {
				t.Fatalf("err = %v, want ErrInput", err)
			}
			if after := env.svc.Config(); len(after.GroupMultipliers) != len(before.GroupMultipliers) {
				t.Error("table changed after rejected replace")
			}
		})
	}
}

func TestResetStats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testModels(), ServiceHooks{})
	ctx := context.Background()

	if _, err := env.svc.UpdateAnalysisSettings(ctx, SettingsPatch{EnableGroupModulation: ptr(false)}); err != nil {
		t.Fatalf("UpdateAnalysisSettings: %v", err)
	}
	if _, err := env.svc.Analyze(ctx, record.NewBatch([]record.Record{alertRecord(0.9, 0.9, "")})); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	snap, err := env.svc.ResetStats(ctx)
	if err != nil {
		t.Fatalf("ResetStats: %v", err)
	}
	if snap.TotalAnalyses != 0 || snap.TotalThreatsDetected != 0 || snap.LastAnalysisDate != nil {
		t.Errorf("snapshot = %+v, want zeroed", snap.Stats)
	}
	if snap.DetectionRate != 0 || snap.AverageThreatsPerAnalysis != 0 {
		t.Errorf("rates = %v / %v, want 0", snap.DetectionRate, snap.AverageThreatsPerAnalysis)
	}
	if env.svc.Config().AnalysisSettings.EnableGroupModulation {
		t.Error("reset touched configuration")
	}
}

func TestAnalyze_Notifies(t *testing.T) {
	t.Parallel()

	ok := &mockNotifier{name: "ok"}
	failing := &mockNotifier{name: "failing", err: errors.New("webhook down")}

	var mu sync.Mutex
	results := map[string]error{}
	env := newTestEnv(testModels(), ServiceHooks{
		OnNotify: func(n string, err error) {
			mu.Lock()
			defer mu.Unlock()
			results[n] = err
		},
	}, failing, ok)

	report, err := env.svc.Analyze(context.Background(), record.NewBatch([]record.Record{alertRecord(0.9, 0.9, "CEO")}))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if !waitFor(func() bool { return ok.count() == 1 && failing.count() == 1 }) {
		t.Fatalf("notifiers not called: ok=%d failing=%d", ok.count(), failing.count())
	}
	if got := ok.reports[0]; got.AnalysisID != report.AnalysisID {
		t.Errorf("notified report %q, want %q", got.AnalysisID, report.AnalysisID)
	}
	waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if results["failing"] == nil || results["ok"] != nil {
		t.Errorf("notify outcomes = %v", results)
	}
}

func TestConfig_ModelInfo(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testModels(), ServiceHooks{})
	view := env.svc.Config()
	if !view.ModelInfo.Loaded || view.ModelInfo.BinaryModel.Name != "binary" || view.ModelInfo.PriorityModel.Name != "priority" {
		t.Errorf("ModelInfo = %+v", view.ModelInfo)
	}
	if len(view.ExpectedFields) == 0 || len(view.EffectiveMultipliers) != len(Categories) {
		t.Errorf("view = %+v", view)
	}

	env = newTestEnv(nil, ServiceHooks{})
	if env.svc.Config().ModelInfo.Loaded {
		t.Error("ModelInfo.Loaded = true without models")
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(testModels(), ServiceHooks{})
	if h := env.svc.Health(); h.Status != "healthy" || !h.ModelsLoaded || !h.ConfigLoaded || !h.StatsLoaded {
		t.Errorf("Health = %+v", h)
	}

	env = newTestEnv(nil, ServiceHooks{})
	if h := env.svc.Health(); h.Status != "degraded" || h.ModelsLoaded {
		t.Errorf("Health without models = %+v", h)
	}

	st := newMockStateStore()
	svc := NewService(NewPipeline(testModels(), PipelineHooks{}),
		NewConfigStore(st, nil, StateHooks{}), NewStatsAggregator(st, nil, StateHooks{}, nil), nil, ServiceHooks{})
	if h := svc.Health(); h.Status != "degraded" || h.ConfigLoaded {
		t.Errorf("Health before load = %+v", h)
	}
}

func TestNewService_PanicsOnNil(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	NewService(nil, nil, nil, nil, ServiceHooks{})
}
