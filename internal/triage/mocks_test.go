package triage

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/edrtriage/internal/model"
	"github.com/linnemanlabs/edrtriage/internal/record"
)

// mockStateStore implements StateStore for testing.
type mockStateStore struct {
	mu      sync.Mutex
	docs    map[string][]byte
	saves   map[string]int
	loadErr error
	saveErr error
}

func newMockStateStore() *mockStateStore {
	return &mockStateStore{
		docs:  make(map[string][]byte),
		saves: make(map[string]int),
	}
}

func (m *mockStateStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, false, m.loadErr
	}
	doc, ok := m.docs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), doc...), true, nil
}

func (m *mockStateStore) Save(_ context.Context, key string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.docs[key] = append([]byte(nil), doc...)
	m.saves[key]++
	return nil
}

func (m *mockStateStore) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *mockStateStore) doc(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.docs[key])
}

func (m *mockStateStore) saveCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[key]
}

// mockNotifier records reports it receives.
type mockNotifier struct {
	mu      sync.Mutex
	name    string
	err     error
	reports []*Report
}

func (m *mockNotifier) Name() string { return m.name }

func (m *mockNotifier) Send(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return m.err
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

func identitySchema(features ...string) *model.Schema {
	mean := make([]float64, len(features))
	scale := make([]float64, len(features))
	for i := range scale {
		scale[i] = 1
	}
	return &model.Schema{Features: features, Scaler: &model.Scaler{Mean: mean, Scale: scale}}
}

// detectorFromColumn scores each row's "threat" column as its threat
// probability.
func detectorFromColumn() *model.Model {
	return &model.Model{
		Name:    "binary",
		Version: "test",
		Schema:  identitySchema("threat"),
		Classes: 2,
		Shape:   model.ShapeTwoClass,
		Scorer: model.ScorerFunc(func(_ context.Context, x [][]float64) ([][]float64, error) {
			out := make([][]float64, len(x))
			for i, row := range x {
				out[i] = []float64{1 - row[0], row[0]}
			}
			return out, nil
		}),
	}
}

// prioritizerFromColumns echoes the "low", "medium", "high" columns.
func prioritizerFromColumns() *model.Model {
	return &model.Model{
		Name:    "priority",
		Version: "test",
		Schema:  identitySchema("low", "medium", "high"),
		Classes: 3,
		Shape:   model.ShapeThreeClass,
		Scorer: model.ScorerFunc(func(_ context.Context, x [][]float64) ([][]float64, error) {
			out := make([][]float64, len(x))
			for i, row := range x {
				out[i] = append([]float64(nil), row...)
			}
			return out, nil
		}),
	}
}

func testModels() *model.Set {
	return &model.Set{Detector: detectorFromColumn(), Prioritizer: prioritizerFromColumns()}
}

// alertRecord builds a record the column-driven test models understand.
func alertRecord(threat, high float64, group string) record.Record {
	r := record.Record{
		"threat":          threat,
		"low":             (1 - high) / 2,
		"medium":          (1 - high) / 2,
		"high":            high,
		"hostname":        "ws-01",
		"process_name":    "powershell.exe",
		"childproc_count": 4.0,
	}
	if group != "" {
		r["group"] = group
	}
	return r
}

type testEnv struct {
	store *mockStateStore
	cfg   *ConfigStore
	stats *StatsAggregator
	svc   *Service
}

func newTestEnv(models *model.Set, hooks ServiceHooks, notifiers ...Notifier) *testEnv {
	st := newMockStateStore()
	cfg := NewConfigStore(st, nil, StateHooks{})
	stats := NewStatsAggregator(st, nil, StateHooks{}, nil)
	if err := cfg.Load(context.Background()); err != nil {
		panic(err)
	}
	if err := stats.Load(context.Background()); err != nil {
		panic(err)
	}
	return &testEnv{
		store: st,
		cfg:   cfg,
		stats: stats,
		svc:   NewService(NewPipeline(models, PipelineHooks{}), cfg, stats, nil, hooks, notifiers...),
	}
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
