package pgstore_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/linnemanlabs/edrtriage/internal/postgres"
	"github.com/linnemanlabs/edrtriage/internal/triage"
	"github.com/linnemanlabs/edrtriage/internal/triage/pgstore"
)

var _ triage.StateStore = (*pgstore.Store)(nil)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("EDRTRIAGE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("EDRTRIAGE_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// testKey isolates each test's rows from earlier runs.
func testKey(t *testing.T) string {
	return fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
}

func TestSaveAndLoad(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	key := testKey(t)

	if err := s.Save(ctx, key, []byte(`{"totalAnalyses": 3, "priorityBreakdown": {"high": 1}}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := s.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("Load returned ok=false, want true")
	}

	// jsonb normalizes whitespace and key order, so compare decoded values
	var doc struct {
		TotalAnalyses     int            `json:"totalAnalyses"`
		PriorityBreakdown map[string]int `json:"priorityBreakdown"`
	}
	if err := json.Unmarshal(got, &doc); err != nil {
		t.Fatalf("decode %s: %v", got, err)
	}
	if doc.TotalAnalyses != 3 || doc.PriorityBreakdown["high"] != 1 {
		t.Errorf("doc = %+v", doc)
	}
}

func TestLoadMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Load(context.Background(), testKey(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing key")
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	key := testKey(t)

	for i := range 3 {
		if err := s.Save(ctx, key, []byte(fmt.Sprintf(`{"n": %d}`, i))); err != nil {
			t.Fatalf("Save #%d: %v", i, err)
		}
	}

	got, _, err := s.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var doc map[string]int
	if err := json.Unmarshal(got, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["n"] != 2 {
		t.Errorf("n = %d, want 2", doc["n"])
	}
}

func TestSaveRejectsInvalidJSON(t *testing.T) {
	s := openStore(t)

	if err := s.Save(context.Background(), testKey(t), []byte(`{not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestPing(t *testing.T) {
	s := openStore(t)

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
