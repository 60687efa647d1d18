package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPredictProba(t *testing.T) {
	t.Parallel()

	var gotReq Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		probs := make([][]float64, len(gotReq.Instances))
		for i := range probs {
			probs[i] = []float64{0.2, 0.3, 0.5}
		}
		_ = json.NewEncoder(w).Encode(Response{Probabilities: probs})
	}))
	defer srv.Close()

	c := New(srv.URL, "priority-rf", time.Second)
	out, err := c.PredictProba(context.Background(), [][]float64{{1, 2}, {3, 4}})
	if err != nil {
		t.Fatalf("PredictProba: %v", err)
	}
	if gotReq.Model != "priority-rf" {
		t.Errorf("model = %q, want priority-rf", gotReq.Model)
	}
	if len(gotReq.Instances) != 2 || gotReq.Instances[1][0] != 3 {
		t.Errorf("instances = %v", gotReq.Instances)
	}
	if len(out) != 2 || out[0][2] != 0.5 {
		t.Errorf("out = %v", out)
	}
}

func TestPredictProba_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model warming up", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "m", time.Second).PredictProba(context.Background(), [][]float64{{1}})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("err = %v, want 503 error", err)
	}
}

func TestPredictProba_RowCountMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"probabilities":[[0.1,0.9]]}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "m", time.Second).PredictProba(context.Background(), [][]float64{{1}, {2}})
	if err == nil || !strings.Contains(err.Error(), "1 rows for 2") {
		t.Errorf("err = %v, want row count error", err)
	}
}

func TestPredictProba_BadJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "m", time.Second).PredictProba(context.Background(), [][]float64{{1}})
	if err == nil || !strings.Contains(err.Error(), "unmarshal") {
		t.Errorf("err = %v, want unmarshal error", err)
	}
}

func TestPredictProba_ContextCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"probabilities":[[1]]}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(srv.URL, "m", time.Second).PredictProba(ctx, [][]float64{{1}}); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestNew_DefaultTimeout(t *testing.T) {
	t.Parallel()

	c := New("http://localhost", "m", 0)
	if c.httpClient.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, DefaultTimeout)
	}
}
