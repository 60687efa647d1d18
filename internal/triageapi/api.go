// Package triageapi exposes the triage service over HTTP.
package triageapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/edrtriage/internal/authmw"
	"github.com/linnemanlabs/edrtriage/internal/record"
	"github.com/linnemanlabs/edrtriage/internal/triage"
)

// DefaultMaxUploadBytes bounds analyze request bodies when Options leaves it
// unset.
const DefaultMaxUploadBytes = 32 << 20

// TriageService defines the business operations triageapi needs.
type TriageService interface {
	Analyze(ctx context.Context, batch record.Batch) (*triage.Report, error)
	Config() triage.ConfigView
	ReplacePriorityRules(ctx context.Context, rules []triage.PriorityRule) (triage.ConfigView, error)
	UpdateAnalysisSettings(ctx context.Context, patch triage.SettingsPatch) (triage.Settings, error)
	Stats() triage.StatsSnapshot
	ResetStats(ctx context.Context) (triage.StatsSnapshot, error)
	Health() triage.Health
}

// Options tunes the HTTP surface.
type Options struct {
	// AnalyzeRate is the sustained analyze requests per second across all
	// clients. Zero disables limiting.
	AnalyzeRate  float64
	AnalyzeBurst int

	// MaxUploadBytes caps analyze bodies; 0 means DefaultMaxUploadBytes.
	MaxUploadBytes int64

	// APITokens guard config mutations and stats reset. Empty disables auth.
	APITokens []string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	svc       TriageService
	limiter   *rate.Limiter
	maxUpload int64
	admin     func(http.Handler) http.Handler
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService, opts Options) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	a := &API{
		logger:    logger,
		svc:       svc,
		maxUpload: opts.MaxUploadBytes,
		admin:     authmw.BearerToken(opts.APITokens...),
	}
	if a.maxUpload <= 0 {
		a.maxUpload = DefaultMaxUploadBytes
	}
	if opts.AnalyzeRate > 0 {
		burst := max(opts.AnalyzeBurst, 1)
		a.limiter = rate.NewLimiter(rate.Limit(opts.AnalyzeRate), burst)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.With(a.rateLimit).Post("/analyze", a.handleAnalyze)
		r.Get("/config", a.handleGetConfig)
		r.Get("/stats", a.handleGetStats)
		r.Get("/health", a.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(a.admin)
			r.Put("/config/priority-rules", a.handleReplacePriorityRules)
			r.Patch("/config/analysis-settings", a.handleUpdateAnalysisSettings)
			// POST aliases for clients that cannot issue PUT/PATCH
			r.Post("/config/priority-rules", a.handleReplacePriorityRules)
			r.Post("/config/analysis-settings", a.handleUpdateAnalysisSettings)
			r.Delete("/stats", a.handleResetStats)
		})
	})
}

func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter != nil && !a.limiter.Allow() {
			retry := time.Second
			if lim := a.limiter.Limit(); lim > 0 {
				retry = max(time.Duration(float64(time.Second)/float64(lim)), time.Second)
			}
			w.Header().Set("Retry-After", formatSeconds(retry))
			writeMessage(w, http.StatusTooManyRequests, "analyze rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
