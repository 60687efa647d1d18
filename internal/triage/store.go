package triage

import "context"

// Document keys used with StateStore.
const (
	ConfigKey = "config"
	StatsKey  = "stats"
)

// StateStore persists named JSON documents. Implementations must be safe
// for concurrent use; callers serialize writes per key.
type StateStore interface {
	// Load returns the document stored under key. ok is false when nothing
	// has been stored yet.
	Load(ctx context.Context, key string) (doc []byte, ok bool, err error)

	// Save replaces the document stored under key.
	Save(ctx context.Context, key string, doc []byte) error
}

// StateHooks are optional callbacks for state persistence instrumentation.
type StateHooks struct {
	OnPersist func(doc string, duration float64, err error)
}
