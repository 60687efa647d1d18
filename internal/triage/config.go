package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// ConfigStore owns the triage configuration. Mutations are serialized and
// persisted before they become visible; readers get immutable snapshots.
type ConfigStore struct {
	mu     sync.Mutex
	store  StateStore
	logger log.Logger
	hooks  StateHooks
	cur    atomic.Pointer[Config]
	loaded atomic.Bool
}

// NewConfigStore creates a store backed by st, starting from defaults until
// Load is called.
func NewConfigStore(st StateStore, logger log.Logger, hooks StateHooks) *ConfigStore {
	if st == nil {
		panic(xerrors.New("triage.NewConfigStore: nil StateStore"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	c := &ConfigStore{store: st, logger: logger, hooks: hooks}
	def := DefaultConfig()
	c.cur.Store(&def)
	return c
}

// Loaded reports whether Load has completed successfully.
func (c *ConfigStore) Loaded() bool { return c.loaded.Load() }

// Current returns a deep copy of the current configuration.
func (c *ConfigStore) Current() Config {
	return c.cur.Load().Clone()
}

// Load reads the persisted configuration and merges it over defaults. When
// nothing is persisted the defaults are written out. A corrupt document is
// logged and left in place while defaults are used.
func (c *ConfigStore) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok, err := c.store.Load(ctx, ConfigKey)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !ok {
		def := DefaultConfig()
		if err := c.persist(ctx, def); err != nil {
			return err
		}
		c.cur.Store(&def)
		c.loaded.Store(true)
		c.logger.Info(ctx, "config initialized with defaults")
		return nil
	}

	cfg, warnings := mergeConfig(raw)
	for _, w := range warnings {
		c.logger.Warn(ctx, "config document", "problem", w)
	}
	c.cur.Store(&cfg)
	c.loaded.Store(true)
	c.logger.Info(ctx, "config loaded",
		"multipliers", len(cfg.GroupMultipliers),
		"binary_threshold", cfg.AnalysisSettings.BinaryThreshold,
		"modulation", cfg.AnalysisSettings.EnableGroupModulation,
	)
	return nil
}

// ReplaceGroupMultipliers swaps in table wholesale. Categories absent from
// table resolve to 1.0 afterwards.
func (c *ConfigStore) ReplaceGroupMultipliers(ctx context.Context, table Multipliers) error {
	for cat, v := range table {
		if !cat.Valid() {
			return inputErr("unknown group %q", cat)
		}
		if !validMultiplier(v) {
			return inputErr("multiplier for %q must be a non-negative number", cat)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cur.Load().Clone()
	next.GroupMultipliers = maps.Clone(table)
	if next.GroupMultipliers == nil {
		next.GroupMultipliers = Multipliers{}
	}
	if err := c.persist(ctx, next); err != nil {
		return err
	}
	c.cur.Store(&next)
	return nil
}

// MergeAnalysisSettings applies the non-nil fields of patch and returns the
// resulting settings.
func (c *ConfigStore) MergeAnalysisSettings(ctx context.Context, patch SettingsPatch) (Settings, error) {
	for name, v := range map[string]*float64{
		"binaryThreshold":         patch.BinaryThreshold,
		"highPriorityThreshold":   patch.HighPriorityThreshold,
		"mediumPriorityThreshold": patch.MediumPriorityThreshold,
	} {
		if v != nil && !validThreshold(*v) {
			return Settings{}, inputErr("%s must be within [0,1], got %v", name, *v)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cur.Load().Clone()
	s := &next.AnalysisSettings
	if patch.BinaryThreshold != nil {
		s.BinaryThreshold = *patch.BinaryThreshold
	}
	if patch.HighPriorityThreshold != nil {
		s.HighPriorityThreshold = *patch.HighPriorityThreshold
	}
	if patch.MediumPriorityThreshold != nil {
		s.MediumPriorityThreshold = *patch.MediumPriorityThreshold
	}
	if patch.EnableGroupModulation != nil {
		s.EnableGroupModulation = *patch.EnableGroupModulation
	}

	if err := c.persist(ctx, next); err != nil {
		return Settings{}, err
	}
	c.cur.Store(&next)

	if s.HighPriorityThreshold <= s.MediumPriorityThreshold {
		c.logger.Warn(ctx, "high priority threshold does not exceed medium threshold",
			"high", s.HighPriorityThreshold,
			"medium", s.MediumPriorityThreshold,
		)
	}
	return next.AnalysisSettings, nil
}

func (c *ConfigStore) persist(ctx context.Context, cfg Config) error {
	start := time.Now()
	doc, err := json.Marshal(cfg)
	if err == nil {
		err = c.store.Save(ctx, ConfigKey, doc)
	}
	if c.hooks.OnPersist != nil {
		c.hooks.OnPersist(ConfigKey, time.Since(start).Seconds(), err)
	}
	if err != nil {
		return fmt.Errorf("%w: config: %w", ErrPersist, err)
	}
	return nil
}

func validThreshold(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func validMultiplier(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// mergeConfig overlays a persisted document onto defaults key by key.
// Unusable entries are skipped and reported as warnings.
func mergeConfig(raw []byte) (Config, []string) {
	cfg := DefaultConfig()

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return cfg, []string{fmt.Sprintf("corrupt document, using defaults: %v", err)}
	}

	var warnings []string

	if section, ok := doc["groupMultipliers"]; ok {
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(section, &entries); err != nil {
			warnings = append(warnings, fmt.Sprintf("groupMultipliers ignored: %v", err))
		}
		for key, val := range entries {
			cat, ok := ParseCategory(key)
			if !ok {
				warnings = append(warnings, fmt.Sprintf("unknown group %q ignored", key))
				continue
			}
			var v float64
			if err := json.Unmarshal(val, &v); err != nil || isNull(val) || !validMultiplier(v) {
				warnings = append(warnings, fmt.Sprintf("invalid multiplier for %q ignored", key))
				continue
			}
			cfg.GroupMultipliers[cat] = v
		}
	}

	if section, ok := doc["analysisSettings"]; ok {
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(section, &entries); err != nil {
			warnings = append(warnings, fmt.Sprintf("analysisSettings ignored: %v", err))
		}
		s := &cfg.AnalysisSettings
		thresholds := map[string]*float64{
			"binaryThreshold":         &s.BinaryThreshold,
			"highPriorityThreshold":   &s.HighPriorityThreshold,
			"mediumPriorityThreshold": &s.MediumPriorityThreshold,
		}
		for key, val := range entries {
			if key == "enableGroupModulation" {
				var b bool
				if err := json.Unmarshal(val, &b); err != nil || isNull(val) {
					warnings = append(warnings, "invalid enableGroupModulation ignored")
					continue
				}
				s.EnableGroupModulation = b
				continue
			}
			dst, known := thresholds[key]
			if !known {
				continue
			}
			var v float64
			if err := json.Unmarshal(val, &v); err != nil || isNull(val) || !validThreshold(v) {
				warnings = append(warnings, fmt.Sprintf("invalid %s ignored", key))
				continue
			}
			*dst = v
		}
	}

	return cfg, warnings
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
