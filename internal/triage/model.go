package triage

import (
	"maps"
	"time"

	"github.com/linnemanlabs/edrtriage/internal/model"
)

// Bucket is the final priority category of a threat.
type Bucket string

const (
	// BucketHigh is a final score at or above the high threshold
	BucketHigh Bucket = "high"

	// BucketMedium is a final score at or above the medium threshold
	BucketMedium Bucket = "medium"

	// BucketLow is everything else
	BucketLow Bucket = "low"
)

// Settings controls thresholds and modulation for an analysis.
type Settings struct {
	BinaryThreshold         float64 `json:"binaryThreshold"`
	HighPriorityThreshold   float64 `json:"highPriorityThreshold"`
	MediumPriorityThreshold float64 `json:"mediumPriorityThreshold"`
	EnableGroupModulation   bool    `json:"enableGroupModulation"`
}

// DefaultSettings returns the compiled-in analysis settings.
func DefaultSettings() Settings {
	return Settings{
		BinaryThreshold:         0.5,
		HighPriorityThreshold:   0.8,
		MediumPriorityThreshold: 0.5,
		EnableGroupModulation:   true,
	}
}

// SettingsPatch is a partial Settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	BinaryThreshold         *float64 `json:"binaryThreshold,omitempty"`
	HighPriorityThreshold   *float64 `json:"highPriorityThreshold,omitempty"`
	MediumPriorityThreshold *float64 `json:"mediumPriorityThreshold,omitempty"`
	EnableGroupModulation   *bool    `json:"enableGroupModulation,omitempty"`
}

// Multipliers maps categories to non-negative score multipliers. A category
// absent from the table resolves to 1.0.
type Multipliers map[Category]float64

// Get returns the multiplier for c, defaulting to 1.0.
func (m Multipliers) Get(c Category) float64 {
	if v, ok := m[c]; ok {
		return v
	}
	return 1.0
}

// Config is the mutable triage configuration.
type Config struct {
	GroupMultipliers Multipliers `json:"groupMultipliers"`
	AnalysisSettings Settings    `json:"analysisSettings"`
}

// DefaultConfig returns the compiled-in configuration.
func DefaultConfig() Config {
	return Config{
		GroupMultipliers: DefaultMultipliers(),
		AnalysisSettings: DefaultSettings(),
	}
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.GroupMultipliers = maps.Clone(c.GroupMultipliers)
	if out.GroupMultipliers == nil {
		out.GroupMultipliers = Multipliers{}
	}
	return out
}

// PriorityRule is the external view of one multiplier table entry.
type PriorityRule struct {
	Group       string  `json:"group"`
	Multiplier  float64 `json:"multiplier"`
	Description string  `json:"description,omitempty"`
}

// ConfigView is the reporting view of the configuration.
type ConfigView struct {
	GroupMultipliers     Multipliers    `json:"groupMultipliers"`
	EffectiveMultipliers Multipliers    `json:"effectiveMultipliers"`
	PriorityRules        []PriorityRule `json:"priorityRules"`
	AnalysisSettings     Settings       `json:"analysisSettings"`
	ExpectedFields       []string       `json:"expectedFields"`
	ModelInfo            ModelInfo      `json:"modelInfo"`
}

// ModelInfo describes the loaded models.
type ModelInfo struct {
	Loaded        bool       `json:"loaded"`
	Version       string     `json:"version,omitempty"`
	BinaryModel   model.Info `json:"binaryModel"`
	PriorityModel model.Info `json:"priorityModel"`
}

// BucketCounts tallies results per bucket.
type BucketCounts struct {
	High   int64 `json:"high"`
	Medium int64 `json:"medium"`
	Low    int64 `json:"low"`
}

// Add increments the counter for b.
func (c *BucketCounts) Add(b Bucket) {
	switch b {
	case BucketHigh:
		c.High++
	case BucketMedium:
		c.Medium++
	case BucketLow:
		c.Low++
	}
}

// Total returns the sum of all buckets.
func (c BucketCounts) Total() int64 { return c.High + c.Medium + c.Low }

// Stats holds lifetime counters across analyses.
type Stats struct {
	TotalAnalyses        int64        `json:"totalAnalyses"`
	TotalAlertsProcessed int64        `json:"totalAlertsProcessed"`
	TotalThreatsDetected int64        `json:"totalThreatsDetected"`
	PriorityBreakdown    BucketCounts `json:"priorityBreakdown"`
	LastAnalysisDate     *time.Time   `json:"lastAnalysisDate"`
	CreatedAt            time.Time    `json:"createdAt"`
}

// StatsSnapshot is Stats plus derived rates.
type StatsSnapshot struct {
	Stats
	DetectionRate             float64 `json:"detectionRate"`
	AverageThreatsPerAnalysis float64 `json:"averageThreatsPerAnalysis"`
}

// Detection is one row selected by the detector.
type Detection struct {
	Index       int
	Probability float64
}

// Priority is a normalized (low, medium, high) distribution.
type Priority struct {
	Low    float64 `json:"low"`
	Medium float64 `json:"medium"`
	High   float64 `json:"high"`
}

// Result is one ranked threat.
type Result struct {
	ID                    int      `json:"id"`
	Group                 Category `json:"group"`
	Hostname              string   `json:"hostname"`
	Username              string   `json:"username"`
	ProcessName           string   `json:"process_name"`
	Path                  string   `json:"path"`
	AlertSeverity         string   `json:"alert_severity"`
	Confidence            float64  `json:"confidence"`
	BasePriority          float64  `json:"basePriority"`
	GroupMultiplier       float64  `json:"groupMultiplier"`
	PriorityScore         float64  `json:"priorityScore"`
	FinalPriority         Bucket   `json:"finalPriority"`
	PriorityProbabilities Priority `json:"priorityProbabilities"`
	ChildprocCount        int64    `json:"childproc_count"`
	NetconnCount          int64    `json:"netconn_count"`
	FilemodCount          int64    `json:"filemod_count"`
	Timestamp             string   `json:"timestamp"`
	Cmdline               string   `json:"cmdline"`
	ParentName            string   `json:"parent_name"`
	SensorID              int64    `json:"sensor_id"`
	ProcessPID            int64    `json:"process_pid"`
	ParentPID             int64    `json:"parent_pid"`
}

// Report is the outcome of one analysis.
type Report struct {
	AnalysisID        string       `json:"analysisId"`
	TotalProcessed    int          `json:"totalProcessed"`
	ThreatsDetected   int          `json:"threatsDetected"`
	FilteredResults   []Result     `json:"filteredResults"`
	PriorityBreakdown BucketCounts `json:"priorityBreakdown"`
	MissingFields     []string     `json:"missingFields"`
	ProcessingTime    string       `json:"processingTime"`
	ModelVersion      string       `json:"modelVersion"`
	CreatedAt         time.Time    `json:"createdAt"`
}

// Health reports which parts of the service are ready.
type Health struct {
	Status       string    `json:"status"`
	ModelsLoaded bool      `json:"modelsLoaded"`
	ConfigLoaded bool      `json:"configLoaded"`
	StatsLoaded  bool      `json:"statsLoaded"`
	Timestamp    time.Time `json:"timestamp"`
}
