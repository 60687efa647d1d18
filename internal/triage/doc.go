// Package triage provides the business boundary for EDR alert triage.
// It defines the Pipeline (alignment, detection, prioritization, group
// modulation, bucketing and ranking), the ConfigStore and StatsAggregator
// that own mutable runtime state, the StateStore interface they persist
// through, and the Service that ties them together.
package triage
