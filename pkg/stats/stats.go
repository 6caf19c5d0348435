// Package stats tracks ingest execution counters at the engine, pipeline and
// processor level. Counters are lock-free and safe for concurrent updates
// from any number of in-flight documents.
package stats

import (
	"sync/atomic"
	"time"
)

// Stats is a set of live ingest counters. The zero value is ready to use.
type Stats struct {
	count          atomic.Int64
	failed         atomic.Int64
	totalTimeNanos atomic.Int64
	current        atomic.Int64
}

// Before marks the start of one execution.
func (s *Stats) Before() {
	s.current.Add(1)
}

// After marks the end of one execution that took the given duration. Every
// Before must be paired with exactly one After, failed or not.
func (s *Stats) After(took time.Duration) {
	s.current.Add(-1)
	s.count.Add(1)
	s.totalTimeNanos.Add(took.Nanoseconds())
}

// Failed marks one failed execution. Called in addition to After, never
// instead of it.
func (s *Stats) Failed() {
	s.failed.Add(1)
}

// Add folds the cumulative counters of a previous incarnation into s.
// Current is deliberately not carried: in-flight executions belong to the
// incarnation that started them.
func (s *Stats) Add(prev Snapshot) {
	s.count.Add(prev.Count)
	s.failed.Add(prev.Failed)
	s.totalTimeNanos.Add(prev.TotalTimeNanos)
}

// Snapshot returns a point-in-time copy of the counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Count:          s.count.Load(),
		Failed:         s.failed.Load(),
		TotalTimeNanos: s.totalTimeNanos.Load(),
		Current:        s.current.Load(),
	}
}

// ProcessorView returns the counters exposed for a single processor.
func (s *Stats) ProcessorView() ProcessorStats {
	return ProcessorStats{
		Count:          s.count.Load(),
		Failed:         s.failed.Load(),
		TotalTimeNanos: s.totalTimeNanos.Load(),
	}
}

// Snapshot is a point-in-time view of engine or pipeline level counters.
type Snapshot struct {
	Count          int64 `json:"count"`
	Failed         int64 `json:"failed"`
	TotalTimeNanos int64 `json:"time_in_nanos"`
	Current        int64 `json:"current"`
}

// ProcessorStats is the per-processor counter view.
type ProcessorStats struct {
	Count          int64 `json:"count"`
	Failed         int64 `json:"failed"`
	TotalTimeNanos int64 `json:"time_in_nanos"`
}

// ProcessorSnapshot pairs a processor's reporting name with its counters.
type ProcessorSnapshot struct {
	Name  string         `json:"name"`
	Stats ProcessorStats `json:"stats"`
}

// PipelineSnapshot holds one pipeline's counters plus those of its
// first-level processors, in pipeline definition order.
type PipelineSnapshot struct {
	ID         string              `json:"id"`
	Stats      Snapshot            `json:"stats"`
	Processors []ProcessorSnapshot `json:"processors"`
}

// Report is a full stats dump: engine totals plus per-pipeline breakdowns
// ordered by pipeline id.
type Report struct {
	Total     Snapshot           `json:"total"`
	Pipelines []PipelineSnapshot `json:"pipelines"`
}

// ProcessorName builds the reporting name of a processor. The pipeline id
// component is only present for pipeline processors that reference a fixed
// pipeline, the tag component only when a tag is configured.
func ProcessorName(processorType, pipelineID, tag string) string {
	name := processorType
	if pipelineID != "" {
		name += ":" + pipelineID
	}
	if tag != "" {
		name += ":" + tag
	}
	return name
}
