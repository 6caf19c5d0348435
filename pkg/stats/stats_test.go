package stats

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsLifecycle(t *testing.T) {
	var s Stats

	s.Before()
	snap := s.Snapshot()
	assert.EqualValues(t, 1, snap.Current)
	assert.EqualValues(t, 0, snap.Count)

	s.After(150 * time.Millisecond)
	snap = s.Snapshot()
	assert.EqualValues(t, 0, snap.Current)
	assert.EqualValues(t, 1, snap.Count)
	assert.EqualValues(t, (150 * time.Millisecond).Nanoseconds(), snap.TotalTimeNanos)
	assert.EqualValues(t, 0, snap.Failed)

	s.Failed()
	assert.EqualValues(t, 1, s.Snapshot().Failed)
}

func TestStatsConcurrentUpdates(t *testing.T) {
	var s Stats
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Before()
			s.After(time.Millisecond)
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.EqualValues(t, 50, snap.Count)
	assert.EqualValues(t, 0, snap.Current)
	assert.EqualValues(t, 50*time.Millisecond.Nanoseconds(), snap.TotalTimeNanos)
}

func TestStatsAdd(t *testing.T) {
	var s Stats
	s.Add(Snapshot{Count: 5, Failed: 2, TotalTimeNanos: 100, Current: 7})

	snap := s.Snapshot()
	assert.EqualValues(t, 5, snap.Count)
	assert.EqualValues(t, 2, snap.Failed)
	assert.EqualValues(t, 100, snap.TotalTimeNanos)
	// In-flight executions stay with the incarnation that started them.
	assert.EqualValues(t, 0, snap.Current)
}

func TestProcessorName(t *testing.T) {
	assert.Equal(t, "set", ProcessorName("set", "", ""))
	assert.Equal(t, "set:parsed", ProcessorName("set", "", "parsed"))
	assert.Equal(t, "pipeline:child", ProcessorName("pipeline", "child", ""))
	assert.Equal(t, "pipeline:child:hop", ProcessorName("pipeline", "child", "hop"))
}

type staticProvider struct {
	report Report
}

func (p staticProvider) StatsReport() Report { return p.report }

func TestCollector(t *testing.T) {
	provider := staticProvider{report: Report{
		Total: Snapshot{Count: 10, Failed: 2, TotalTimeNanos: 1_500_000_000, Current: 1},
		Pipelines: []PipelineSnapshot{
			{
				ID:    "logs",
				Stats: Snapshot{Count: 7, Failed: 1, TotalTimeNanos: 500_000_000, Current: 1},
				Processors: []ProcessorSnapshot{
					{Name: "set:env", Stats: ProcessorStats{Count: 7, TotalTimeNanos: 250_000_000}},
				},
			},
		},
	}}
	collector := NewCollector(provider)

	expected := `
		# HELP ingest_documents_current Number of documents currently being ingested
		# TYPE ingest_documents_current gauge
		ingest_documents_current 1
		# HELP ingest_documents_total Total number of documents that completed ingest
		# TYPE ingest_documents_total counter
		ingest_documents_total 10
		# HELP ingest_time_seconds_total Total time spent executing ingest pipelines
		# TYPE ingest_time_seconds_total counter
		ingest_time_seconds_total 1.5
		# HELP ingest_pipeline_documents_total Total number of documents that completed a pipeline
		# TYPE ingest_pipeline_documents_total counter
		ingest_pipeline_documents_total{pipeline="logs"} 7
		# HELP ingest_processor_documents_total Total number of documents that completed a processor
		# TYPE ingest_processor_documents_total counter
		ingest_processor_documents_total{pipeline="logs",processor="set:env"} 7
	`
	err := testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"ingest_documents_current",
		"ingest_documents_total",
		"ingest_time_seconds_total",
		"ingest_pipeline_documents_total",
		"ingest_processor_documents_total",
	)
	require.NoError(t, err)
}

func TestCollectorDescribesEverySeries(t *testing.T) {
	collector := NewCollector(staticProvider{})

	ch := make(chan *prometheus.Desc)
	go func() {
		collector.Describe(ch)
		close(ch)
	}()
	var count int
	for range ch {
		count++
	}
	assert.Equal(t, 11, count)
}
