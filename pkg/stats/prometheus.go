package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Provider supplies a stats report on demand. Implemented by the ingest
// service.
type Provider interface {
	StatsReport() Report
}

// Collector exposes ingest stats as Prometheus metrics. It reads a fresh
// report on every scrape, so registering it carries no per-document cost.
type Collector struct {
	provider Provider

	docsTotal    *prometheus.Desc
	docsFailed   *prometheus.Desc
	timeSeconds  *prometheus.Desc
	docsCurrent  *prometheus.Desc
	pipeTotal    *prometheus.Desc
	pipeFailed   *prometheus.Desc
	pipeSeconds  *prometheus.Desc
	pipeCurrent  *prometheus.Desc
	procTotal    *prometheus.Desc
	procFailed   *prometheus.Desc
	procSeconds  *prometheus.Desc
}

// NewCollector creates a Collector reading from provider. Register it with a
// prometheus.Registerer to expose the metrics.
func NewCollector(provider Provider) *Collector {
	return &Collector{
		provider: provider,
		docsTotal: prometheus.NewDesc(
			prometheus.BuildFQName("ingest", "", "documents_total"),
			"Total number of documents that completed ingest",
			nil, nil,
		),
		docsFailed: prometheus.NewDesc(
			prometheus.BuildFQName("ingest", "", "documents_failed_total"),
			"Total number of documents that failed ingest",
			nil, nil,
		),
		timeSeconds: prometheus.NewDesc(
			prometheus.BuildFQName("ingest", "", "time_seconds_total"),
			"Total time spent executing ingest pipelines",
			nil, nil,
		),
		docsCurrent: prometheus.NewDesc(
			prometheus.BuildFQName("ingest", "", "documents_current"),
			"Number of documents currently being ingested",
			nil, nil,
		),
		pipeTotal: prometheus.NewDesc(
			prometheus.BuildFQName("ingest", "pipeline", "documents_total"),
			"Total number of documents that completed a pipeline",
			[]string{"pipeline"}, nil,
		),
		pipeFailed: prometheus.NewDesc(
			prometheus.BuildFQName("ingest", "pipeline", "documents_failed_total"),
			"Total number of documents that failed a pipeline",
			[]string{"pipeline"}, nil,
		),
		pipeSeconds: prometheus.NewDesc(
			prometheus.BuildFQName("ingest", "pipeline", "time_seconds_total"),
			"Total time spent executing a pipeline",
			[]string{"pipeline"}, nil,
		),
		pipeCurrent: prometheus.NewDesc(
			prometheus.BuildFQName("ingest", "pipeline", "documents_current"),
			"Number of documents currently executing a pipeline",
			[]string{"pipeline"}, nil,
		),
		procTotal: prometheus.NewDesc(
			prometheus.BuildFQName("ingest", "processor", "documents_total"),
			"Total number of documents that completed a processor",
			[]string{"pipeline", "processor"}, nil,
		),
		procFailed: prometheus.NewDesc(
			prometheus.BuildFQName("ingest", "processor", "documents_failed_total"),
			"Total number of documents that failed a processor",
			[]string{"pipeline", "processor"}, nil,
		),
		procSeconds: prometheus.NewDesc(
			prometheus.BuildFQName("ingest", "processor", "time_seconds_total"),
			"Total time spent executing a processor",
			[]string{"pipeline", "processor"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.docsTotal
	ch <- c.docsFailed
	ch <- c.timeSeconds
	ch <- c.docsCurrent
	ch <- c.pipeTotal
	ch <- c.pipeFailed
	ch <- c.pipeSeconds
	ch <- c.pipeCurrent
	ch <- c.procTotal
	ch <- c.procFailed
	ch <- c.procSeconds
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	report := c.provider.StatsReport()

	ch <- prometheus.MustNewConstMetric(c.docsTotal, prometheus.CounterValue, float64(report.Total.Count))
	ch <- prometheus.MustNewConstMetric(c.docsFailed, prometheus.CounterValue, float64(report.Total.Failed))
	ch <- prometheus.MustNewConstMetric(c.timeSeconds, prometheus.CounterValue, seconds(report.Total.TotalTimeNanos))
	ch <- prometheus.MustNewConstMetric(c.docsCurrent, prometheus.GaugeValue, float64(report.Total.Current))

	for _, p := range report.Pipelines {
		ch <- prometheus.MustNewConstMetric(c.pipeTotal, prometheus.CounterValue, float64(p.Stats.Count), p.ID)
		ch <- prometheus.MustNewConstMetric(c.pipeFailed, prometheus.CounterValue, float64(p.Stats.Failed), p.ID)
		ch <- prometheus.MustNewConstMetric(c.pipeSeconds, prometheus.CounterValue, seconds(p.Stats.TotalTimeNanos), p.ID)
		ch <- prometheus.MustNewConstMetric(c.pipeCurrent, prometheus.GaugeValue, float64(p.Stats.Current), p.ID)

		for _, proc := range p.Processors {
			ch <- prometheus.MustNewConstMetric(c.procTotal, prometheus.CounterValue, float64(proc.Stats.Count), p.ID, proc.Name)
			ch <- prometheus.MustNewConstMetric(c.procFailed, prometheus.CounterValue, float64(proc.Stats.Failed), p.ID, proc.Name)
			ch <- prometheus.MustNewConstMetric(c.procSeconds, prometheus.CounterValue, seconds(proc.Stats.TotalTimeNanos), p.ID, proc.Name)
		}
	}
}

func seconds(nanos int64) float64 {
	return float64(nanos) / 1e9
}
