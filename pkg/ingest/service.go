package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/document"
	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/metadata"
	"github.com/wehubfusion/Daedalus/pkg/registry"
	"github.com/wehubfusion/Daedalus/pkg/stats"
)

// Listeners receive per-item and per-batch events from ExecuteBulk. Any
// field may be nil. Slot arguments index into the batch slice passed to
// ExecuteBulk.
type Listeners struct {
	// OnDropped fires once per document a pipeline intentionally discarded.
	// Dropped items must be excluded from indexing; they are not failures.
	OnDropped func(slot int)

	// OnFailure fires once per item whose execution failed. Failures are
	// local to their item and never abort the rest of the batch.
	OnFailure func(slot int, err error)

	// OnCompletion fires exactly once per batch, after every item reached
	// a terminal state.
	OnCompletion func(Completion)
}

// Completion summarizes a finished batch.
type Completion struct {
	// Inline reports whether completion fired on the goroutine that called
	// ExecuteBulk, before it returned. When false, the batch finished from
	// an asynchronous processor's continuation.
	Inline bool

	// Dropped counts documents discarded by drop processors.
	Dropped int

	// Failed counts items whose execution failed.
	Failed int
}

// Service executes ingest pipelines over bulk batches and aggregates the
// engine-wide statistics.
type Service struct {
	store  *registry.Store
	meta   metadata.Resolver
	logger *zap.Logger
	total  stats.Stats
}

// NewService creates a Service. meta may be nil when no index metadata is
// available; resolution then honors only explicit request pipelines.
func NewService(store *registry.Store, meta metadata.Resolver, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("registry store cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Service{store: store, meta: meta, logger: logger}, nil
}

// ResolvePipelines determines an item's main and final pipeline without
// executing anything. The main pipeline is the explicit request pipeline,
// else the target index's default pipeline, else none; the final pipeline
// comes from index metadata alone. Resolution is idempotent and reports
// whether the item has at least one pipeline to run.
func (s *Service) ResolvePipelines(item *Item) bool {
	if item.resolved {
		return item.needsExecution()
	}
	item.resolved = true

	if item.Action != ActionIndex {
		item.Pipeline = registry.NoPipeline
		item.FinalPipeline = registry.NoPipeline
		return false
	}

	var settings metadata.Settings
	if s.meta != nil {
		settings = s.meta.Resolve(item.Index)
	}
	if item.Pipeline == "" {
		item.Pipeline = orNone(settings.DefaultPipeline)
	}
	item.FinalPipeline = orNone(settings.FinalPipeline)
	return item.needsExecution()
}

func orNone(id string) string {
	if id == "" {
		return registry.NoPipeline
	}
	return id
}

// ExecuteBulk resolves and runs the pipelines of every eligible item.
// Items start sequentially on the calling goroutine; asynchronous
// processors may move an item's remaining steps elsewhere, so items reach
// terminal states in any order. The completion listener fires exactly once,
// synchronously when nothing in the batch needs execution.
func (s *Service) ExecuteBulk(ctx context.Context, items []*Item, listeners Listeners) {
	st := &batchState{listeners: listeners}
	st.inline.Store(true)

	executable := make([]int, 0, len(items))
	for slot, item := range items {
		if s.ResolvePipelines(item) {
			executable = append(executable, slot)
		}
	}

	// Seed the pending count before running anything so an early item
	// finishing cannot complete the batch while later items still wait.
	st.pending.Store(int64(len(executable)))
	if len(executable) == 0 {
		st.complete()
		return
	}
	for _, slot := range executable {
		s.executeItem(ctx, slot, items[slot], st)
	}
	st.inline.Store(false)
}

// pipelineRun is one pipeline execution scheduled for an item.
type pipelineRun struct {
	id    string
	final bool
}

func (s *Service) executeItem(ctx context.Context, slot int, item *Item, st *batchState) {
	s.total.Before()
	start := time.Now()

	fail := func(err error) {
		s.total.After(time.Since(start))
		s.total.Failed()
		st.failItem(slot, err)
	}

	doc, err := document.FromJSON(item.Source)
	if err != nil {
		fail(err)
		return
	}
	doc.WithIndex(item.Index).WithID(item.ID).WithRouting(item.Routing)
	if item.Version != 0 {
		doc.WithVersion(item.Version)
	}

	runs := make([]pipelineRun, 0, 2)
	if item.Pipeline != registry.NoPipeline {
		runs = append(runs, pipelineRun{id: item.Pipeline})
	}
	if item.FinalPipeline != registry.NoPipeline {
		runs = append(runs, pipelineRun{id: item.FinalPipeline, final: true})
	}

	var execute func(i int, doc *document.Document)
	execute = func(i int, doc *document.Document) {
		if i == len(runs) {
			if err := s.finishItem(item, doc); err != nil {
				fail(err)
				return
			}
			s.total.After(time.Since(start))
			st.succeedItem()
			return
		}

		run := runs[i]
		target, ok := s.store.Snapshot().Pipeline(run.id)
		if !ok {
			fail(&pkgerrors.UnresolvedPipelineError{ID: run.id})
			return
		}

		before := doc.Index()
		target.Execute(ctx, doc, func(result *document.Document, err error) {
			if err != nil {
				s.logger.Debug("Pipeline execution failed for document",
					zap.String("pipeline", run.id),
					zap.Error(err))
				fail(err)
				return
			}
			if result == nil {
				s.total.After(time.Since(start))
				st.dropItem(slot)
				return
			}
			if newIndex := result.Index(); newIndex != before {
				if run.final {
					fail(fmt.Errorf("final pipeline [%s] can't change the target index", run.id))
					return
				}
				// The document was redirected, so the original destination's
				// final pipeline no longer applies; the new one's does.
				item.FinalPipeline = registry.NoPipeline
				if s.meta != nil {
					item.FinalPipeline = orNone(s.meta.Resolve(newIndex).FinalPipeline)
				}
				runs = runs[:i+1]
				if item.FinalPipeline != registry.NoPipeline {
					runs = append(runs, pipelineRun{id: item.FinalPipeline, final: true})
				}
			}
			execute(i+1, result)
		})
	}
	execute(0, doc)
}

// finishItem writes the executed document back onto the item. Index items
// that still have no id after execution get a generated one.
func (s *Service) finishItem(item *Item, doc *document.Document) error {
	source, err := doc.ToBytes()
	if err != nil {
		return err
	}
	meta := doc.Meta()
	item.Index = meta.Index
	item.ID = meta.ID
	item.Routing = meta.Routing
	item.Version = meta.Version
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Source = source
	return nil
}

// StatsReport assembles the engine-wide statistics snapshot: totals across
// every document plus per-pipeline and per-processor counters, ordered by
// pipeline id.
func (s *Service) StatsReport() stats.Report {
	pipelines := s.store.Pipelines()
	report := stats.Report{
		Total:     s.total.Snapshot(),
		Pipelines: make([]stats.PipelineSnapshot, 0, len(pipelines)),
	}
	for _, p := range pipelines {
		report.Pipelines = append(report.Pipelines, stats.PipelineSnapshot{
			ID:         p.ID(),
			Stats:      p.Metrics(),
			Processors: p.ProcessorStats(),
		})
	}
	return report
}

var _ stats.Provider = (*Service)(nil)

// batchState tracks one in-flight batch. The pending count reaches zero
// exactly once because every executable item reaches exactly one terminal
// state.
type batchState struct {
	listeners Listeners
	pending   atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
	inline    atomic.Bool
	done      atomic.Bool
}

func (st *batchState) dropItem(slot int) {
	st.dropped.Add(1)
	if st.listeners.OnDropped != nil {
		st.listeners.OnDropped(slot)
	}
	st.finish()
}

func (st *batchState) failItem(slot int, err error) {
	st.failed.Add(1)
	if st.listeners.OnFailure != nil {
		st.listeners.OnFailure(slot, err)
	}
	st.finish()
}

func (st *batchState) succeedItem() {
	st.finish()
}

func (st *batchState) finish() {
	if st.pending.Add(-1) == 0 {
		st.complete()
	}
}

func (st *batchState) complete() {
	if !st.done.CompareAndSwap(false, true) {
		return
	}
	if st.listeners.OnCompletion == nil {
		return
	}
	st.listeners.OnCompletion(Completion{
		Inline:  st.inline.Load(),
		Dropped: int(st.dropped.Load()),
		Failed:  int(st.failed.Load()),
	})
}
