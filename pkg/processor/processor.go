// Package processor defines the processor contract and the builtin
// processors that pipelines are composed of. Processors transform a single
// document; composition, failure recovery and conditional execution are
// processors themselves.
package processor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/getsentry/sentry-go"

	"github.com/wehubfusion/Daedalus/pkg/document"
	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/stats"
)

// Handler receives the outcome of an execution, exactly once. A nil document
// with a nil error means the document was dropped and must not be indexed.
// The handler may run on the calling goroutine or, for async processors, on
// whichever goroutine completed the work.
type Handler func(doc *document.Document, err error)

// Processor transforms a document. Sync processors implement Execute and
// leave ExecuteAsync to panic; async ones do the reverse. Callers that do
// not know which kind they hold dispatch through Run.
type Processor interface {
	// Type is the registered processor type name, e.g. "set".
	Type() string
	// Tag is the instance tag from the definition, "" when untagged.
	Tag() string
	// Description is free text from the definition.
	Description() string
	// IsAsync reports whether completion may happen on another goroutine.
	IsAsync() bool

	// Execute transforms doc inline and returns the document to continue
	// with. Returning (nil, nil) drops the document.
	Execute(ctx context.Context, doc *document.Document) (*document.Document, error)

	// ExecuteAsync transforms doc and reports through handler exactly once.
	ExecuteAsync(ctx context.Context, doc *document.Document, handler Handler)
}

// Run dispatches p on its natural execution path and reports through
// handler exactly once.
func Run(ctx context.Context, p Processor, doc *document.Document, handler Handler) {
	handler = guardHandler(handler)
	if p.IsAsync() {
		p.ExecuteAsync(ctx, doc, handler)
		return
	}
	result, err := p.Execute(ctx, doc)
	handler(result, err)
}

var executionGuards atomic.Bool

// EnableExecutionGuards turns on the double-invocation check on handlers.
// The check panics on violation, so it is meant for tests, not production.
func EnableExecutionGuards() {
	executionGuards.Store(true)
}

func guardHandler(h Handler) Handler {
	if !executionGuards.Load() {
		return h
	}
	var fired atomic.Bool
	return func(doc *document.Document, err error) {
		if !fired.CompareAndSwap(false, true) {
			panic("execution handler invoked more than once")
		}
		h(doc, err)
	}
}

// base carries the identity every processor shares.
type base struct {
	typ         string
	tag         string
	description string
}

func (b base) Type() string        { return b.typ }
func (b base) Tag() string         { return b.tag }
func (b base) Description() string { return b.description }

// syncBehavior marks a processor as completing inline. Its ExecuteAsync
// must never be reached; Run routes sync processors through Execute.
type syncBehavior struct{}

func (syncBehavior) IsAsync() bool { return false }

func (syncBehavior) ExecuteAsync(context.Context, *document.Document, Handler) {
	panic("sync processor dispatched on the async path")
}

// asyncBehavior marks a processor as potentially completing on another
// goroutine.
type asyncBehavior struct{}

func (asyncBehavior) IsAsync() bool { return true }

func (asyncBehavior) Execute(context.Context, *document.Document) (*document.Document, error) {
	panic("async processor dispatched on the sync path")
}

// decorateError attributes err to the processor and pipeline it came from.
// Errors that already carry attribution pass through unchanged so nested
// compounds do not stack context.
func decorateError(err error, p Processor, pipelineID string) *pkgerrors.ProcessorError {
	if pe, ok := err.(*pkgerrors.ProcessorError); ok {
		return pe
	}
	return pkgerrors.NewProcessorError(p.Type(), p.Tag(), pipelineID, err)
}

// executeSync runs a sync processor with panic containment. A panicking
// processor becomes a failed one.
func executeSync(ctx context.Context, p Processor, doc *document.Document) (result *document.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			result = nil
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return p.Execute(ctx, doc)
}

// ReportingName is the name a processor appears under in stats. Conditional
// wrappers report their inner processor; pipeline processors include the
// referenced pipeline id.
func ReportingName(p Processor) string {
	if cond, ok := p.(*Conditional); ok {
		p = cond.Inner()
	}
	pipelineName := ""
	if ref, ok := p.(*PipelineRef); ok {
		pipelineName = ref.PipelineName()
	}
	return stats.ProcessorName(p.Type(), pipelineName, p.Tag())
}

func putFailureMetadata(doc *document.Document, failure *pkgerrors.ProcessorError) {
	meta := doc.IngestMeta()
	meta[document.OnFailureMessageField] = failure.Err.Error()
	meta[document.OnFailureProcessorTypeField] = failure.ProcessorType
	meta[document.OnFailureProcessorTagField] = failure.ProcessorTag
	if failure.PipelineID != "" {
		meta[document.OnFailurePipelineField] = failure.PipelineID
	}
}

func removeFailureMetadata(doc *document.Document) {
	meta := doc.IngestMeta()
	delete(meta, document.OnFailureMessageField)
	delete(meta, document.OnFailureProcessorTypeField)
	delete(meta, document.OnFailureProcessorTagField)
	delete(meta, document.OnFailurePipelineField)
}
