package processor

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/document"
	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// TypePipeline is the type name of the pipeline processor.
const TypePipeline = "pipeline"

// Pipeline is the slice of a compiled pipeline the pipeline processor
// needs. Resolution is late: the id is looked up per document, so a put
// replacing the target takes effect on the next document through.
type Pipeline interface {
	ID() string
	Execute(ctx context.Context, doc *document.Document, handler Handler)
}

// Resolver resolves a pipeline id against the current registry state.
// It returns nil when no such pipeline exists.
type Resolver func(id string) Pipeline

// PipelineRef executes another pipeline by id as a processor step.
type PipelineRef struct {
	base
	asyncBehavior
	name          string
	resolver      Resolver
	ignoreMissing bool
}

func newPipelineRefProcessor(res Resources, tag, description string, config map[string]interface{}) (Processor, error) {
	name, err := ReadString(config, TypePipeline, tag, "name")
	if err != nil {
		return nil, err
	}
	ignoreMissing, err := ReadBool(config, TypePipeline, tag, "ignore_missing_pipeline", false)
	if err != nil {
		return nil, err
	}
	if res.Resolver == nil {
		return nil, pkgerrors.NewPropertyError(TypePipeline, tag, "name",
			"pipeline processors are not supported in this context")
	}
	return &PipelineRef{
		base:          base{typ: TypePipeline, tag: tag, description: description},
		name:          name,
		resolver:      res.Resolver,
		ignoreMissing: ignoreMissing,
	}, nil
}

// PipelineName returns the referenced pipeline id.
func (p *PipelineRef) PipelineName() string { return p.name }

// ExecuteAsync resolves the target pipeline and runs the document through
// it. The document's pipeline tracking rejects cycles before they recurse.
func (p *PipelineRef) ExecuteAsync(ctx context.Context, doc *document.Document, handler Handler) {
	target := p.resolver(p.name)
	if target == nil {
		if p.ignoreMissing {
			handler(doc, nil)
			return
		}
		handler(nil, &pkgerrors.UnresolvedPipelineError{ID: p.name})
		return
	}
	target.Execute(ctx, doc, handler)
}

var _ Processor = (*PipelineRef)(nil)
