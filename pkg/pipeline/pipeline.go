package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/document"
	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/processor"
	"github.com/wehubfusion/Daedalus/pkg/stats"
)

// Definition keys understood at the pipeline level.
const (
	descriptionKey = "description"
	versionKey     = "version"
	metaKey        = "_meta"
	processorsKey  = "processors"
	onFailureKey   = "on_failure"
)

// Pipeline is a compiled, executable pipeline. It is immutable and safe for
// concurrent execution; counters are updated atomically.
type Pipeline struct {
	id          string
	description string
	version     *int64
	meta        map[string]interface{}
	root        *processor.Compound
	metrics     stats.Stats
}

// Compile builds a pipeline from a decoded definition map. The map is
// consumed in the process.
func Compile(id string, def map[string]interface{}, res processor.Resources) (*Pipeline, error) {
	res.PipelineID = id

	description, err := processor.ReadOptionalString(def, "", "", descriptionKey, "")
	if err != nil {
		return nil, err
	}
	version, err := readVersion(id, def)
	if err != nil {
		return nil, err
	}
	meta, err := readMeta(id, def)
	if err != nil {
		return nil, err
	}

	rawProcessors, ok := def[processorsKey]
	if !ok {
		return nil, pkgerrors.NewValidationError("pipeline [%s] is missing the required [%s] property", id, processorsKey)
	}
	delete(def, processorsKey)
	processorDefs, ok := rawProcessors.([]interface{})
	if !ok {
		return nil, pkgerrors.NewValidationError("pipeline [%s] property [%s] isn't a list, but of type [%T]", id, processorsKey, rawProcessors)
	}

	onFailureDefs, hasOnFailure, err := processor.ReadOptionalList(def, "", "", onFailureKey)
	if err != nil {
		return nil, err
	}
	if hasOnFailure && len(onFailureDefs) == 0 {
		return nil, pkgerrors.NewValidationError("pipeline [%s] cannot have an empty [%s] option", id, onFailureKey)
	}

	if len(def) > 0 {
		keys := make([]string, 0, len(def))
		for key := range def {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return nil, pkgerrors.NewValidationError("pipeline [%s] doesn't support one or more provided configuration parameters %v", id, keys)
	}

	processors, err := processor.ReadProcessors(res, processorDefs)
	if err != nil {
		return nil, err
	}
	onFailure, err := processor.ReadProcessors(res, onFailureDefs)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		id:          id,
		description: description,
		version:     version,
		meta:        meta,
		root:        processor.NewCompound(id, false, processors, onFailure),
	}, nil
}

// NewPlaceholder builds the pipeline substituted for id when its stored
// definition cannot be compiled. Every document routed through it fails
// with the load error.
func NewPlaceholder(id string, cause error) *Pipeline {
	root := processor.NewCompound(id, false,
		[]processor.Processor{processor.NewLoadFailure(id, cause)}, nil)
	return &Pipeline{
		id:          id,
		description: fmt.Sprintf("this is a place holder pipeline, because pipeline with id [%s] could not be loaded", id),
		root:        root,
	}
}

// ID returns the pipeline id.
func (p *Pipeline) ID() string { return p.id }

// Description returns the definition's description, "" when absent.
func (p *Pipeline) Description() string { return p.description }

// Version returns the definition's version, nil when absent.
func (p *Pipeline) Version() *int64 { return p.version }

// Meta returns the definition's _meta object, nil when absent.
func (p *Pipeline) Meta() map[string]interface{} { return p.meta }

// Processors returns the compiled main chain.
func (p *Pipeline) Processors() []processor.Processor { return p.root.Processors() }

// OnFailureProcessors returns the compiled pipeline-level recovery chain.
func (p *Pipeline) OnFailureProcessors() []processor.Processor {
	return p.root.OnFailureProcessors()
}

// Execute runs doc through the pipeline and reports through handler exactly
// once. Entering a pipeline that is already executing against doc fails
// immediately with a cycle error.
func (p *Pipeline) Execute(ctx context.Context, doc *document.Document, handler processor.Handler) {
	if err := doc.StartPipeline(p.id); err != nil {
		handler(nil, err)
		return
	}
	meta := doc.IngestMeta()
	previous, hadPrevious := meta[document.PipelineField]
	meta[document.PipelineField] = p.id

	p.metrics.Before()
	start := time.Now()
	processor.Run(ctx, p.root, doc, func(result *document.Document, err error) {
		doc.FinishPipeline(p.id)
		if hadPrevious {
			meta[document.PipelineField] = previous
		} else {
			delete(meta, document.PipelineField)
		}
		p.metrics.After(time.Since(start))
		if err != nil {
			p.metrics.Failed()
		}
		handler(result, err)
	})
}

// Metrics returns the pipeline-level counters.
func (p *Pipeline) Metrics() stats.Snapshot {
	return p.metrics.Snapshot()
}

// ProcessorStats returns per-processor counters in definition order.
func (p *Pipeline) ProcessorStats() []stats.ProcessorSnapshot {
	return p.root.ProcessorStats()
}

// InheritStats carries the counters of a previous incarnation into p.
// Pipeline aggregates always carry over. Per-processor counters carry only
// when both incarnations have the same number of configured processors,
// matched by position; otherwise they start from zero.
func (p *Pipeline) InheritStats(prev *Pipeline) {
	if prev == nil {
		return
	}
	p.metrics.Add(prev.metrics.Snapshot())

	oldSteps := prev.root.StepStats()
	newSteps := p.root.StepStats()
	if len(oldSteps) != len(newSteps) {
		return
	}
	for i, s := range newSteps {
		s.Add(oldSteps[i].Snapshot())
	}
}

var _ processor.Pipeline = (*Pipeline)(nil)

func readVersion(id string, def map[string]interface{}) (*int64, error) {
	raw, ok := def[versionKey]
	if !ok {
		return nil, nil
	}
	delete(def, versionKey)
	v, ok := numericVersion(raw)
	if !ok {
		return nil, pkgerrors.NewValidationError("pipeline [%s] property [%s] isn't a number, but of type [%T]", id, versionKey, raw)
	}
	return &v, nil
}

func readMeta(id string, def map[string]interface{}) (map[string]interface{}, error) {
	raw, ok := def[metaKey]
	if !ok {
		return nil, nil
	}
	delete(def, metaKey)
	meta, ok := raw.(map[string]interface{})
	if !ok {
		return nil, pkgerrors.NewValidationError("pipeline [%s] property [%s] isn't an object, but of type [%T]", id, metaKey, raw)
	}
	return meta, nil
}
