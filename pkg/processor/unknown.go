package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/document"
)

// TypeUnknown is the processor type of placeholder pipelines compiled in
// place of definitions that failed to load.
const TypeUnknown = "unknown"

type loadFailure struct {
	base
	syncBehavior
	message string
}

// NewLoadFailure returns a processor that fails every document with the
// load error of pipeline id. Placeholder pipelines consist of exactly one.
func NewLoadFailure(pipelineID string, cause error) Processor {
	return &loadFailure{
		base:    base{typ: TypeUnknown},
		message: fmt.Sprintf("pipeline with id [%s] could not be loaded, caused by [%v]", pipelineID, cause),
	}
}

func (p *loadFailure) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
	return nil, errors.New(p.message)
}

var _ Processor = (*loadFailure)(nil)
