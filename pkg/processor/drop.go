package processor

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/document"
)

// TypeDrop is the type name of the drop processor.
const TypeDrop = "drop"

// Drop discards the document without failing it. The enclosing chain stops
// and the write is skipped.
type Drop struct {
	base
	syncBehavior
}

func newDropProcessor(res Resources, tag, description string, config map[string]interface{}) (Processor, error) {
	return &Drop{base: base{typ: TypeDrop, tag: tag, description: description}}, nil
}

func (p *Drop) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
	return nil, nil
}

var _ Processor = (*Drop)(nil)
