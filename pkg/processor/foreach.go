package processor

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/document"
)

// TypeForEach is the type name of the foreach processor.
const TypeForEach = "foreach"

// IngestValueField is the ingest metadata key the current element is
// exposed under while a foreach iterates.
const IngestValueField = "_value"

// ForEach runs one processor against every element of a list field. The
// element is exposed as _ingest._value and whatever the processor leaves
// there becomes the new element.
type ForEach struct {
	base
	field         string
	inner         Processor
	ignoreMissing bool
}

func newForEachProcessor(res Resources, tag, description string, config map[string]interface{}) (Processor, error) {
	field, err := ReadString(config, TypeForEach, tag, "field")
	if err != nil {
		return nil, err
	}
	innerDef, err := ReadMap(config, TypeForEach, tag, "processor")
	if err != nil {
		return nil, err
	}
	ignoreMissing, err := ReadBool(config, TypeForEach, tag, "ignore_missing", false)
	if err != nil {
		return nil, err
	}
	inner, err := ReadProcessors(res, []interface{}{innerDef})
	if err != nil {
		return nil, err
	}
	return &ForEach{
		base:          base{typ: TypeForEach, tag: tag, description: description},
		field:         field,
		inner:         inner[0],
		ignoreMissing: ignoreMissing,
	}, nil
}

func (p *ForEach) IsAsync() bool { return p.inner.IsAsync() }

func (p *ForEach) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
	if p.inner.IsAsync() {
		panic("async foreach dispatched on the sync path")
	}
	values, err := p.values(doc)
	if err != nil {
		return nil, err
	}
	if values == nil {
		return doc, nil
	}

	meta := doc.IngestMeta()
	previous, hadPrevious := meta[IngestValueField]

	newValues := make([]interface{}, 0, len(values))
	for _, value := range values {
		meta[IngestValueField] = value
		result, err := p.inner.Execute(ctx, doc)
		if err != nil {
			restoreValue(meta, previous, hadPrevious)
			return nil, err
		}
		if result == nil {
			restoreValue(meta, previous, hadPrevious)
			return nil, nil
		}
		doc = result
		newValues = append(newValues, meta[IngestValueField])
	}

	// Restore before writing the result so a foreach targeting the
	// iteration slot itself keeps its collected values.
	restoreValue(meta, previous, hadPrevious)

	if err := doc.SetValue(p.field, newValues); err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *ForEach) ExecuteAsync(ctx context.Context, doc *document.Document, handler Handler) {
	values, err := p.values(doc)
	if err != nil {
		handler(nil, err)
		return
	}
	if values == nil {
		handler(doc, nil)
		return
	}

	meta := doc.IngestMeta()
	previous, hadPrevious := meta[IngestValueField]
	newValues := make([]interface{}, 0, len(values))

	var execute func(index int, doc *document.Document)
	execute = func(index int, doc *document.Document) {
		if index == len(values) {
			restoreValue(meta, previous, hadPrevious)
			if err := doc.SetValue(p.field, newValues); err != nil {
				handler(nil, err)
				return
			}
			handler(doc, nil)
			return
		}
		meta[IngestValueField] = values[index]
		Run(ctx, p.inner, doc, func(result *document.Document, err error) {
			if err != nil {
				restoreValue(meta, previous, hadPrevious)
				handler(nil, err)
				return
			}
			if result == nil {
				restoreValue(meta, previous, hadPrevious)
				handler(nil, nil)
				return
			}
			newValues = append(newValues, meta[IngestValueField])
			execute(index+1, result)
		})
	}
	execute(0, doc)
}

// values resolves the field to iterate. A nil, nil return means the field
// is missing and the processor is configured to ignore that.
func (p *ForEach) values(doc *document.Document) ([]interface{}, error) {
	value, err := doc.GetValue(p.field)
	if err != nil {
		if p.ignoreMissing {
			return nil, nil
		}
		return nil, err
	}
	list, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("field [%s] of type [%T] cannot be iterated", p.field, value)
	}
	return list, nil
}

func restoreValue(meta map[string]interface{}, previous interface{}, hadPrevious bool) {
	if hadPrevious {
		meta[IngestValueField] = previous
	} else {
		delete(meta, IngestValueField)
	}
}

var _ Processor = (*ForEach)(nil)
