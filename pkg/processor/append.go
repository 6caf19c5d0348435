package processor

import (
	"context"
	"reflect"

	"github.com/wehubfusion/Daedalus/pkg/document"
)

// TypeAppend is the type name of the append processor.
const TypeAppend = "append"

// Append adds values to the list at a field, promoting an existing scalar
// to a list first.
type Append struct {
	base
	syncBehavior
	field           string
	values          []interface{}
	allowDuplicates bool
}

func newAppendProcessor(res Resources, tag, description string, config map[string]interface{}) (Processor, error) {
	field, err := ReadString(config, TypeAppend, tag, "field")
	if err != nil {
		return nil, err
	}
	raw, err := ReadAny(config, TypeAppend, tag, "value")
	if err != nil {
		return nil, err
	}
	values, ok := raw.([]interface{})
	if !ok {
		values = []interface{}{raw}
	}
	allowDuplicates, err := ReadBool(config, TypeAppend, tag, "allow_duplicates", true)
	if err != nil {
		return nil, err
	}
	return &Append{
		base:            base{typ: TypeAppend, tag: tag, description: description},
		field:           field,
		values:          values,
		allowDuplicates: allowDuplicates,
	}, nil
}

func (p *Append) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
	values := p.values
	if !p.allowDuplicates {
		values = p.withoutExisting(doc)
		if len(values) == 0 {
			return doc, nil
		}
	}
	if err := doc.AppendValue(p.field, values...); err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *Append) withoutExisting(doc *document.Document) []interface{} {
	existing, err := doc.GetValue(p.field)
	if err != nil {
		return p.values
	}
	list, ok := existing.([]interface{})
	if !ok {
		list = []interface{}{existing}
	}
	out := make([]interface{}, 0, len(p.values))
	for _, candidate := range p.values {
		found := false
		for _, have := range list {
			if reflect.DeepEqual(candidate, have) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, candidate)
		}
	}
	return out
}

var _ Processor = (*Append)(nil)
