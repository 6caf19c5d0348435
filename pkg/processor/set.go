package processor

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/document"
)

// TypeSet is the type name of the set processor.
const TypeSet = "set"

// Set writes a literal value to a field, creating intermediate objects
// along the path.
type Set struct {
	base
	syncBehavior
	field            string
	value            interface{}
	override         bool
	ignoreEmptyValue bool
}

func newSetProcessor(res Resources, tag, description string, config map[string]interface{}) (Processor, error) {
	field, err := ReadString(config, TypeSet, tag, "field")
	if err != nil {
		return nil, err
	}
	value, err := ReadAny(config, TypeSet, tag, "value")
	if err != nil {
		return nil, err
	}
	override, err := ReadBool(config, TypeSet, tag, "override", true)
	if err != nil {
		return nil, err
	}
	ignoreEmptyValue, err := ReadBool(config, TypeSet, tag, "ignore_empty_value", false)
	if err != nil {
		return nil, err
	}
	return &Set{
		base:             base{typ: TypeSet, tag: tag, description: description},
		field:            field,
		value:            value,
		override:         override,
		ignoreEmptyValue: ignoreEmptyValue,
	}, nil
}

func (p *Set) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
	if p.ignoreEmptyValue && isEmptyValue(p.value) {
		return doc, nil
	}
	if !p.override {
		if existing, err := doc.GetValue(p.field); err == nil && existing != nil {
			return doc, nil
		}
	}
	if err := doc.SetValue(p.field, p.value); err != nil {
		return nil, err
	}
	return doc, nil
}

func isEmptyValue(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

var _ Processor = (*Set)(nil)
