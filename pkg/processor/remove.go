package processor

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/document"
	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// TypeRemove is the type name of the remove processor.
const TypeRemove = "remove"

// Remove deletes one or more fields from the document.
type Remove struct {
	base
	syncBehavior
	fields        []string
	ignoreMissing bool
}

func newRemoveProcessor(res Resources, tag, description string, config map[string]interface{}) (Processor, error) {
	raw, err := ReadAny(config, TypeRemove, tag, "field")
	if err != nil {
		return nil, err
	}
	fields, err := toStringList(raw)
	if err != nil {
		return nil, pkgerrors.NewPropertyError(TypeRemove, tag, "field", err.Error())
	}
	ignoreMissing, err := ReadBool(config, TypeRemove, tag, "ignore_missing", false)
	if err != nil {
		return nil, err
	}
	return &Remove{
		base:          base{typ: TypeRemove, tag: tag, description: description},
		fields:        fields,
		ignoreMissing: ignoreMissing,
	}, nil
}

func (p *Remove) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
	for _, field := range p.fields {
		if p.ignoreMissing && !doc.HasValue(field) {
			continue
		}
		if err := doc.RemoveValue(field); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// toStringList accepts a single string or a list of strings.
func toStringList(raw interface{}) ([]string, error) {
	switch typed := raw.(type) {
	case string:
		return []string{typed}, nil
	case []interface{}:
		if len(typed) == 0 {
			return nil, fmt.Errorf("list cannot be empty")
		}
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list entry isn't a string, but of type [%T]", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("property isn't a string or list of strings, but of type [%T]", raw)
	}
}

var _ Processor = (*Remove)(nil)
