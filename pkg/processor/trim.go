package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/document"
)

// TypeTrim is the type name of the trim processor.
const TypeTrim = "trim"

// Trim strips leading and trailing whitespace from a string field.
type Trim struct {
	base
	syncBehavior
	field         string
	targetField   string
	ignoreMissing bool
}

func newTrimProcessor(res Resources, tag, description string, config map[string]interface{}) (Processor, error) {
	field, err := ReadString(config, TypeTrim, tag, "field")
	if err != nil {
		return nil, err
	}
	targetField, err := ReadOptionalString(config, TypeTrim, tag, "target_field", field)
	if err != nil {
		return nil, err
	}
	ignoreMissing, err := ReadBool(config, TypeTrim, tag, "ignore_missing", false)
	if err != nil {
		return nil, err
	}
	return &Trim{
		base:          base{typ: TypeTrim, tag: tag, description: description},
		field:         field,
		targetField:   targetField,
		ignoreMissing: ignoreMissing,
	}, nil
}

func (p *Trim) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
	value, err := doc.GetValue(p.field)
	if err != nil {
		if p.ignoreMissing {
			return doc, nil
		}
		return nil, err
	}
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("field [%s] of type [%T] cannot be cast to string", p.field, value)
	}
	if err := doc.SetValue(p.targetField, strings.TrimSpace(s)); err != nil {
		return nil, err
	}
	return doc, nil
}

var _ Processor = (*Trim)(nil)
