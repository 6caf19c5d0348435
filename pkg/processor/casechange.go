package processor

import (
	"context"
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wehubfusion/Daedalus/pkg/document"
)

// Type names of the case-changing processors.
const (
	TypeLowercase = "lowercase"
	TypeUppercase = "uppercase"
)

// CaseChange lowercases or uppercases a string field, optionally into a
// different target field.
type CaseChange struct {
	base
	syncBehavior
	field         string
	targetField   string
	ignoreMissing bool
}

// caseFactory builds the factory for one direction; lowercase and uppercase
// share everything but the transform.
func caseFactory(typ string) Factory {
	return func(res Resources, tag, description string, config map[string]interface{}) (Processor, error) {
		field, err := ReadString(config, typ, tag, "field")
		if err != nil {
			return nil, err
		}
		targetField, err := ReadOptionalString(config, typ, tag, "target_field", field)
		if err != nil {
			return nil, err
		}
		ignoreMissing, err := ReadBool(config, typ, tag, "ignore_missing", false)
		if err != nil {
			return nil, err
		}
		return &CaseChange{
			base:          base{typ: typ, tag: tag, description: description},
			field:         field,
			targetField:   targetField,
			ignoreMissing: ignoreMissing,
		}, nil
	}
}

func (p *CaseChange) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
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

	var out string
	switch p.typ {
	case TypeLowercase:
		out = cases.Lower(language.Und).String(s)
	case TypeUppercase:
		out = cases.Upper(language.Und).String(s)
	}
	if err := doc.SetValue(p.targetField, out); err != nil {
		return nil, err
	}
	return doc, nil
}

var _ Processor = (*CaseChange)(nil)
