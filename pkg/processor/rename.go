package processor

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/document"
)

// TypeRename is the type name of the rename processor.
const TypeRename = "rename"

// Rename moves a field to a new path. The target must not already exist.
type Rename struct {
	base
	syncBehavior
	field         string
	targetField   string
	ignoreMissing bool
}

func newRenameProcessor(res Resources, tag, description string, config map[string]interface{}) (Processor, error) {
	field, err := ReadString(config, TypeRename, tag, "field")
	if err != nil {
		return nil, err
	}
	targetField, err := ReadString(config, TypeRename, tag, "target_field")
	if err != nil {
		return nil, err
	}
	ignoreMissing, err := ReadBool(config, TypeRename, tag, "ignore_missing", false)
	if err != nil {
		return nil, err
	}
	return &Rename{
		base:          base{typ: TypeRename, tag: tag, description: description},
		field:         field,
		targetField:   targetField,
		ignoreMissing: ignoreMissing,
	}, nil
}

func (p *Rename) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
	value, err := doc.GetValue(p.field)
	if err != nil {
		if p.ignoreMissing {
			return doc, nil
		}
		return nil, err
	}
	if doc.HasValue(p.targetField) {
		return nil, fmt.Errorf("field [%s] already exists, cannot rename [%s] to it", p.targetField, p.field)
	}
	if err := doc.RemoveValue(p.field); err != nil {
		return nil, err
	}
	if err := doc.SetValue(p.targetField, value); err != nil {
		// Restore the source field so a failed rename is not a silent remove.
		_ = doc.SetValue(p.field, value)
		return nil, err
	}
	return doc, nil
}

var _ Processor = (*Rename)(nil)
