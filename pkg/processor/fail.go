package processor

import (
	"context"
	"errors"

	"github.com/wehubfusion/Daedalus/pkg/document"
)

// TypeFail is the type name of the fail processor.
const TypeFail = "fail"

// Fail unconditionally fails the document with a configured message. It is
// typically guarded by an if condition or used inside on_failure chains.
type Fail struct {
	base
	syncBehavior
	message string
}

func newFailProcessor(res Resources, tag, description string, config map[string]interface{}) (Processor, error) {
	message, err := ReadString(config, TypeFail, tag, "message")
	if err != nil {
		return nil, err
	}
	return &Fail{
		base:    base{typ: TypeFail, tag: tag, description: description},
		message: message,
	}, nil
}

func (p *Fail) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
	return nil, errors.New(p.message)
}

var _ Processor = (*Fail)(nil)
