package processor

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/document"
	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/script"
)

// TypeScript is the type name of the script processor.
const TypeScript = "script"

// ScriptProcessor runs a compiled script against the document. The script
// sees source fields and write metadata merged under ctx and may mutate
// both.
type ScriptProcessor struct {
	base
	syncBehavior
	script *script.Script
}

func newScriptProcessor(res Resources, tag, description string, config map[string]interface{}) (Processor, error) {
	source, err := ReadString(config, TypeScript, tag, "source")
	if err != nil {
		return nil, err
	}
	if res.Engine == nil {
		return nil, pkgerrors.NewPropertyError(TypeScript, tag, "source",
			"script processors are not supported in this context")
	}
	compiled, err := res.Engine.CompileScript(source)
	if err != nil {
		return nil, pkgerrors.NewPropertyError(TypeScript, tag, "source", err.Error())
	}
	return &ScriptProcessor{
		base:   base{typ: TypeScript, tag: tag, description: description},
		script: compiled,
	}, nil
}

func (p *ScriptProcessor) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
	fields := doc.Fields()
	meta := doc.Meta()

	// Metadata rides along inside the ctx map for the duration of the
	// script, then moves back out.
	fields[document.MetaIndex] = meta.Index
	fields[document.MetaID] = meta.ID
	fields[document.MetaRouting] = meta.Routing
	fields[document.MetaVersion] = meta.Version

	runErr := p.script.Run(ctx, fields)
	extractErr := extractMetadata(doc, fields)

	if runErr != nil {
		return nil, runErr
	}
	if extractErr != nil {
		return nil, extractErr
	}
	return doc, nil
}

func extractMetadata(doc *document.Document, fields map[string]interface{}) error {
	var firstErr error
	for _, name := range []string{document.MetaIndex, document.MetaID, document.MetaRouting, document.MetaVersion} {
		value, ok := fields[name]
		delete(fields, name)
		if !ok || firstErr != nil {
			continue
		}
		if err := doc.SetValue(name, value); err != nil {
			firstErr = fmt.Errorf("script left invalid metadata: %w", err)
		}
	}
	return firstErr
}

var _ Processor = (*ScriptProcessor)(nil)
