package processor

import (
	"context"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/document"
	"github.com/wehubfusion/Daedalus/pkg/script"
	"github.com/wehubfusion/Daedalus/pkg/stats"
)

// TypeConditional is the type name of the conditional wrapper.
const TypeConditional = "conditional"

// Conditional guards a processor with a compiled condition. A false
// condition passes the document through untouched and does not count as an
// execution of the wrapped processor, which is why the conditional owns the
// counters instead of the enclosing compound.
type Conditional struct {
	base
	condition *script.Condition
	inner     Processor
	metrics   stats.Stats
}

// NewConditional wraps inner behind condition.
func NewConditional(condition *script.Condition, tag, description string, inner Processor) *Conditional {
	return &Conditional{
		base:      base{typ: TypeConditional, tag: tag, description: description},
		condition: condition,
		inner:     inner,
	}
}

// Inner returns the wrapped processor.
func (c *Conditional) Inner() Processor { return c.inner }

// Metrics returns the counters of the wrapped processor. Only executions
// where the condition held are counted.
func (c *Conditional) Metrics() *stats.Stats { return &c.metrics }

// Condition returns the compiled condition.
func (c *Conditional) Condition() *script.Condition { return c.condition }

func (c *Conditional) IsAsync() bool { return c.inner.IsAsync() }

// Execute runs the wrapped sync processor when the condition holds.
func (c *Conditional) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
	if c.inner.IsAsync() {
		panic("async conditional dispatched on the sync path")
	}
	matches, err := c.evaluate(ctx, doc)
	if err != nil {
		return nil, err
	}
	if !matches {
		return doc, nil
	}

	c.metrics.Before()
	start := time.Now()
	defer func() { c.metrics.After(time.Since(start)) }()

	result, err := c.inner.Execute(ctx, doc)
	if err != nil {
		c.metrics.Failed()
		return nil, err
	}
	return result, nil
}

// ExecuteAsync runs the wrapped processor when the condition holds.
func (c *Conditional) ExecuteAsync(ctx context.Context, doc *document.Document, handler Handler) {
	matches, err := c.evaluate(ctx, doc)
	if err != nil {
		handler(nil, err)
		return
	}
	if !matches {
		handler(doc, nil)
		return
	}

	c.metrics.Before()
	start := time.Now()
	Run(ctx, c.inner, doc, func(result *document.Document, err error) {
		c.metrics.After(time.Since(start))
		if err != nil {
			c.metrics.Failed()
			handler(nil, err)
			return
		}
		handler(result, nil)
	})
}

// evaluate exposes source fields plus write metadata to the condition.
// Conditions read, they must not mutate; the view shares nested values with
// the live document.
func (c *Conditional) evaluate(ctx context.Context, doc *document.Document) (bool, error) {
	fields := doc.Fields()
	view := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		view[k] = v
	}
	meta := doc.Meta()
	if meta.Index != "" {
		view[document.MetaIndex] = meta.Index
	}
	if meta.ID != "" {
		view[document.MetaID] = meta.ID
	}
	if meta.Routing != "" {
		view[document.MetaRouting] = meta.Routing
	}
	if meta.Version != 0 {
		view[document.MetaVersion] = meta.Version
	}
	return c.condition.Evaluate(ctx, view)
}

var _ Processor = (*Conditional)(nil)
