package processor

import (
	"context"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/document"
	"github.com/wehubfusion/Daedalus/pkg/stats"
)

// TypeCompound is the type name of the compound processor.
const TypeCompound = "compound"

// step pairs a processor with the counters it reports under. Conditionals
// meter themselves so a skipped document never counts as an execution;
// every other processor is metered here.
type step struct {
	processor Processor
	stats     *stats.Stats
	metered   bool
}

func (s step) before() {
	if s.metered {
		s.stats.Before()
	}
}

func (s step) after(took time.Duration) {
	if s.metered {
		s.stats.After(took)
	}
}

func (s step) failed() {
	if s.metered {
		s.stats.Failed()
	}
}

// Compound runs a main chain of processors with an optional recovery chain.
// When a main processor fails and ignoreFailure is off, the recovery chain
// runs with the failure exposed in the document's ingest metadata; the
// document only fails when recovery is absent or fails itself.
//
// Sync prefixes of the chain run iteratively. Recursion happens only across
// async boundaries, so arbitrarily long sync chains use constant stack.
type Compound struct {
	pipelineID    string
	ignoreFailure bool
	steps         []step
	onFailure     []Processor
	async         bool
}

// NewCompound builds a compound over the given chains. pipelineID is used
// to attribute failures and may be empty.
func NewCompound(pipelineID string, ignoreFailure bool, processors []Processor, onFailure []Processor) *Compound {
	c := &Compound{
		pipelineID:    pipelineID,
		ignoreFailure: ignoreFailure,
		steps:         make([]step, 0, len(processors)),
		onFailure:     onFailure,
	}
	for _, p := range processors {
		s := step{processor: p}
		if cond, ok := p.(*Conditional); ok {
			s.stats = cond.Metrics()
		} else {
			s.stats = &stats.Stats{}
			s.metered = true
		}
		c.steps = append(c.steps, s)
		if p.IsAsync() {
			c.async = true
		}
	}
	for _, p := range onFailure {
		if p.IsAsync() {
			c.async = true
		}
	}
	return c
}

func (c *Compound) Type() string        { return TypeCompound }
func (c *Compound) Tag() string         { return "" }
func (c *Compound) Description() string { return "" }
func (c *Compound) IsAsync() bool       { return c.async }

// Processors returns the main chain.
func (c *Compound) Processors() []Processor {
	out := make([]Processor, len(c.steps))
	for i, s := range c.steps {
		out[i] = s.processor
	}
	return out
}

// OnFailureProcessors returns the recovery chain.
func (c *Compound) OnFailureProcessors() []Processor {
	return c.onFailure
}

// ProcessorStats reports the counters of the main chain in definition
// order. Nested compounds, the wrappers produced by per-processor
// on_failure and ignore_failure options, are flattened away so stats always
// name the processors the user configured.
func (c *Compound) ProcessorStats() []stats.ProcessorSnapshot {
	out := make([]stats.ProcessorSnapshot, 0, len(c.steps))
	for _, s := range c.steps {
		if nested, ok := s.processor.(*Compound); ok {
			out = append(out, nested.ProcessorStats()...)
			continue
		}
		out = append(out, stats.ProcessorSnapshot{
			Name:  ReportingName(s.processor),
			Stats: s.stats.ProcessorView(),
		})
	}
	return out
}

// StepStats returns the live counters behind ProcessorStats, flattened the
// same way. Position i of two incarnations of the same definition refers to
// the same configured processor.
func (c *Compound) StepStats() []*stats.Stats {
	out := make([]*stats.Stats, 0, len(c.steps))
	for _, s := range c.steps {
		if nested, ok := s.processor.(*Compound); ok {
			out = append(out, nested.StepStats()...)
			continue
		}
		out = append(out, s.stats)
	}
	return out
}

// Execute runs a fully synchronous compound inline.
func (c *Compound) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
	if c.async {
		panic("async compound dispatched on the sync path")
	}
	var (
		result *document.Document
		err    error
		fired  bool
	)
	c.innerExecute(ctx, 0, doc, func(d *document.Document, e error) {
		result, err, fired = d, e, true
	})
	if !fired {
		panic("synchronous compound did not complete inline")
	}
	return result, err
}

// ExecuteAsync runs the main chain and reports through handler exactly once.
func (c *Compound) ExecuteAsync(ctx context.Context, doc *document.Document, handler Handler) {
	c.innerExecute(ctx, 0, doc, handler)
}

func (c *Compound) innerExecute(ctx context.Context, index int, doc *document.Document, handler Handler) {
	// Inline loop over the sync prefix starting at index.
	for index < len(c.steps) && !c.steps[index].processor.IsAsync() {
		s := c.steps[index]
		index++

		s.before()
		start := time.Now()
		result, err := executeSync(ctx, s.processor, doc)
		s.after(time.Since(start))

		if err != nil {
			s.failed()
			if c.ignoreFailure {
				continue
			}
			c.recoverFailure(ctx, err, s.processor, doc, handler)
			return
		}
		if result == nil {
			handler(nil, nil)
			return
		}
		doc = result
	}

	if index == len(c.steps) {
		handler(doc, nil)
		return
	}

	s := c.steps[index]
	next := index + 1
	s.before()
	start := time.Now()
	s.processor.ExecuteAsync(ctx, doc, func(result *document.Document, err error) {
		s.after(time.Since(start))
		if err != nil {
			s.failed()
			if c.ignoreFailure {
				c.innerExecute(ctx, next, doc, handler)
				return
			}
			c.recoverFailure(ctx, err, s.processor, doc, handler)
			return
		}
		if result == nil {
			handler(nil, nil)
			return
		}
		c.innerExecute(ctx, next, result, handler)
	})
}

// recoverFailure routes a main-chain failure into the recovery chain, or to
// the handler when there is none.
func (c *Compound) recoverFailure(ctx context.Context, cause error, failed Processor, doc *document.Document, handler Handler) {
	decorated := decorateError(cause, failed, c.pipelineID)
	if len(c.onFailure) == 0 {
		handler(nil, decorated)
		return
	}
	putFailureMetadata(doc, decorated)
	c.executeOnFailure(ctx, 0, doc, handler)
}

func (c *Compound) executeOnFailure(ctx context.Context, index int, doc *document.Document, handler Handler) {
	for index < len(c.onFailure) && !c.onFailure[index].IsAsync() {
		p := c.onFailure[index]
		index++

		result, err := executeSync(ctx, p, doc)
		if err != nil {
			handler(nil, decorateError(err, p, c.pipelineID))
			return
		}
		if result == nil {
			handler(nil, nil)
			return
		}
		doc = result
	}

	if index == len(c.onFailure) {
		removeFailureMetadata(doc)
		handler(doc, nil)
		return
	}

	p := c.onFailure[index]
	next := index + 1
	p.ExecuteAsync(ctx, doc, func(result *document.Document, err error) {
		if err != nil {
			handler(nil, decorateError(err, p, c.pipelineID))
			return
		}
		if result == nil {
			handler(nil, nil)
			return
		}
		c.executeOnFailure(ctx, next, result, handler)
	})
}

var _ Processor = (*Compound)(nil)
