// Package script embeds a JavaScript engine for pipeline conditions and
// script processors. Sources are compiled once at pipeline creation and run
// against pooled VMs, so a bad script is rejected before it ever sees a
// document.
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// ContextGlobal is the name under which the document is exposed to scripts.
const ContextGlobal = "ctx"

// Config controls the engine's VM pool and execution budget.
type Config struct {
	// PoolSize caps the number of live VMs. Zero means DefaultPoolSize.
	PoolSize int
	// Timeout bounds a single evaluation. Zero means DefaultTimeout.
	Timeout time.Duration
}

const (
	DefaultPoolSize = 16
	DefaultTimeout  = 5 * time.Second
)

// Engine compiles and runs scripts on a pool of sandboxed VMs.
type Engine struct {
	pool    chan *goja.Runtime
	timeout time.Duration
	maxSize int32
	created atomic.Int32

	mu     sync.Mutex
	closed bool
}

// NewEngine creates an engine. VMs are created lazily up to the pool size.
func NewEngine(cfg Config) *Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Engine{
		pool:    make(chan *goja.Runtime, cfg.PoolSize),
		timeout: cfg.Timeout,
		maxSize: int32(cfg.PoolSize),
	}
}

// Close drops all pooled VMs. In-flight evaluations finish normally.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.pool)
	for range e.pool {
		e.created.Add(-1)
	}
}

// CompileCondition compiles a boolean expression over the document, e.g.
// "ctx.user.age >= 18". The expression must evaluate to a boolean.
func (e *Engine) CompileCondition(source string) (*Condition, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(source), ";")
	if trimmed == "" {
		return nil, fmt.Errorf("condition source is empty")
	}
	program, err := goja.Compile("condition", "("+trimmed+")", true)
	if err != nil {
		return nil, fmt.Errorf("condition does not compile: %w", err)
	}
	return &Condition{engine: e, program: program, source: source}, nil
}

// CompileScript compiles a script that mutates the document through the
// ctx global, e.g. "ctx.total = ctx.price * ctx.qty".
//
// The source is wrapped in a function, so var and function declarations
// stay local to one run instead of becoming global properties on the
// pooled VM.
func (e *Engine) CompileScript(source string) (*Script, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("script source is empty")
	}
	program, err := goja.Compile("script", "(function() {\n"+source+"\n}).call(this);", true)
	if err != nil {
		return nil, fmt.Errorf("script does not compile: %w", err)
	}
	return &Script{engine: e, program: program, source: source}, nil
}

// Condition is a compiled boolean predicate over a document.
type Condition struct {
	engine  *Engine
	program *goja.Program
	source  string
}

// Source returns the original condition source.
func (c *Condition) Source() string { return c.source }

// Evaluate runs the condition against the given document view.
func (c *Condition) Evaluate(ctx context.Context, doc map[string]interface{}) (bool, error) {
	value, err := c.engine.run(ctx, c.program, doc)
	if err != nil {
		return false, err
	}
	result, ok := value.Export().(bool)
	if !ok {
		return false, fmt.Errorf("condition must return a boolean, got [%v]", value)
	}
	return result, nil
}

// Script is a compiled document mutation.
type Script struct {
	engine  *Engine
	program *goja.Program
	source  string
}

// Source returns the original script source.
func (s *Script) Source() string { return s.source }

// Run executes the script. Mutations to ctx write through to the map.
func (s *Script) Run(ctx context.Context, doc map[string]interface{}) error {
	_, err := s.engine.run(ctx, s.program, doc)
	return err
}

func (e *Engine) run(ctx context.Context, program *goja.Program, doc map[string]interface{}) (value goja.Value, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	vm, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.release(vm)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during script execution: %v", r)
		}
	}()

	// Interrupt the VM when the budget runs out. The goroutine exits as
	// soon as the evaluation finishes.
	done := make(chan struct{})
	defer close(done)
	var interrupted atomic.Bool
	go func() {
		select {
		case <-ctx.Done():
			interrupted.Store(true)
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()

	if err := vm.Set(ContextGlobal, doc); err != nil {
		return nil, fmt.Errorf("failed to bind document: %w", err)
	}

	value, err = vm.RunProgram(program)
	if err != nil {
		if interrupted.Load() {
			return nil, fmt.Errorf("script exceeded the %s execution budget", e.timeout)
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, fmt.Errorf("script raised: %s", exc.Error())
		}
		return nil, err
	}
	return value, nil
}

func (e *Engine) acquire(ctx context.Context) (*goja.Runtime, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("script engine is closed")
	}
	e.mu.Unlock()

	select {
	case vm, ok := <-e.pool:
		if !ok {
			return nil, fmt.Errorf("script engine is closed")
		}
		vm.ClearInterrupt()
		return vm, nil
	default:
	}

	if e.created.Add(1) <= e.maxSize {
		return newVM()
	}
	e.created.Add(-1)

	select {
	case vm, ok := <-e.pool:
		if !ok {
			return nil, fmt.Errorf("script engine is closed")
		}
		vm.ClearInterrupt()
		return vm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) release(vm *goja.Runtime) {
	vm.ClearInterrupt()
	// A VM that fails its reset is dropped rather than reused.
	if _, err := vm.RunProgram(resetProgram); err != nil {
		e.created.Add(-1)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.created.Add(-1)
		return
	}
	select {
	case e.pool <- vm:
	default:
		e.created.Add(-1)
	}
}
