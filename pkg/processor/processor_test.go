package processor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/document"
	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/script"
)

func TestMain(m *testing.M) {
	EnableExecutionGuards()
	os.Exit(m.Run())
}

func testResources(t *testing.T) Resources {
	t.Helper()
	registry, err := Builtins()
	require.NoError(t, err)
	engine := script.NewEngine(script.Config{})
	t.Cleanup(engine.Close)
	return Resources{Registry: registry, Engine: engine}
}

// conf decodes a JSON object the way pipeline definitions are decoded, so
// numbers arrive as float64 like they would in production.
func conf(t *testing.T, source string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(source), &m))
	return m
}

func mustProcessor(t *testing.T, res Resources, typ, config string) Processor {
	t.Helper()
	p, err := ReadProcessor(res, typ, conf(t, config))
	require.NoError(t, err)
	return p
}

func docFrom(t *testing.T, source string) *document.Document {
	t.Helper()
	doc, err := document.FromJSON([]byte(source))
	require.NoError(t, err)
	return doc
}

func TestReadProcessor(t *testing.T) {
	res := testResources(t)

	t.Run("unknown type", func(t *testing.T) {
		_, err := ReadProcessor(res, "frobnicate", conf(t, `{}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no processor type exists with name [frobnicate]")
		assert.True(t, pkgerrors.IsValidation(err))
	})

	t.Run("unsupported parameters are rejected", func(t *testing.T) {
		_, err := ReadProcessor(res, "set", conf(t, `{"field":"f","value":1,"surplus":true,"extra":2}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not support one or more provided configuration parameters [extra surplus]")
	})

	t.Run("missing required property", func(t *testing.T) {
		_, err := ReadProcessor(res, "set", conf(t, `{"value":1}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "[set] [<none>] field [field] required property is missing")
	})

	t.Run("tag appears in errors", func(t *testing.T) {
		_, err := ReadProcessor(res, "set", conf(t, `{"tag":"my-set","value":1}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "[set] [my-set]")
	})

	t.Run("if wraps in a conditional", func(t *testing.T) {
		p := mustProcessor(t, res, "set", `{"field":"f","value":1,"if":"ctx.go == true"}`)
		cond, ok := p.(*Conditional)
		require.True(t, ok)
		assert.Equal(t, TypeSet, cond.Inner().Type())
	})

	t.Run("on_failure wraps in a compound", func(t *testing.T) {
		p := mustProcessor(t, res, "fail", `{"message":"x","on_failure":[{"set":{"field":"rescued","value":true}}]}`)
		compound, ok := p.(*Compound)
		require.True(t, ok)
		assert.Len(t, compound.Processors(), 1)
		assert.Len(t, compound.OnFailureProcessors(), 1)
	})

	t.Run("empty on_failure list is invalid", func(t *testing.T) {
		_, err := ReadProcessor(res, "set", conf(t, `{"field":"f","value":1,"on_failure":[]}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "processors list cannot be empty")
	})

	t.Run("invalid condition fails at read time", func(t *testing.T) {
		_, err := ReadProcessor(res, "set", conf(t, `{"field":"f","value":1,"if":"ctx.x ==="}`))
		require.Error(t, err)
		assert.True(t, pkgerrors.IsValidation(err))
	})
}

func TestReadProcessors(t *testing.T) {
	res := testResources(t)

	t.Run("one key per entry", func(t *testing.T) {
		defs := []interface{}{
			map[string]interface{}{
				"set":    map[string]interface{}{"field": "a", "value": 1},
				"remove": map[string]interface{}{"field": "b"},
			},
		}
		_, err := ReadProcessors(res, defs)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exactly one processor type")
	})

	t.Run("non-object entries are rejected", func(t *testing.T) {
		_, err := ReadProcessors(res, []interface{}{"set"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be an object")
	})

	t.Run("builds in order", func(t *testing.T) {
		defs := []interface{}{
			map[string]interface{}{"set": map[string]interface{}{"field": "a", "value": 1}},
			map[string]interface{}{"remove": map[string]interface{}{"field": "a"}},
		}
		procs, err := ReadProcessors(res, defs)
		require.NoError(t, err)
		require.Len(t, procs, 2)
		assert.Equal(t, TypeSet, procs[0].Type())
		assert.Equal(t, TypeRemove, procs[1].Type())
	})
}

func TestRegistryRegistration(t *testing.T) {
	r := NewRegistry()
	factory := func(res Resources, tag, description string, config map[string]interface{}) (Processor, error) {
		return nil, nil
	}

	require.NoError(t, r.Register("custom", factory))
	_, ok := r.Factory("custom")
	assert.True(t, ok)

	err := r.Register("custom", factory)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrDuplicateProcessorType))

	assert.Error(t, r.Register("", factory))
	assert.Error(t, r.Register("nilfactory", nil))
}

func TestRunDispatch(t *testing.T) {
	res := testResources(t)

	// Sync processors complete before Run returns.
	p := mustProcessor(t, res, "set", `{"field":"done","value":true}`)
	doc := docFrom(t, `{}`)
	var got *document.Document
	Run(context.Background(), p, doc, func(d *document.Document, err error) {
		require.NoError(t, err)
		got = d
	})
	require.NotNil(t, got)
	assert.True(t, got.HasValue("done"))
}

func TestPanickingProcessorFails(t *testing.T) {
	// executeSync turns a panic into a failure that on_failure can handle.
	panicky := &panicProcessor{}
	compound := NewCompound("p", false, []Processor{panicky}, nil)

	_, err := compound.Execute(context.Background(), document.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processor panicked")
}

type panicProcessor struct {
	base
	syncBehavior
}

func (p *panicProcessor) Execute(context.Context, *document.Document) (*document.Document, error) {
	panic("kaboom")
}
