package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/document"
	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func TestDropProcessor(t *testing.T) {
	res := testResources(t)

	p := mustProcessor(t, res, "drop", `{}`)
	out, err := p.Execute(context.Background(), docFrom(t, `{"any":"thing"}`))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestFailProcessor(t *testing.T) {
	res := testResources(t)

	p := mustProcessor(t, res, "fail", `{"message":"tenant is required"}`)
	_, err := p.Execute(context.Background(), docFrom(t, `{}`))
	require.Error(t, err)
	assert.Equal(t, "tenant is required", err.Error())
}

func TestConditionalExecution(t *testing.T) {
	res := testResources(t)
	ctx := context.Background()

	t.Run("false condition passes through", func(t *testing.T) {
		p := mustProcessor(t, res, "fail", `{"message":"never","if":"ctx.explode == true"}`)
		doc := docFrom(t, `{"explode":false}`)
		out, err := p.Execute(ctx, doc)
		require.NoError(t, err)
		assert.Same(t, doc, out)
	})

	t.Run("true condition executes", func(t *testing.T) {
		p := mustProcessor(t, res, "fail", `{"message":"boom","if":"ctx.explode == true"}`)
		_, err := p.Execute(ctx, docFrom(t, `{"explode":true}`))
		require.Error(t, err)
	})

	t.Run("condition sees write metadata", func(t *testing.T) {
		p := mustProcessor(t, res, "set", `{"field":"routed","value":true,"if":"ctx._index == 'logs-app'"}`)
		doc := docFrom(t, `{}`)
		doc.WithIndex("logs-app")
		_, err := p.Execute(ctx, doc)
		require.NoError(t, err)
		assert.True(t, doc.HasValue("routed"))
	})

	t.Run("condition on a missing field is just false", func(t *testing.T) {
		p := mustProcessor(t, res, "set", `{"field":"x","value":1,"if":"ctx.nested != null && ctx.nested.flag == true"}`)
		doc := docFrom(t, `{}`)
		_, err := p.Execute(ctx, doc)
		require.NoError(t, err)
		assert.False(t, doc.HasValue("x"))
	})

	t.Run("skipped executions are not counted", func(t *testing.T) {
		p := mustProcessor(t, res, "set", `{"field":"x","value":1,"if":"ctx.go == true"}`)
		cond := p.(*Conditional)

		_, err := p.Execute(ctx, docFrom(t, `{"go":false}`))
		require.NoError(t, err)
		assert.EqualValues(t, 0, cond.Metrics().Snapshot().Count)

		_, err = p.Execute(ctx, docFrom(t, `{"go":true}`))
		require.NoError(t, err)
		assert.EqualValues(t, 1, cond.Metrics().Snapshot().Count)
	})
}

func TestCompoundChain(t *testing.T) {
	res := testResources(t)
	ctx := context.Background()

	build := func(t *testing.T, defs string) *Compound {
		t.Helper()
		var list []interface{}
		require.NoError(t, jsonUnmarshal(defs, &list))
		procs, err := ReadProcessors(res, list)
		require.NoError(t, err)
		return NewCompound("test-pipeline", false, procs, nil)
	}

	t.Run("runs in order", func(t *testing.T) {
		c := build(t, `[
			{"set":{"field":"a","value":1}},
			{"rename":{"field":"a","target_field":"b"}},
			{"set":{"field":"c","value":3}}
		]`)
		doc := docFrom(t, `{}`)
		out, err := c.Execute(ctx, doc)
		require.NoError(t, err)
		assert.False(t, out.HasValue("a"))
		assert.True(t, out.HasValue("b"))
		assert.True(t, out.HasValue("c"))
	})

	t.Run("failure stops the chain", func(t *testing.T) {
		c := build(t, `[
			{"fail":{"message":"stop"}},
			{"set":{"field":"after","value":1}}
		]`)
		doc := docFrom(t, `{}`)
		_, err := c.Execute(ctx, doc)
		require.Error(t, err)
		assert.False(t, doc.HasValue("after"))

		var pe *pkgerrors.ProcessorError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, TypeFail, pe.ProcessorType)
		assert.Equal(t, "test-pipeline", pe.PipelineID)
	})

	t.Run("drop stops the chain without error", func(t *testing.T) {
		c := build(t, `[
			{"drop":{}},
			{"set":{"field":"after","value":1}}
		]`)
		doc := docFrom(t, `{}`)
		out, err := c.Execute(ctx, doc)
		require.NoError(t, err)
		assert.Nil(t, out)
		assert.False(t, doc.HasValue("after"))
	})
}

func TestCompoundOnFailure(t *testing.T) {
	res := testResources(t)
	ctx := context.Background()

	t.Run("recovery chain rescues the document", func(t *testing.T) {
		p := mustProcessor(t, res, "fail", `{"message":"boom","on_failure":[
			{"set":{"field":"error_message","value":"handled"}}
		]}`)
		doc := docFrom(t, `{}`)
		out, err := p.(*Compound).Execute(ctx, doc)
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.True(t, out.HasValue("error_message"))
	})

	t.Run("failure context is visible during recovery and gone after", func(t *testing.T) {
		// The recovery steps copy the failure metadata into the source
		// through the _ingest path namespace.
		p := mustProcessor(t, res, "fail", `{"message":"boom","tag":"guard","on_failure":[
			{"rename":{"field":"_ingest.on_failure_message","target_field":"failed_message"}},
			{"rename":{"field":"_ingest.on_failure_processor_type","target_field":"failed_type"}},
			{"rename":{"field":"_ingest.on_failure_processor_tag","target_field":"failed_tag"}}
		]}`)
		doc := docFrom(t, `{}`)
		out, err := p.(*Compound).Execute(ctx, doc)
		require.NoError(t, err)

		v, _ := out.GetValue("failed_message")
		assert.Equal(t, "boom", v)
		v, _ = out.GetValue("failed_type")
		assert.Equal(t, TypeFail, v)
		v, _ = out.GetValue("failed_tag")
		assert.Equal(t, "guard", v)

		meta := out.IngestMeta()
		_, present := meta[document.OnFailureMessageField]
		assert.False(t, present)
		_, present = meta[document.OnFailureProcessorTypeField]
		assert.False(t, present)
	})

	t.Run("failing recovery fails the document", func(t *testing.T) {
		p := mustProcessor(t, res, "fail", `{"message":"first","on_failure":[
			{"fail":{"message":"second"}}
		]}`)
		_, err := p.(*Compound).Execute(ctx, docFrom(t, `{}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "second")
	})

	t.Run("drop inside recovery drops the document", func(t *testing.T) {
		p := mustProcessor(t, res, "fail", `{"message":"boom","on_failure":[{"drop":{}}]}`)
		out, err := p.(*Compound).Execute(ctx, docFrom(t, `{}`))
		require.NoError(t, err)
		assert.Nil(t, out)
	})

	t.Run("ignore_failure continues the chain", func(t *testing.T) {
		var list []interface{}
		require.NoError(t, jsonUnmarshal(`[
			{"fail":{"message":"ignored","ignore_failure":true}},
			{"set":{"field":"after","value":true}}
		]`, &list))
		procs, err := ReadProcessors(res, list)
		require.NoError(t, err)
		c := NewCompound("p", false, procs, nil)

		doc := docFrom(t, `{}`)
		out, err := c.Execute(ctx, doc)
		require.NoError(t, err)
		assert.True(t, out.HasValue("after"))
	})

	t.Run("nested attribution points at the origin", func(t *testing.T) {
		// A convert inside an on_failure-wrapped chain keeps its own
		// type in the error, not the wrapper's.
		p := mustProcessor(t, res, "convert", `{"field":"n","type":"long"}`)
		c := NewCompound("outer", false, []Processor{p}, nil)
		_, err := c.Execute(ctx, docFrom(t, `{"n":"NaN"}`))
		require.Error(t, err)

		var pe *pkgerrors.ProcessorError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, TypeConvert, pe.ProcessorType)
		assert.Equal(t, "outer", pe.PipelineID)
	})
}

func TestForEachProcessor(t *testing.T) {
	res := testResources(t)
	ctx := context.Background()

	t.Run("transforms every element in order", func(t *testing.T) {
		p := mustProcessor(t, res, "foreach", `{
			"field": "tags",
			"processor": {"uppercase": {"field": "_ingest._value"}}
		}`)
		doc := docFrom(t, `{"tags":["alpha","beta","gamma"]}`)
		out, err := p.Execute(ctx, doc)
		require.NoError(t, err)

		v, err := out.GetValue("tags")
		require.NoError(t, err)
		assert.Equal(t, []interface{}{"ALPHA", "BETA", "GAMMA"}, v)
	})

	t.Run("nested foreach iterates the inner lists", func(t *testing.T) {
		p := mustProcessor(t, res, "foreach", `{
			"field": "matrix",
			"processor": {"foreach": {
				"field": "_ingest._value",
				"processor": {"uppercase": {"field": "_ingest._value"}}
			}}
		}`)
		doc := docFrom(t, `{"matrix":[["a","b"],["c"]]}`)
		out, err := p.Execute(ctx, doc)
		require.NoError(t, err)

		v, err := out.GetValue("matrix")
		require.NoError(t, err)
		assert.Equal(t, []interface{}{
			[]interface{}{"A", "B"},
			[]interface{}{"C"},
		}, v)
	})

	t.Run("iteration slot is restored afterwards", func(t *testing.T) {
		p := mustProcessor(t, res, "foreach", `{
			"field": "tags",
			"processor": {"uppercase": {"field": "_ingest._value"}}
		}`)
		doc := docFrom(t, `{"tags":["a"]}`)
		doc.IngestMeta()[IngestValueField] = "outer"

		_, err := p.Execute(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, "outer", doc.IngestMeta()[IngestValueField])
	})

	t.Run("empty list leaves an empty list", func(t *testing.T) {
		p := mustProcessor(t, res, "foreach", `{
			"field": "tags",
			"processor": {"uppercase": {"field": "_ingest._value"}}
		}`)
		out, err := p.Execute(ctx, docFrom(t, `{"tags":[]}`))
		require.NoError(t, err)

		v, err := out.GetValue("tags")
		require.NoError(t, err)
		assert.Empty(t, v)
	})

	t.Run("missing field fails unless ignored", func(t *testing.T) {
		p := mustProcessor(t, res, "foreach", `{
			"field": "tags",
			"processor": {"uppercase": {"field": "_ingest._value"}}
		}`)
		_, err := p.Execute(ctx, docFrom(t, `{}`))
		require.Error(t, err)

		p = mustProcessor(t, res, "foreach", `{
			"field": "tags",
			"ignore_missing": true,
			"processor": {"uppercase": {"field": "_ingest._value"}}
		}`)
		doc := docFrom(t, `{"other":1}`)
		out, err := p.Execute(ctx, doc)
		require.NoError(t, err)
		assert.Same(t, doc, out)
	})

	t.Run("scalar fields cannot be iterated", func(t *testing.T) {
		p := mustProcessor(t, res, "foreach", `{
			"field": "n",
			"processor": {"uppercase": {"field": "_ingest._value"}}
		}`)
		_, err := p.Execute(ctx, docFrom(t, `{"n":5}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be iterated")
	})

	t.Run("element failure aborts the iteration", func(t *testing.T) {
		p := mustProcessor(t, res, "foreach", `{
			"field": "tags",
			"processor": {"fail": {"message": "bad element"}}
		}`)
		doc := docFrom(t, `{"tags":["a","b"]}`)
		_, err := p.Execute(ctx, doc)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad element")
		assert.NotContains(t, doc.IngestMeta(), IngestValueField)
	})

	t.Run("drop inside foreach drops the document", func(t *testing.T) {
		p := mustProcessor(t, res, "foreach", `{
			"field": "tags",
			"processor": {"drop": {}}
		}`)
		out, err := p.Execute(ctx, docFrom(t, `{"tags":["a"]}`))
		require.NoError(t, err)
		assert.Nil(t, out)
	})
}

func jsonUnmarshal(source string, target interface{}) error {
	return json.Unmarshal([]byte(source), target)
}
