package document

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func TestFromJSON(t *testing.T) {
	doc, err := FromJSON([]byte(`{"user":{"name":"alice"},"tags":["a","b"]}`))
	require.NoError(t, err)

	name, err := doc.GetValue("user.name")
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	_, err = FromJSON([]byte(`["not","an","object"]`))
	assert.Error(t, err)

	_, err = FromJSON([]byte(`{"broken":`))
	assert.Error(t, err)
}

func TestGetSetNested(t *testing.T) {
	doc := New()

	require.NoError(t, doc.SetValue("a.b.c", 42))
	v, err := doc.GetValue("a.b.c")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	// Intermediate maps were created.
	inner, err := doc.GetValue("a.b")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"c": 42}, inner)

	_, err = doc.GetValue("a.missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field [missing] not present as part of path [a.missing]")

	// A scalar in the middle of a path cannot be traversed.
	require.NoError(t, doc.SetValue("scalar", "x"))
	err = doc.SetValue("scalar.deeper", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot resolve [deeper] from object of type [string]")
}

func TestListPaths(t *testing.T) {
	doc, err := FromJSON([]byte(`{"tags":["a","b","c"],"users":[{"name":"alice"},{"name":"bob"}]}`))
	require.NoError(t, err)

	t.Run("get by index", func(t *testing.T) {
		v, err := doc.GetValue("tags.1")
		require.NoError(t, err)
		assert.Equal(t, "b", v)

		v, err = doc.GetValue("users.1.name")
		require.NoError(t, err)
		assert.Equal(t, "bob", v)
	})

	t.Run("set by index writes back", func(t *testing.T) {
		require.NoError(t, doc.SetValue("tags.0", "z"))
		v, err := doc.GetValue("tags.0")
		require.NoError(t, err)
		assert.Equal(t, "z", v)

		require.NoError(t, doc.SetValue("users.0.name", "carol"))
		v, err = doc.GetValue("users.0.name")
		require.NoError(t, err)
		assert.Equal(t, "carol", v)
	})

	t.Run("out of bounds", func(t *testing.T) {
		_, err := doc.GetValue("tags.7")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "[7] is out of bounds for array with length [3]")
	})

	t.Run("non-integer index", func(t *testing.T) {
		_, err := doc.GetValue("tags.first")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "[first] is not an integer")
	})

	t.Run("list elements cannot be removed", func(t *testing.T) {
		err := doc.RemoveValue("tags.0")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot remove element [0] of a list")
	})
}

func TestRemoveValue(t *testing.T) {
	doc, err := FromJSON([]byte(`{"keep":1,"drop":2,"nested":{"gone":true}}`))
	require.NoError(t, err)

	require.NoError(t, doc.RemoveValue("drop"))
	assert.False(t, doc.HasValue("drop"))
	assert.True(t, doc.HasValue("keep"))

	require.NoError(t, doc.RemoveValue("nested.gone"))
	assert.False(t, doc.HasValue("nested.gone"))
	assert.True(t, doc.HasValue("nested"))

	err = doc.RemoveValue("drop")
	assert.Error(t, err)
}

func TestMetadataFields(t *testing.T) {
	doc := New().WithIndex("logs").WithID("1").WithRouting("shard-a").WithVersion(3)

	t.Run("read through paths", func(t *testing.T) {
		v, err := doc.GetValue("_index")
		require.NoError(t, err)
		assert.Equal(t, "logs", v)

		v, err = doc.GetValue("_version")
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)
	})

	t.Run("write through paths", func(t *testing.T) {
		require.NoError(t, doc.SetValue("_index", "logs-rerouted"))
		assert.Equal(t, "logs-rerouted", doc.Index())

		require.NoError(t, doc.SetValue("_version", 4))
		assert.Equal(t, int64(4), doc.Meta().Version)
	})

	t.Run("type checked", func(t *testing.T) {
		err := doc.SetValue("_index", 12)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be assigned to metadata field [_index]")
	})

	t.Run("cannot be removed", func(t *testing.T) {
		err := doc.RemoveValue("_id")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot remove metadata field [_id]")
	})

	t.Run("only top-level names are metadata", func(t *testing.T) {
		// A nested _id is an ordinary source field.
		require.NoError(t, doc.SetValue("inner._id", "not-meta"))
		v, err := doc.GetValue("inner._id")
		require.NoError(t, err)
		assert.Equal(t, "not-meta", v)
		assert.Equal(t, "1", doc.ID())
	})
}

func TestIngestMetadata(t *testing.T) {
	doc := New()

	ts, err := doc.GetValue("_ingest.timestamp")
	require.NoError(t, err)
	assert.NotNil(t, ts)
	assert.False(t, doc.Timestamp().IsZero())

	require.NoError(t, doc.SetValue("_ingest.pipeline", "my-pipeline"))
	v, err := doc.GetValue("_ingest.pipeline")
	require.NoError(t, err)
	assert.Equal(t, "my-pipeline", v)

	// Ingest metadata never leaks into the serialized source.
	require.NoError(t, doc.SetValue("field", "value"))
	data, err := doc.ToBytes()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "timestamp")
	assert.Contains(t, string(data), `"field":"value"`)

	err = doc.SetValue("_ingest.", 1)
	assert.Error(t, err)
}

func TestAppendValue(t *testing.T) {
	doc := New()

	// Missing field becomes a list.
	require.NoError(t, doc.AppendValue("tags", "a"))
	v, err := doc.GetValue("tags")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a"}, v)

	// Existing list is extended.
	require.NoError(t, doc.AppendValue("tags", "b", "c"))
	v, err = doc.GetValue("tags")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, v)

	// A scalar is promoted to a list.
	require.NoError(t, doc.SetValue("single", "x"))
	require.NoError(t, doc.AppendValue("single", "y"))
	v, err = doc.GetValue("single")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"x", "y"}, v)
}

func TestPipelineCycleTracking(t *testing.T) {
	doc := New()

	require.NoError(t, doc.StartPipeline("outer"))
	require.NoError(t, doc.StartPipeline("inner"))
	assert.True(t, doc.PipelineRunning("outer"))

	err := doc.StartPipeline("outer")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkgerrors.ErrPipelineCycle))

	doc.FinishPipeline("inner")
	assert.False(t, doc.PipelineRunning("inner"))

	doc.FinishPipeline("outer")
	require.NoError(t, doc.StartPipeline("outer"))
}

func TestClone(t *testing.T) {
	doc, err := FromJSON([]byte(`{"nested":{"n":1},"list":[1,2]}`))
	require.NoError(t, err)
	doc.WithIndex("logs").WithID("1")

	clone := doc.Clone()
	require.NoError(t, clone.SetValue("nested.n", 99))
	require.NoError(t, clone.SetValue("list.0", 99))
	require.NoError(t, clone.SetValue("_index", "other"))

	v, err := doc.GetValue("nested.n")
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)

	v, err = doc.GetValue("list.0")
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)

	assert.Equal(t, "logs", doc.Index())
	assert.Equal(t, "other", clone.Index())
}

func TestGetString(t *testing.T) {
	doc, err := FromJSON([]byte(`{"s":"text","n":7}`))
	require.NoError(t, err)

	s, err := doc.GetString("s")
	require.NoError(t, err)
	assert.Equal(t, "text", s)

	_, err = doc.GetString("n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be cast to string")
}

func TestEmptyPath(t *testing.T) {
	doc := New()
	_, err := doc.GetValue("")
	assert.Error(t, err)
	assert.Error(t, doc.SetValue("", 1))
}
