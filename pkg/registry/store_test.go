package registry

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/document"
	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/processor"
	"github.com/wehubfusion/Daedalus/pkg/script"
)

func TestMain(m *testing.M) {
	processor.EnableExecutionGuards()
	os.Exit(m.Run())
}

func newTestStore(t *testing.T, usage UsageChecker) *Store {
	t.Helper()
	registry, err := processor.Builtins()
	require.NoError(t, err)
	engine := script.NewEngine(script.Config{})
	t.Cleanup(engine.Close)
	store, err := NewStore(processor.Resources{Registry: registry, Engine: engine}, usage, zap.NewNop())
	require.NoError(t, err)
	return store
}

func mustPut(t *testing.T, s *Store, id, definition string) {
	t.Helper()
	require.NoError(t, s.Put(id, []byte(definition), pipeline.ContentTypeJSON, nil))
}

func runThrough(t *testing.T, p processor.Pipeline, source string) (*document.Document, error) {
	t.Helper()
	doc, err := document.FromJSON([]byte(source))
	require.NoError(t, err)
	var (
		result  *document.Document
		execErr error
		fired   bool
	)
	p.Execute(context.Background(), doc, func(out *document.Document, err error) {
		result, execErr, fired = out, err, true
	})
	require.True(t, fired, "pipeline did not report completion")
	return result, execErr
}

func versionPtr(v int64) *int64 { return &v }

const setEnvDef = `{"processors":[{"set":{"field":"env","value":"prod"}}]}`

func TestNewStore(t *testing.T) {
	registry, err := processor.Builtins()
	require.NoError(t, err)

	_, err = NewStore(processor.Resources{}, nil, zap.NewNop())
	assert.ErrorContains(t, err, "processor registry cannot be nil")

	_, err = NewStore(processor.Resources{Registry: registry}, nil, nil)
	assert.ErrorContains(t, err, "logger cannot be nil")
}

func TestPutAndGet(t *testing.T) {
	store := newTestStore(t, nil)

	mustPut(t, store, "beta", setEnvDef)
	mustPut(t, store, "alpha", setEnvDef)
	mustPut(t, store, "logs-app", setEnvDef)
	mustPut(t, store, "logs-db", setEnvDef)

	t.Run("get everything sorted", func(t *testing.T) {
		configs, err := store.Get()
		require.NoError(t, err)
		ids := make([]string, len(configs))
		for i, cfg := range configs {
			ids[i] = cfg.ID()
		}
		assert.Equal(t, []string{"alpha", "beta", "logs-app", "logs-db"}, ids)
	})

	t.Run("get by id", func(t *testing.T) {
		configs, err := store.Get("alpha")
		require.NoError(t, err)
		require.Len(t, configs, 1)
		assert.Equal(t, "alpha", configs[0].ID())
		require.NotNil(t, configs[0].Version())
		assert.EqualValues(t, 1, *configs[0].Version())
	})

	t.Run("get by wildcard", func(t *testing.T) {
		configs, err := store.Get("logs-*")
		require.NoError(t, err)
		require.Len(t, configs, 2)
		assert.Equal(t, "logs-app", configs[0].ID())
		assert.Equal(t, "logs-db", configs[1].ID())
	})

	t.Run("overlapping patterns do not duplicate", func(t *testing.T) {
		configs, err := store.Get("alpha", "alpha", "*")
		require.NoError(t, err)
		assert.Len(t, configs, 4)
	})

	t.Run("underscore all spells match-all", func(t *testing.T) {
		configs, err := store.Get("_all")
		require.NoError(t, err)
		assert.Len(t, configs, 4)
	})

	t.Run("nothing matched", func(t *testing.T) {
		_, err := store.Get("ghost")
		require.Error(t, err)
		assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
	})
}

func TestPutValidation(t *testing.T) {
	store := newTestStore(t, nil)

	t.Run("empty id", func(t *testing.T) {
		err := store.Put("", []byte(setEnvDef), pipeline.ContentTypeJSON, nil)
		assert.ErrorContains(t, err, "pipeline id cannot be empty")
	})

	t.Run("reserved id", func(t *testing.T) {
		err := store.Put(NoPipeline, []byte(setEnvDef), pipeline.ContentTypeJSON, nil)
		assert.ErrorContains(t, err, "pipeline id [_none] is reserved")
	})

	t.Run("wildcard id", func(t *testing.T) {
		err := store.Put("logs-*", []byte(setEnvDef), pipeline.ContentTypeJSON, nil)
		assert.ErrorContains(t, err, "pipeline id [logs-*] cannot contain a wildcard")
	})

	t.Run("definition must decode", func(t *testing.T) {
		err := store.Put("p", []byte(`{"processors":`), pipeline.ContentTypeJSON, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidPipeline)
	})

	t.Run("definition must compile and nothing is stored", func(t *testing.T) {
		err := store.Put("p", []byte(`{"processors":[{"frobnicate":{}}]}`), pipeline.ContentTypeJSON, nil)
		require.Error(t, err)
		assert.True(t, pkgerrors.IsValidation(err))

		_, err = store.Get("p")
		assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
	})
}

func TestPutVersioning(t *testing.T) {
	t.Run("versions count up from one", func(t *testing.T) {
		store := newTestStore(t, nil)
		mustPut(t, store, "p", setEnvDef)

		configs, err := store.Get("p")
		require.NoError(t, err)
		assert.EqualValues(t, 1, *configs[0].Version())

		mustPut(t, store, "p", `{"processors":[{"set":{"field":"env","value":"staging"}}]}`)
		configs, err = store.Get("p")
		require.NoError(t, err)
		assert.EqualValues(t, 2, *configs[0].Version())
	})

	t.Run("declared version is used verbatim", func(t *testing.T) {
		store := newTestStore(t, nil)
		mustPut(t, store, "p", `{"version":40,"processors":[]}`)

		configs, err := store.Get("p")
		require.NoError(t, err)
		assert.EqualValues(t, 40, *configs[0].Version())
	})

	t.Run("required version on a missing pipeline", func(t *testing.T) {
		store := newTestStore(t, nil)
		err := store.Put("p", []byte(setEnvDef), pipeline.ContentTypeJSON, versionPtr(3))
		require.Error(t, err)
		assert.ErrorIs(t, err, pkgerrors.ErrVersionConflict)
		assert.Contains(t, err.Error(), "required version [3] for pipeline [p] but no pipeline was found")
	})

	t.Run("required version mismatch", func(t *testing.T) {
		store := newTestStore(t, nil)
		mustPut(t, store, "p", setEnvDef)

		err := store.Put("p", []byte(setEnvDef), pipeline.ContentTypeJSON, versionPtr(5))
		require.Error(t, err)
		assert.ErrorIs(t, err, pkgerrors.ErrVersionConflict)
		assert.Contains(t, err.Error(), "required version [5] for pipeline [p] but current version is [1]")
	})

	t.Run("update must move the version forward", func(t *testing.T) {
		store := newTestStore(t, nil)
		mustPut(t, store, "p", setEnvDef)

		err := store.Put("p", []byte(`{"version":1,"processors":[]}`), pipeline.ContentTypeJSON, versionPtr(1))
		require.Error(t, err)
		assert.ErrorContains(t, err, "cannot update pipeline [p] with the same version [1]")

		err = store.Put("p", []byte(`{"version":2,"processors":[]}`), pipeline.ContentTypeJSON, versionPtr(1))
		require.NoError(t, err)
		configs, err := store.Get("p")
		require.NoError(t, err)
		assert.EqualValues(t, 2, *configs[0].Version())
	})
}

func TestPutByteIdenticalIsNoop(t *testing.T) {
	store := newTestStore(t, nil)
	mustPut(t, store, "p", setEnvDef)

	before := store.Snapshot()
	mustPut(t, store, "p", setEnvDef)
	after := store.Snapshot()

	assert.Same(t, before, after)
	assert.Equal(t, before.Generation(), after.Generation())
}

func TestCompiledPipelineReuse(t *testing.T) {
	store := newTestStore(t, nil)
	mustPut(t, store, "a", setEnvDef)
	mustPut(t, store, "b", setEnvDef)

	first, ok := store.Snapshot().Pipeline("a")
	require.True(t, ok)

	// An unrelated put keeps a's compiled pipeline, statistics included.
	mustPut(t, store, "b", `{"processors":[{"set":{"field":"env","value":"staging"}}]}`)
	second, ok := store.Snapshot().Pipeline("a")
	require.True(t, ok)
	assert.Same(t, first, second)
}

func TestStatsSurviveRedefinition(t *testing.T) {
	store := newTestStore(t, nil)
	mustPut(t, store, "p", setEnvDef)

	compiled, _ := store.Snapshot().Pipeline("p")
	_, err := runThrough(t, compiled, `{}`)
	require.NoError(t, err)
	require.EqualValues(t, 1, compiled.Metrics().Count)

	t.Run("same shape carries processor counters", func(t *testing.T) {
		mustPut(t, store, "p", `{"description":"retuned","processors":[{"set":{"field":"env","value":"prod"}}]}`)
		next, _ := store.Snapshot().Pipeline("p")
		require.NotSame(t, compiled, next)

		assert.EqualValues(t, 1, next.Metrics().Count)
		snapshots := next.ProcessorStats()
		require.Len(t, snapshots, 1)
		assert.EqualValues(t, 1, snapshots[0].Stats.Count)
	})

	t.Run("reshaped pipeline keeps only the aggregate", func(t *testing.T) {
		mustPut(t, store, "p", `{"processors":[
			{"set":{"field":"env","value":"prod"}},
			{"set":{"field":"region","value":"eu"}}
		]}`)
		next, _ := store.Snapshot().Pipeline("p")

		assert.EqualValues(t, 1, next.Metrics().Count)
		for _, snap := range next.ProcessorStats() {
			assert.EqualValues(t, 0, snap.Stats.Count)
		}
	})
}

func TestDelete(t *testing.T) {
	t.Run("literal id", func(t *testing.T) {
		store := newTestStore(t, nil)
		mustPut(t, store, "p", setEnvDef)

		require.NoError(t, store.Delete("p"))
		_, err := store.Get("p")
		assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
	})

	t.Run("missing literal id", func(t *testing.T) {
		store := newTestStore(t, nil)
		err := store.Delete("ghost")
		require.Error(t, err)
		assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
		assert.EqualError(t, err, "pipeline [ghost] is missing")
	})

	t.Run("wildcard deletes the matching set", func(t *testing.T) {
		store := newTestStore(t, nil)
		mustPut(t, store, "a", setEnvDef)
		mustPut(t, store, "logs-1", setEnvDef)
		mustPut(t, store, "logs-2", setEnvDef)

		require.NoError(t, store.Delete("logs-*"))
		assert.Equal(t, []string{"a"}, store.Snapshot().IDs())
	})

	t.Run("partial wildcard matching nothing", func(t *testing.T) {
		store := newTestStore(t, nil)
		mustPut(t, store, "a", setEnvDef)

		err := store.Delete("logs-*")
		assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
	})

	t.Run("match-all against an empty registry is silent", func(t *testing.T) {
		store := newTestStore(t, nil)
		assert.NoError(t, store.Delete("*"))
	})

	t.Run("underscore all deletes everything", func(t *testing.T) {
		store := newTestStore(t, nil)
		mustPut(t, store, "a", setEnvDef)
		mustPut(t, store, "b", setEnvDef)

		require.NoError(t, store.Delete("_all"))
		assert.Empty(t, store.Snapshot().IDs())
		assert.NoError(t, store.Delete("_all"))
	})
}

type fakeUsage struct {
	refs map[string][]string
}

func (f fakeUsage) IndicesUsingPipeline(id string) []string { return f.refs[id] }

func TestDeleteInUse(t *testing.T) {
	usage := fakeUsage{refs: map[string][]string{
		"guarded": {"idx-1", "idx-2", "idx-3", "idx-4", "idx-5"},
	}}
	store := newTestStore(t, usage)
	mustPut(t, store, "guarded", setEnvDef)
	mustPut(t, store, "free", setEnvDef)

	err := store.Delete("guarded")
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrPipelineInUse)

	var inUse *pkgerrors.InUseError
	require.ErrorAs(t, err, &inUse)
	assert.Equal(t, "guarded", inUse.PipelineID)
	assert.Equal(t, 5, inUse.IndexCount)
	assert.Equal(t, []string{"idx-1", "idx-2", "idx-3"}, inUse.Examples)

	// The pipeline is still there, and unreferenced ones delete fine.
	_, err = store.Get("guarded")
	require.NoError(t, err)
	assert.NoError(t, store.Delete("free"))
}

func TestResolvePipeline(t *testing.T) {
	store := newTestStore(t, nil)

	t.Run("unknown id resolves to untyped nil", func(t *testing.T) {
		// An interface holding a typed nil would slip past the missing
		// pipeline check, so compare against nil directly.
		if p := store.ResolvePipeline("ghost"); p != nil {
			t.Fatalf("expected untyped nil, got %#v", p)
		}
	})

	t.Run("pipelines reference each other regardless of put order", func(t *testing.T) {
		mustPut(t, store, "parent", `{"processors":[{"pipeline":{"name":"child"}}]}`)
		mustPut(t, store, "child", `{"processors":[{"set":{"field":"from_child","value":true}}]}`)

		parent := store.ResolvePipeline("parent")
		require.NotNil(t, parent)
		result, err := runThrough(t, parent, `{}`)
		require.NoError(t, err)
		v, _ := result.GetValue("from_child")
		assert.Equal(t, true, v)
	})

	t.Run("dangling reference fails the document", func(t *testing.T) {
		mustPut(t, store, "dangling", `{"processors":[{"pipeline":{"name":"nowhere"}}]}`)

		p := store.ResolvePipeline("dangling")
		require.NotNil(t, p)
		_, err := runThrough(t, p, `{}`)
		require.Error(t, err)
		assert.ErrorIs(t, err, pkgerrors.ErrUnresolvedPipeline)
	})
}

func TestRestore(t *testing.T) {
	store := newTestStore(t, nil)
	mustPut(t, store, "stale", setEnvDef)

	good := pipeline.NewConfiguration("good", []byte(setEnvDef), pipeline.ContentTypeJSON)
	broken := pipeline.NewConfiguration("broken", []byte(`{"processors":[{"frobnicate":{}}]}`), pipeline.ContentTypeJSON)
	store.Restore([]*pipeline.Configuration{good, broken})

	t.Run("contents are replaced wholesale", func(t *testing.T) {
		assert.Equal(t, []string{"broken", "good"}, store.Snapshot().IDs())
	})

	t.Run("broken definitions become placeholders", func(t *testing.T) {
		p, ok := store.Snapshot().Pipeline("broken")
		require.True(t, ok)
		assert.Contains(t, p.Description(), "place holder")

		_, err := runThrough(t, p, `{}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipeline with id [broken] could not be loaded")
	})

	t.Run("healthy definitions execute", func(t *testing.T) {
		p := store.ResolvePipeline("good")
		require.NotNil(t, p)
		result, err := runThrough(t, p, `{}`)
		require.NoError(t, err)
		v, _ := result.GetValue("env")
		assert.Equal(t, "prod", v)
	})

	t.Run("byte identical configurations keep their compiled form", func(t *testing.T) {
		before, _ := store.Snapshot().Pipeline("good")
		store.Restore([]*pipeline.Configuration{
			pipeline.NewConfiguration("good", []byte(setEnvDef), pipeline.ContentTypeJSON),
		})
		after, _ := store.Snapshot().Pipeline("good")
		assert.Same(t, before, after)
	})
}

func TestSnapshotGeneration(t *testing.T) {
	store := newTestStore(t, nil)
	assert.EqualValues(t, 0, store.Snapshot().Generation())

	mustPut(t, store, "a", setEnvDef)
	assert.EqualValues(t, 1, store.Snapshot().Generation())

	mustPut(t, store, "b", setEnvDef)
	assert.EqualValues(t, 2, store.Snapshot().Generation())

	require.NoError(t, store.Delete("a"))
	assert.EqualValues(t, 3, store.Snapshot().Generation())

	snap := store.Snapshot()
	assert.Equal(t, 1, snap.Len())
	_, ok := snap.Config("b")
	assert.True(t, ok)
}
