package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationErrorMessages(t *testing.T) {
	t.Run("bare reason", func(t *testing.T) {
		err := NewValidationError("pipeline [%s] is empty", "p1")
		assert.Equal(t, "pipeline [p1] is empty", err.Error())
	})

	t.Run("property without processor", func(t *testing.T) {
		err := &ValidationError{Property: "processors", Reason: "required property is missing"}
		assert.Equal(t, "field [processors] required property is missing", err.Error())
	})

	t.Run("processor with property", func(t *testing.T) {
		err := NewPropertyError("set", "my-set", "field", "required property is missing")
		assert.Equal(t, "[set] [my-set] field [field] required property is missing", err.Error())
	})

	t.Run("untagged processor renders <none>", func(t *testing.T) {
		err := NewPropertyError("set", "", "field", "required property is missing")
		assert.Equal(t, "[set] [<none>] field [field] required property is missing", err.Error())
	})

	t.Run("matches the sentinel", func(t *testing.T) {
		err := NewValidationError("nope")
		assert.ErrorIs(t, err, ErrInvalidPipeline)
		assert.True(t, IsValidation(err))
		assert.True(t, IsValidation(fmt.Errorf("put failed: %w", err)))
	})
}

func TestVersionConflictErrorMessages(t *testing.T) {
	t.Run("no existing pipeline", func(t *testing.T) {
		err := &VersionConflictError{PipelineID: "p1", Expected: 3}
		assert.Equal(t, "version conflict, required version [3] for pipeline [p1] but no pipeline was found", err.Error())
	})

	t.Run("version mismatch", func(t *testing.T) {
		current := int64(7)
		err := &VersionConflictError{PipelineID: "p1", Expected: 3, Current: &current}
		assert.Equal(t, "version conflict, required version [3] for pipeline [p1] but current version is [7]", err.Error())
	})

	t.Run("matches the sentinel", func(t *testing.T) {
		err := &VersionConflictError{PipelineID: "p1", Expected: 1}
		assert.ErrorIs(t, err, ErrVersionConflict)
		assert.True(t, IsVersionConflict(err))
	})
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{ID: "ghost"}
	assert.Equal(t, "pipeline [ghost] is missing", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(fmt.Errorf("delete: %w", err)))
	assert.False(t, IsNotFound(errors.New("something else")))
}

func TestUnresolvedPipelineError(t *testing.T) {
	err := &UnresolvedPipelineError{ID: "ghost"}
	assert.Equal(t, "pipeline with id [ghost] does not exist", err.Error())
	assert.ErrorIs(t, err, ErrUnresolvedPipeline)
}

func TestInUseError(t *testing.T) {
	err := &InUseError{
		PipelineID: "enrich",
		IndexCount: 4,
		Examples:   []string{"logs-a", "logs-b", "logs-c"},
	}
	assert.ErrorIs(t, err, ErrPipelineInUse)
	assert.Contains(t, err.Error(), "cannot be deleted")
	assert.Contains(t, err.Error(), "[4] index(es)")
	assert.Contains(t, err.Error(), "logs-a")
}

func TestProcessorError(t *testing.T) {
	cause := errors.New("field [x] not present")

	t.Run("with pipeline", func(t *testing.T) {
		err := NewProcessorError("rename", "move-x", "my-pipeline", cause)
		assert.Equal(t, "processor [rename] with tag [move-x] in pipeline [my-pipeline] failed: field [x] not present", err.Error())
	})

	t.Run("without pipeline or tag", func(t *testing.T) {
		err := NewProcessorError("rename", "", "", cause)
		assert.Equal(t, "processor [rename] with tag [<none>] failed: field [x] not present", err.Error())
	})

	t.Run("unwraps to the cause", func(t *testing.T) {
		err := NewProcessorError("rename", "", "p", cause)
		assert.ErrorIs(t, err, ErrProcessorFailed)
		assert.ErrorIs(t, err, cause)

		var pe *ProcessorError
		require.True(t, errors.As(fmt.Errorf("item 3: %w", err), &pe))
		assert.Equal(t, "rename", pe.ProcessorType)
	})
}

func TestPipelineCycleError(t *testing.T) {
	err := NewPipelineCycleError("loopy")
	assert.ErrorIs(t, err, ErrPipelineCycle)
	assert.Equal(t, "cycle detected for pipeline: loopy", err.Error())
}
