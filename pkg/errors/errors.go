// Package errors defines the error taxonomy shared by the ingest engine.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPipeline indicates that a pipeline definition is malformed.
	ErrInvalidPipeline = errors.New("invalid pipeline definition")

	// ErrVersionConflict indicates an optimistic-concurrency mismatch on put.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotFound indicates that a pipeline id or pattern matched nothing.
	ErrNotFound = errors.New("resource not found")

	// ErrUnresolvedPipeline indicates that a write referenced a pipeline id
	// absent from the current registry snapshot.
	ErrUnresolvedPipeline = errors.New("pipeline not found in registry")

	// ErrProcessorFailed indicates that a processor failed while executing
	// a document.
	ErrProcessorFailed = errors.New("processor execution failed")

	// ErrPipelineCycle indicates that a pipeline referenced itself, directly
	// or through nested pipeline processors.
	ErrPipelineCycle = errors.New("cycle detected")

	// ErrDuplicateProcessorType indicates that two factories were registered
	// under the same processor type name.
	ErrDuplicateProcessorType = errors.New("duplicate processor type registration")

	// ErrPipelineInUse indicates a delete was rejected because index
	// settings still reference the pipeline.
	ErrPipelineInUse = errors.New("pipeline is in use")
)

// ValidationError reports a malformed pipeline or processor definition.
// The put that produced it fails and nothing is published.
type ValidationError struct {
	// ProcessorType is the processor the error originated from, if any.
	ProcessorType string

	// ProcessorTag is the tag of that processor, if any.
	ProcessorTag string

	// Property is the offending configuration property, if any.
	Property string

	// Reason is a human-readable description of the problem.
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ProcessorType != "" {
		tag := e.ProcessorTag
		if tag == "" {
			tag = "<none>"
		}
		if e.Property != "" {
			return fmt.Sprintf("[%s] [%s] field [%s] %s", e.ProcessorType, tag, e.Property, e.Reason)
		}
		return fmt.Sprintf("[%s] [%s] %s", e.ProcessorType, tag, e.Reason)
	}
	if e.Property != "" {
		return fmt.Sprintf("field [%s] %s", e.Property, e.Reason)
	}
	return e.Reason
}

// Is makes ValidationError match ErrInvalidPipeline via errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPipeline
}

// NewValidationError creates a ValidationError without processor context.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NewPropertyError creates a ValidationError for one configuration property
// of one processor.
func NewPropertyError(processorType, processorTag, property, reason string) *ValidationError {
	return &ValidationError{
		ProcessorType: processorType,
		ProcessorTag:  processorTag,
		Property:      property,
		Reason:        reason,
	}
}

// VersionConflictError reports an optimistic-concurrency failure on put.
// The message distinguishes "no pipeline found" from a true version mismatch.
type VersionConflictError struct {
	PipelineID string
	Expected   int64
	// Current is nil when no pipeline exists under PipelineID.
	Current *int64
}

func (e *VersionConflictError) Error() string {
	if e.Current == nil {
		return fmt.Sprintf("version conflict, required version [%d] for pipeline [%s] but no pipeline was found", e.Expected, e.PipelineID)
	}
	return fmt.Sprintf("version conflict, required version [%d] for pipeline [%s] but current version is [%d]", e.Expected, e.PipelineID, *e.Current)
}

// Is makes VersionConflictError match ErrVersionConflict via errors.Is.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// NewPipelineCycleError reports that pipeline id is already executing
// against the document that just tried to enter it again.
func NewPipelineCycleError(id string) error {
	return fmt.Errorf("%w for pipeline: %s", ErrPipelineCycle, id)
}

// UnresolvedPipelineError reports a write that referenced a pipeline id
// absent from the registry at execution time.
type UnresolvedPipelineError struct {
	ID string
}

func (e *UnresolvedPipelineError) Error() string {
	return fmt.Sprintf("pipeline with id [%s] does not exist", e.ID)
}

// Is makes UnresolvedPipelineError match ErrUnresolvedPipeline via errors.Is.
func (e *UnresolvedPipelineError) Is(target error) bool {
	return target == ErrUnresolvedPipeline
}

// NotFoundError reports a get or delete referencing an unknown id or a
// wildcard that matched nothing.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("pipeline [%s] is missing", e.ID)
}

// Is makes NotFoundError match ErrNotFound via errors.Is.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// InUseError rejects a delete for a pipeline that index settings still
// reference as a default or final pipeline. Examples holds at most a few
// index names; IndexCount is the full count.
type InUseError struct {
	PipelineID string
	IndexCount int
	Examples   []string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("pipeline [%s] cannot be deleted because it is the default or final pipeline for [%d] index(es) including %v", e.PipelineID, e.IndexCount, e.Examples)
}

// Is makes InUseError match ErrPipelineInUse via errors.Is.
func (e *InUseError) Is(target error) bool {
	return target == ErrPipelineInUse
}

// ProcessorError wraps a processor failure with the context needed to
// attribute it: processor type, tag, and the owning pipeline when known.
type ProcessorError struct {
	ProcessorType string
	ProcessorTag  string
	PipelineID    string
	Err           error
}

func (e *ProcessorError) Error() string {
	tag := e.ProcessorTag
	if tag == "" {
		tag = "<none>"
	}
	if e.PipelineID != "" {
		return fmt.Sprintf("processor [%s] with tag [%s] in pipeline [%s] failed: %v", e.ProcessorType, tag, e.PipelineID, e.Err)
	}
	return fmt.Sprintf("processor [%s] with tag [%s] failed: %v", e.ProcessorType, tag, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProcessorError) Unwrap() error {
	return e.Err
}

// Is makes ProcessorError match ErrProcessorFailed via errors.Is.
func (e *ProcessorError) Is(target error) bool {
	return target == ErrProcessorFailed
}

// NewProcessorError wraps err with processor context. The pipeline id may
// be empty for processors executed outside a named pipeline.
func NewProcessorError(processorType, processorTag, pipelineID string, err error) *ProcessorError {
	return &ProcessorError{
		ProcessorType: processorType,
		ProcessorTag:  processorTag,
		PipelineID:    pipelineID,
		Err:           err,
	}
}

// IsValidation checks whether err is a pipeline/processor validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidPipeline)
}

// IsVersionConflict checks whether err is a version conflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsNotFound checks whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
