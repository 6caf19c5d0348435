// Package ingest coordinates pipeline execution over bulk write batches:
// per-item pipeline resolution, main-then-final execution, drop and failure
// routing, and exactly-once batch completion.
package ingest

import (
	"github.com/wehubfusion/Daedalus/pkg/registry"
)

// Action is the kind of a bulk write item.
type Action string

const (
	ActionIndex  Action = "index"
	ActionDelete Action = "delete"
	ActionUpdate Action = "update"
)

// Item is one write in a bulk batch. Only index items are eligible for
// pipeline execution; delete and update items pass through untouched.
// Successful execution writes the document's final coordinates and source
// back onto the item.
type Item struct {
	Action  Action
	Index   string
	ID      string
	Routing string
	Version int64

	// Pipeline is the explicit request pipeline. After resolution it holds
	// the effective pipeline id, NoPipeline when none applies.
	Pipeline string

	// FinalPipeline is resolved from index metadata; requests cannot set it.
	FinalPipeline string

	// Source is the JSON document body of an index item.
	Source []byte

	resolved bool
}

// Resolved reports whether pipeline resolution already ran for this item.
func (it *Item) Resolved() bool { return it.resolved }

// needsExecution reports whether a resolved item has a pipeline to run.
func (it *Item) needsExecution() bool {
	return it.Pipeline != registry.NoPipeline || it.FinalPipeline != registry.NoPipeline
}
