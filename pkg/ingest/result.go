package ingest

import (
	"encoding/json"
	"fmt"
	"time"
)

// ItemStatus is the terminal outcome of one bulk item.
type ItemStatus string

const (
	// StatusIndexed marks an item that passed through its pipelines and is
	// ready for indexing.
	StatusIndexed ItemStatus = "indexed"

	// StatusDropped marks an item discarded by a drop processor.
	StatusDropped ItemStatus = "dropped"

	// StatusFailed marks an item whose pipeline execution failed.
	StatusFailed ItemStatus = "failed"
)

// ItemResult reports the outcome of one item, identified by its slot in the
// originating request.
type ItemResult struct {
	Slot   int        `json:"slot"`
	Status ItemStatus `json:"status"`
	Index  string     `json:"_index,omitempty"`
	ID     string     `json:"_id,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// BulkResult is the wire form of a completed batch, published back to the
// result subject.
type BulkResult struct {
	BatchID    string       `json:"batchId"`
	TookMillis int64        `json:"tookMillis"`
	Failed     int          `json:"failed"`
	Dropped    int          `json:"dropped"`
	Items      []ItemResult `json:"items"`

	// Error is set when the batch failed as a whole, before any item
	// executed. Items is empty in that case.
	Error string `json:"error,omitempty"`

	CompletedAt string `json:"completedAt"`
}

// NewBulkResult creates a result envelope for the given batch.
func NewBulkResult(batchID string) *BulkResult {
	return &BulkResult{
		BatchID:     batchID,
		CompletedAt: time.Now().Format(time.RFC3339),
	}
}

// ToBytes serializes the result to JSON.
func (r *BulkResult) ToBytes() ([]byte, error) {
	return json.Marshal(r)
}

// ResultFromBytes deserializes a bulk result from JSON.
func ResultFromBytes(data []byte) (*BulkResult, error) {
	var res BulkResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("malformed bulk result: %w", err)
	}
	return &res, nil
}
