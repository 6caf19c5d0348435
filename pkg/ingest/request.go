package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ItemRequest is the wire form of one write in a bulk request. Document
// coordinate keys follow the bulk conventions (_index, _id); envelope keys
// are camelCase.
type ItemRequest struct {
	// Action defaults to index when empty.
	Action   Action          `json:"action,omitempty"`
	Index    string          `json:"_index,omitempty"`
	ID       string          `json:"_id,omitempty"`
	Routing  string          `json:"_routing,omitempty"`
	Version  int64           `json:"_version,omitempty"`
	Pipeline string          `json:"pipeline,omitempty"`
	Source   json.RawMessage `json:"source,omitempty"`
}

// BulkRequest is the wire form of one ingest batch, serialized to JSON for
// transmission over JetStream.
type BulkRequest struct {
	// BatchID identifies the batch end to end.
	BatchID string `json:"batchId"`

	// DefaultIndex applies to items without an explicit index.
	DefaultIndex string `json:"defaultIndex,omitempty"`

	// DefaultPipeline applies to index items without an explicit pipeline.
	DefaultPipeline string `json:"defaultPipeline,omitempty"`

	Items []ItemRequest `json:"items"`

	CreatedAt string `json:"createdAt"`
}

// NewBulkRequest creates an empty bulk request with a generated batch id.
func NewBulkRequest() *BulkRequest {
	return &BulkRequest{
		BatchID:   uuid.NewString(),
		CreatedAt: time.Now().Format(time.RFC3339),
	}
}

// WithDefaultIndex sets the index applied to items without one.
func (r *BulkRequest) WithDefaultIndex(index string) *BulkRequest {
	r.DefaultIndex = index
	return r
}

// WithDefaultPipeline sets the pipeline applied to index items without one.
func (r *BulkRequest) WithDefaultPipeline(pipeline string) *BulkRequest {
	r.DefaultPipeline = pipeline
	return r
}

// Add appends an item to the request.
func (r *BulkRequest) Add(item ItemRequest) *BulkRequest {
	r.Items = append(r.Items, item)
	return r
}

// AddDocument appends an index item for the given document source.
func (r *BulkRequest) AddDocument(index, id string, source []byte) *BulkRequest {
	return r.Add(ItemRequest{
		Action: ActionIndex,
		Index:  index,
		ID:     id,
		Source: source,
	})
}

// Validate checks the request is executable: at least one item, every item
// a known action with a target index (possibly via the default), and every
// index item carrying a source document.
func (r *BulkRequest) Validate() error {
	if len(r.Items) == 0 {
		return fmt.Errorf("bulk request contains no items")
	}
	for i, item := range r.Items {
		action := item.Action
		if action == "" {
			action = ActionIndex
		}
		switch action {
		case ActionIndex, ActionDelete, ActionUpdate:
		default:
			return fmt.Errorf("item [%d] has unknown action [%s]", i, item.Action)
		}
		if item.Index == "" && r.DefaultIndex == "" {
			return fmt.Errorf("item [%d] has no target index", i)
		}
		if action == ActionIndex && len(item.Source) == 0 {
			return fmt.Errorf("item [%d] is an index action without a source document", i)
		}
	}
	return nil
}

// Build materializes the wire items into executable items, applying the
// request-level defaults.
func (r *BulkRequest) Build() []*Item {
	items := make([]*Item, 0, len(r.Items))
	for _, ir := range r.Items {
		item := &Item{
			Action:   ir.Action,
			Index:    ir.Index,
			ID:       ir.ID,
			Routing:  ir.Routing,
			Version:  ir.Version,
			Pipeline: ir.Pipeline,
			Source:   append([]byte(nil), ir.Source...),
		}
		if item.Action == "" {
			item.Action = ActionIndex
		}
		if item.Index == "" {
			item.Index = r.DefaultIndex
		}
		if item.Pipeline == "" && item.Action == ActionIndex {
			item.Pipeline = r.DefaultPipeline
		}
		items = append(items, item)
	}
	return items
}

// ToBytes serializes the request to JSON.
func (r *BulkRequest) ToBytes() ([]byte, error) {
	return json.Marshal(r)
}

// RequestFromBytes deserializes a bulk request from JSON.
func RequestFromBytes(data []byte) (*BulkRequest, error) {
	var req BulkRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed bulk request: %w", err)
	}
	return &req, nil
}
