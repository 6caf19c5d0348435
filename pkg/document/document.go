// Package document provides the mutable document that flows through ingest
// pipelines. A document is owned by exactly one in-flight execution at a time
// and is never shared between two processor chains.
package document

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Reserved top-level field names that address write metadata rather than
// document source fields.
const (
	MetaIndex   = "_index"
	MetaID      = "_id"
	MetaRouting = "_routing"
	MetaVersion = "_version"
)

// IngestPrefix addresses the ephemeral ingest metadata namespace, e.g.
// "_ingest.timestamp". Ingest metadata exists only while a document moves
// through a pipeline and is never indexed.
const IngestPrefix = "_ingest."

// TimestampField holds the time the document entered the ingest pipeline.
const TimestampField = "timestamp"

// PipelineField holds the id of the pipeline currently executing, restored
// to the enclosing pipeline's id when a nested pipeline returns.
const PipelineField = "pipeline"

// On-failure context fields, populated in ingest metadata while an
// on-failure recovery sequence runs.
const (
	OnFailureMessageField       = "on_failure_message"
	OnFailureProcessorTypeField = "on_failure_processor_type"
	OnFailureProcessorTagField  = "on_failure_processor_tag"
	OnFailurePipelineField      = "on_failure_pipeline"
)

// Metadata carries the write coordinates of a document.
type Metadata struct {
	Index   string `json:"index,omitempty"`
	ID      string `json:"id,omitempty"`
	Routing string `json:"routing,omitempty"`
	Version int64  `json:"version,omitempty"`
}

// Document is a mutable field map plus write metadata. Field access uses
// dotted paths ("user.name", "tags.0") with numeric segments indexing into
// lists. Paths beginning with "_ingest." address the ephemeral ingest
// metadata namespace; the reserved names _index, _id, _routing and _version
// address write metadata.
type Document struct {
	fields     map[string]interface{}
	meta       Metadata
	ingestMeta map[string]interface{}

	// executing tracks pipeline ids currently running against this document,
	// in entry order, to detect reference cycles.
	executing []string
}

// New creates an empty document with a fresh ingest timestamp.
func New() *Document {
	return FromFields(nil)
}

// FromFields creates a document around an existing field map. The map is
// owned by the document afterwards and must not be mutated by the caller.
func FromFields(fields map[string]interface{}) *Document {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return &Document{
		fields:     fields,
		ingestMeta: map[string]interface{}{TimestampField: time.Now().UTC()},
	}
}

// FromJSON creates a document by decoding a JSON object.
func FromJSON(data []byte) (*Document, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("document source is not a JSON object: %w", err)
	}
	return FromFields(fields), nil
}

// WithIndex sets the target index name.
func (d *Document) WithIndex(index string) *Document {
	d.meta.Index = index
	return d
}

// WithID sets the document id.
func (d *Document) WithID(id string) *Document {
	d.meta.ID = id
	return d
}

// WithRouting sets the routing value.
func (d *Document) WithRouting(routing string) *Document {
	d.meta.Routing = routing
	return d
}

// WithVersion sets the document version.
func (d *Document) WithVersion(version int64) *Document {
	d.meta.Version = version
	return d
}

// Meta returns a copy of the write metadata.
func (d *Document) Meta() Metadata {
	return d.meta
}

// Index returns the target index name.
func (d *Document) Index() string { return d.meta.Index }

// ID returns the document id.
func (d *Document) ID() string { return d.meta.ID }

// SetID sets the document id.
func (d *Document) SetID(id string) { d.meta.ID = id }

// Fields returns the live field map. Mutations through the map are visible
// to subsequent processors; use the path accessors where possible.
func (d *Document) Fields() map[string]interface{} {
	return d.fields
}

// IngestMeta returns the live ingest metadata map.
func (d *Document) IngestMeta() map[string]interface{} {
	return d.ingestMeta
}

// Timestamp returns the time the document entered the pipeline.
func (d *Document) Timestamp() time.Time {
	if ts, ok := d.ingestMeta[TimestampField].(time.Time); ok {
		return ts
	}
	return time.Time{}
}

// HasValue reports whether path resolves to a value.
func (d *Document) HasValue(path string) bool {
	_, err := d.GetValue(path)
	return err == nil
}

// GetValue resolves path and returns the value it addresses.
func (d *Document) GetValue(path string) (interface{}, error) {
	leaf, err := d.resolveLeaf(path, false)
	if err != nil {
		return nil, err
	}
	return leaf.get(path)
}

// GetString resolves path and asserts the value is a string.
func (d *Document) GetString(path string) (string, error) {
	v, err := d.GetValue(path)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field [%s] of type [%T] cannot be cast to string", path, v)
	}
	return s, nil
}

// SetValue stores value at path, creating intermediate maps as needed.
func (d *Document) SetValue(path string, value interface{}) error {
	leaf, err := d.resolveLeaf(path, true)
	if err != nil {
		return err
	}
	return leaf.set(path, value)
}

// RemoveValue deletes the value at path.
func (d *Document) RemoveValue(path string) error {
	leaf, err := d.resolveLeaf(path, false)
	if err != nil {
		return err
	}
	return leaf.remove(path)
}

// AppendValue appends values to the list at path. A missing field becomes a
// new list; an existing scalar is promoted to a list first.
func (d *Document) AppendValue(path string, values ...interface{}) error {
	existing, err := d.GetValue(path)
	if err != nil {
		return d.SetValue(path, append([]interface{}{}, values...))
	}
	list, ok := existing.([]interface{})
	if !ok {
		list = []interface{}{existing}
	}
	return d.SetValue(path, append(list, values...))
}

// StartPipeline records that pipeline id began executing against this
// document. It fails when the id is already executing, which means a
// pipeline processor chain loops back on itself.
func (d *Document) StartPipeline(id string) error {
	for _, executing := range d.executing {
		if executing == id {
			return pkgerrors.NewPipelineCycleError(id)
		}
	}
	d.executing = append(d.executing, id)
	return nil
}

// FinishPipeline records that pipeline id finished executing.
func (d *Document) FinishPipeline(id string) {
	for i := len(d.executing) - 1; i >= 0; i-- {
		if d.executing[i] == id {
			d.executing = append(d.executing[:i], d.executing[i+1:]...)
			return
		}
	}
}

// PipelineRunning reports whether pipeline id is currently executing
// against this document.
func (d *Document) PipelineRunning(id string) bool {
	for _, executing := range d.executing {
		if executing == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the document, detached from the original.
func (d *Document) Clone() *Document {
	clone := &Document{
		fields:     deepCopyMap(d.fields),
		meta:       d.meta,
		ingestMeta: deepCopyMap(d.ingestMeta),
	}
	clone.executing = append(clone.executing, d.executing...)
	return clone
}

// ToBytes serializes the document source to JSON.
func (d *Document) ToBytes() ([]byte, error) {
	return json.Marshal(d.fields)
}

// leaf is the resolved last step of a path: either a key in a map, an index
// in a list, or a write-metadata slot.
type leaf struct {
	doc    *Document
	fields map[string]interface{}
	key    string
	list   []interface{}
	index  int
	meta   bool
}

func (l leaf) get(path string) (interface{}, error) {
	if l.list != nil {
		return l.list[l.index], nil
	}
	if l.meta {
		switch l.key {
		case MetaIndex:
			return l.doc.meta.Index, nil
		case MetaID:
			return l.doc.meta.ID, nil
		case MetaRouting:
			return l.doc.meta.Routing, nil
		case MetaVersion:
			return l.doc.meta.Version, nil
		}
	}
	v, ok := l.fields[l.key]
	if !ok {
		return nil, fmt.Errorf("field [%s] not present as part of path [%s]", l.key, path)
	}
	return v, nil
}

func (l leaf) set(path string, value interface{}) error {
	if l.list != nil {
		l.list[l.index] = value
		return nil
	}
	if l.meta {
		switch l.key {
		case MetaIndex, MetaID, MetaRouting:
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("value of type [%T] cannot be assigned to metadata field [%s]", value, l.key)
			}
			switch l.key {
			case MetaIndex:
				l.doc.meta.Index = s
			case MetaID:
				l.doc.meta.ID = s
			case MetaRouting:
				l.doc.meta.Routing = s
			}
			return nil
		case MetaVersion:
			n, ok := toInt64(value)
			if !ok {
				return fmt.Errorf("value of type [%T] cannot be assigned to metadata field [%s]", value, l.key)
			}
			l.doc.meta.Version = n
			return nil
		}
	}
	l.fields[l.key] = value
	return nil
}

func (l leaf) remove(path string) error {
	if l.list != nil {
		return fmt.Errorf("cannot remove element [%d] of a list as part of path [%s]", l.index, path)
	}
	if l.meta {
		return fmt.Errorf("cannot remove metadata field [%s]", l.key)
	}
	if _, ok := l.fields[l.key]; !ok {
		return fmt.Errorf("field [%s] not present as part of path [%s]", l.key, path)
	}
	delete(l.fields, l.key)
	return nil
}

// resolveLeaf walks all but the last path segment. With create set, missing
// intermediate maps are created; lists are only ever navigated.
func (d *Document) resolveLeaf(path string, create bool) (leaf, error) {
	if path == "" {
		return leaf{}, fmt.Errorf("path cannot be empty")
	}

	current := d.fields
	inSource := true
	if rest, ok := strings.CutPrefix(path, IngestPrefix); ok {
		if rest == "" {
			return leaf{}, fmt.Errorf("path cannot be empty")
		}
		current = d.ingestMeta
		path = rest
		inSource = false
	}

	segments := strings.Split(path, ".")
	for i := 0; i < len(segments)-1; i++ {
		seg := segments[i]
		value, ok := current[seg]
		if !ok {
			if !create {
				return leaf{}, fmt.Errorf("field [%s] not present as part of path [%s]", seg, path)
			}
			next := make(map[string]interface{})
			current[seg] = next
			current = next
			continue
		}
		switch typed := value.(type) {
		case map[string]interface{}:
			current = typed
		case []interface{}:
			idxSeg := segments[i+1]
			idx, err := strconv.Atoi(idxSeg)
			if err != nil {
				return leaf{}, fmt.Errorf("[%s] is not an integer, cannot be used as an index as part of path [%s]", idxSeg, path)
			}
			if idx < 0 || idx >= len(typed) {
				return leaf{}, fmt.Errorf("[%d] is out of bounds for array with length [%d] as part of path [%s]", idx, len(typed), path)
			}
			if i+1 == len(segments)-1 {
				return leaf{doc: d, list: typed, index: idx}, nil
			}
			elem, ok := typed[idx].(map[string]interface{})
			if !ok {
				return leaf{}, fmt.Errorf("cannot resolve [%s] from object of type [%T] as part of path [%s]", segments[i+2], typed[idx], path)
			}
			current = elem
			i++
		default:
			return leaf{}, fmt.Errorf("cannot resolve [%s] from object of type [%T] as part of path [%s]", segments[i+1], value, path)
		}
	}

	key := segments[len(segments)-1]
	meta := inSource && len(segments) == 1 && isMetaField(key)
	return leaf{doc: d, fields: current, key: key, meta: meta}, nil
}

func isMetaField(name string) bool {
	switch name {
	case MetaIndex, MetaID, MetaRouting, MetaVersion:
		return true
	}
	return false
}

func deepCopyMap(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v interface{}) interface{} {
	switch typed := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(typed)
	case []interface{}:
		list := make([]interface{}, len(typed))
		for i, item := range typed {
			list[i] = deepCopyValue(item)
		}
		return list
	default:
		return v
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch typed := v.(type) {
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		return int64(typed), true
	case json.Number:
		n, err := typed.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
