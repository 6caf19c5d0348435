// Package pipeline compiles raw pipeline definitions into executable
// pipelines. A stored definition stays in its original encoded form; only
// compiled pipelines know about processors.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ContentType identifies the encoding of a stored pipeline definition.
type ContentType string

const (
	ContentTypeJSON    ContentType = "application/json"
	ContentTypeYAML    ContentType = "application/yaml"
	ContentTypeMsgpack ContentType = "application/x-msgpack"
)

// Configuration is a stored pipeline definition: the raw bytes exactly as
// they were put, plus the id, encoding and the effective version assigned
// at put time. It is immutable after creation; two configurations with
// equal bytes are interchangeable.
type Configuration struct {
	id          string
	definition  []byte
	contentType ContentType
	version     *int64
}

// NewConfiguration creates a configuration around a copy of definition.
func NewConfiguration(id string, definition []byte, contentType ContentType) *Configuration {
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	raw := make([]byte, len(definition))
	copy(raw, definition)
	return &Configuration{id: id, definition: raw, contentType: contentType}
}

// ID returns the pipeline id.
func (c *Configuration) ID() string { return c.id }

// ContentType returns the encoding of the definition bytes.
func (c *Configuration) ContentType() ContentType { return c.contentType }

// Definition returns the stored definition bytes. Callers must not mutate
// the returned slice.
func (c *Configuration) Definition() []byte { return c.definition }

// Version returns the effective version assigned when the configuration
// was stored, nil for configurations that were never stored.
func (c *Configuration) Version() *int64 { return c.version }

// WithVersion returns a copy of c carrying the effective version. The
// definition bytes are shared.
func (c *Configuration) WithVersion(version int64) *Configuration {
	out := *c
	out.version = &version
	return &out
}

// Equal reports whether two configurations are byte-identical, same id,
// encoding and definition. Equal configurations compile to equal pipelines.
func (c *Configuration) Equal(other *Configuration) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.id == other.id &&
		c.contentType == other.contentType &&
		bytes.Equal(c.definition, other.definition)
}

// Map decodes the definition into a generic map.
func (c *Configuration) Map() (map[string]interface{}, error) {
	def := make(map[string]interface{})
	switch c.contentType {
	case ContentTypeJSON:
		if err := json.Unmarshal(c.definition, &def); err != nil {
			return nil, fmt.Errorf("%w: pipeline [%s] definition is not valid JSON: %v", pkgerrors.ErrInvalidPipeline, c.id, err)
		}
	case ContentTypeYAML:
		if err := yaml.Unmarshal(c.definition, &def); err != nil {
			return nil, fmt.Errorf("%w: pipeline [%s] definition is not valid YAML: %v", pkgerrors.ErrInvalidPipeline, c.id, err)
		}
	case ContentTypeMsgpack:
		if err := msgpack.Unmarshal(c.definition, &def); err != nil {
			return nil, fmt.Errorf("%w: pipeline [%s] definition is not valid msgpack: %v", pkgerrors.ErrInvalidPipeline, c.id, err)
		}
	default:
		return nil, fmt.Errorf("%w: pipeline [%s] has unsupported content type [%s]", pkgerrors.ErrInvalidPipeline, c.id, c.contentType)
	}
	return def, nil
}

// DeclaredVersion returns the version declared inside the definition, nil
// when the definition does not declare one. JSON definitions are peeked
// without a full decode.
func (c *Configuration) DeclaredVersion() (*int64, error) {
	if c.contentType == ContentTypeJSON {
		result := gjson.GetBytes(c.definition, "version")
		if !result.Exists() {
			return nil, nil
		}
		if result.Type != gjson.Number {
			return nil, fmt.Errorf("%w: pipeline [%s] version must be a number", pkgerrors.ErrInvalidPipeline, c.id)
		}
		v := result.Int()
		return &v, nil
	}

	def, err := c.Map()
	if err != nil {
		return nil, err
	}
	raw, ok := def["version"]
	if !ok {
		return nil, nil
	}
	v, ok := numericVersion(raw)
	if !ok {
		return nil, fmt.Errorf("%w: pipeline [%s] version must be a number", pkgerrors.ErrInvalidPipeline, c.id)
	}
	return &v, nil
}

func numericVersion(raw interface{}) (int64, bool) {
	switch typed := raw.(type) {
	case int:
		return int64(typed), true
	case int8:
		return int64(typed), true
	case int16:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case uint64:
		return int64(typed), true
	case float64:
		return int64(typed), true
	case json.Number:
		v, err := typed.Int64()
		return v, err == nil
	default:
		return 0, false
	}
}
