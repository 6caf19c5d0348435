// Package metadata supplies the slice of index metadata the ingest engine
// needs: which pipelines an index is configured with. The engine never
// owns index metadata, it only reads it through the Resolver interface.
package metadata

import (
	"sort"
	"sync"

	"github.com/wehubfusion/Daedalus/internal/wildcard"
)

// Settings is the pipeline-relevant slice of an index's settings. Empty
// strings mean no pipeline is configured.
type Settings struct {
	// DefaultPipeline runs for writes that name no pipeline themselves.
	DefaultPipeline string
	// FinalPipeline always runs last and cannot be skipped by the request.
	FinalPipeline string
}

// Resolver resolves a write target to its effective settings. The target
// may be a concrete index, a write alias, or a name that only matches
// templates because the index does not exist yet.
type Resolver interface {
	Resolve(target string) Settings
}

// template is one index template: a name pattern plus the settings an index
// created from it would get. Higher priority wins.
type template struct {
	pattern  string
	priority int
	settings Settings
}

// StaticResolver is an in-memory Resolver fed by the embedding application.
// It models the three-step resolution of a write target: alias to write
// index, concrete index settings, then the highest-priority matching
// template for indices that would be auto-created.
type StaticResolver struct {
	mu        sync.RWMutex
	indices   map[string]Settings
	aliases   map[string]string
	templates []template
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		indices: make(map[string]Settings),
		aliases: make(map[string]string),
	}
}

// PutIndex registers a concrete index and its settings.
func (r *StaticResolver) PutIndex(name string, settings Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indices[name] = settings
}

// DeleteIndex removes a concrete index.
func (r *StaticResolver) DeleteIndex(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.indices, name)
}

// PutAlias routes writes addressed to alias to the given write index.
func (r *StaticResolver) PutAlias(alias, writeIndex string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = writeIndex
}

// PutTemplate registers a template for indices that do not exist yet.
// Among templates whose pattern matches, the highest priority wins.
func (r *StaticResolver) PutTemplate(pattern string, priority int, settings Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = append(r.templates, template{pattern: pattern, priority: priority, settings: settings})
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(target string) Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := target
	if writeIndex, ok := r.aliases[target]; ok {
		name = writeIndex
	}
	if settings, ok := r.indices[name]; ok {
		return settings
	}

	best := -1
	var settings Settings
	for _, t := range r.templates {
		if t.priority > best && wildcard.Match(t.pattern, name) {
			best = t.priority
			settings = t.settings
		}
	}
	return settings
}

// IndicesUsingPipeline returns the sorted names of concrete indices whose
// default or final pipeline is id.
func (r *StaticResolver) IndicesUsingPipeline(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, settings := range r.indices {
		if settings.DefaultPipeline == id || settings.FinalPipeline == id {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
