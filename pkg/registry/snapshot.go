// Package registry stores pipeline configurations and their compiled
// pipelines behind a copy-on-write snapshot. Readers never block: they load
// the current snapshot with a single atomic read and work against immutable
// maps. Writers serialize among themselves and publish complete snapshots.
package registry

import (
	"sort"

	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

// Snapshot is one immutable registry state. A snapshot never changes after
// publication; holding one pins a consistent view of every pipeline.
type Snapshot struct {
	generation int64
	configs    map[string]*pipeline.Configuration
	pipelines  map[string]*pipeline.Pipeline
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		configs:   make(map[string]*pipeline.Configuration),
		pipelines: make(map[string]*pipeline.Pipeline),
	}
}

// Generation is a counter incremented on every published change. Two equal
// generations from the same store are the same snapshot.
func (s *Snapshot) Generation() int64 { return s.generation }

// Config returns the stored configuration for id.
func (s *Snapshot) Config(id string) (*pipeline.Configuration, bool) {
	cfg, ok := s.configs[id]
	return cfg, ok
}

// Pipeline returns the compiled pipeline for id. Configurations that failed
// to compile are represented by placeholder pipelines that fail every
// document with the load error.
func (s *Snapshot) Pipeline(id string) (*pipeline.Pipeline, bool) {
	p, ok := s.pipelines[id]
	return p, ok
}

// IDs returns every stored pipeline id, sorted.
func (s *Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.configs))
	for id := range s.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored pipelines.
func (s *Snapshot) Len() int { return len(s.configs) }
