package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/wildcard"
	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/processor"
)

// NoPipeline is the reserved id that disables pipeline execution for a
// write. It can never name a stored pipeline.
const NoPipeline = "_none"

// maxInUseExamples caps how many index names an in-use delete error lists.
const maxInUseExamples = 3

// UsageChecker reports which indices reference a pipeline as their default
// or final pipeline. Deletes of referenced pipelines are rejected.
type UsageChecker interface {
	IndicesUsingPipeline(id string) []string
}

// Store is the pipeline registry. Writes (Put, Delete) serialize on a
// mutex, validate, then publish a fresh immutable snapshot; reads resolve
// against the current snapshot without locking.
//
// Compiled pipelines are reused across snapshots when their configuration
// bytes did not change, so an unrelated put does not reset another
// pipeline's statistics.
type Store struct {
	logger  *zap.Logger
	res     processor.Resources
	usage   UsageChecker
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
}

// NewStore creates an empty registry. usage may be nil, in which case
// deletes skip the in-use check. The store installs itself as the pipeline
// resolver unless res already carries one.
func NewStore(res processor.Resources, usage UsageChecker, logger *zap.Logger) (*Store, error) {
	if res.Registry == nil {
		return nil, errors.New("processor registry cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	s := &Store{
		logger: logger,
		usage:  usage,
	}
	if res.Resolver == nil {
		res.Resolver = s.ResolvePipeline
	}
	s.res = res
	s.current.Store(emptySnapshot())
	return s, nil
}

// Snapshot returns the current registry state. The returned snapshot is
// immutable and stays valid after later writes.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Put validates and stores a pipeline definition, then publishes a new
// snapshot. requiredVersion, when non-nil, must equal the version of the
// stored pipeline or the put fails with a version conflict.
//
// A put whose definition bytes equal the stored ones is a no-op: nothing
// is published and the pipeline keeps its compiled form and statistics.
func (s *Store) Put(id string, definition []byte, contentType pipeline.ContentType, requiredVersion *int64) error {
	if id == "" {
		return pkgerrors.NewValidationError("pipeline id cannot be empty")
	}
	if id == NoPipeline {
		return pkgerrors.NewValidationError("pipeline id [%s] is reserved", NoPipeline)
	}
	if wildcard.IsPattern(id) {
		return pkgerrors.NewValidationError("pipeline id [%s] cannot contain a wildcard", id)
	}

	candidate := pipeline.NewConfiguration(id, definition, contentType)
	declared, err := candidate.DeclaredVersion()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.current.Load()
	existing := snap.configs[id]

	if requiredVersion != nil {
		if existing == nil {
			return &pkgerrors.VersionConflictError{PipelineID: id, Expected: *requiredVersion, Current: nil}
		}
		current := int64(0)
		if v := existing.Version(); v != nil {
			current = *v
		}
		if *requiredVersion != current {
			return &pkgerrors.VersionConflictError{PipelineID: id, Expected: *requiredVersion, Current: &current}
		}
		if declared != nil && *declared == current {
			return pkgerrors.NewValidationError("cannot update pipeline [%s] with the same version [%d]", id, current)
		}
	}

	if existing != nil && existing.Equal(candidate) {
		return nil
	}

	// Reject definitions that do not compile. References to other
	// pipelines are deliberately not resolved here: they bind at
	// execution time, so pipelines may be stored in any order.
	def, err := candidate.Map()
	if err != nil {
		return err
	}
	if _, err := pipeline.Compile(id, def, s.res); err != nil {
		return err
	}

	effective := int64(1)
	switch {
	case declared != nil:
		effective = *declared
	case existing != nil:
		if v := existing.Version(); v != nil {
			effective = *v + 1
		}
	}

	s.publish(snap, func(configs map[string]*pipeline.Configuration) {
		configs[id] = candidate.WithVersion(effective)
	})
	s.logger.Info("Stored pipeline",
		zap.String("pipeline", id),
		zap.Int64("version", effective))
	return nil
}

// matchAllAlias is accepted wherever a pattern is, as a spelling of "*".
const matchAllAlias = "_all"

func normalizePattern(pattern string) string {
	if pattern == matchAllAlias {
		return "*"
	}
	return pattern
}

// Delete removes the pipelines matching pattern and publishes a new
// snapshot. A literal id that matches nothing fails with a not-found
// error, as does a wildcard other than the match-all; "*" (or "_all")
// against an empty registry deletes nothing and succeeds.
func (s *Store) Delete(pattern string) error {
	pattern = normalizePattern(pattern)

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.current.Load()

	var matched []string
	if wildcard.IsPattern(pattern) {
		for id := range snap.configs {
			if wildcard.Match(pattern, id) {
				matched = append(matched, id)
			}
		}
	} else if _, ok := snap.configs[pattern]; ok {
		matched = append(matched, pattern)
	}

	if len(matched) == 0 {
		if wildcard.IsMatchAll(pattern) {
			return nil
		}
		return &pkgerrors.NotFoundError{ID: pattern}
	}

	sort.Strings(matched)
	if err := s.checkNotInUse(matched); err != nil {
		return err
	}

	s.publish(snap, func(configs map[string]*pipeline.Configuration) {
		for _, id := range matched {
			delete(configs, id)
		}
	})
	s.logger.Info("Deleted pipelines", zap.Strings("pipelines", matched))
	return nil
}

// Restore replaces the registry contents with the given configurations in a
// single publish. Unlike Put it does not reject definitions that fail to
// compile: those are substituted by placeholder pipelines that fail every
// document with the load error. Meant for seeding a node from persisted
// definitions, where one broken pipeline must not block the rest.
func (s *Store) Restore(configs []*pipeline.Configuration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.publish(s.current.Load(), func(next map[string]*pipeline.Configuration) {
		for id := range next {
			delete(next, id)
		}
		for _, cfg := range configs {
			next[cfg.ID()] = cfg
		}
	})
	s.logger.Info("Restored pipelines", zap.Int("count", len(configs)))
}

func (s *Store) checkNotInUse(ids []string) error {
	if s.usage == nil {
		return nil
	}
	for _, id := range ids {
		indices := s.usage.IndicesUsingPipeline(id)
		if len(indices) == 0 {
			continue
		}
		examples := indices
		if len(examples) > maxInUseExamples {
			examples = examples[:maxInUseExamples]
		}
		return &pkgerrors.InUseError{
			PipelineID: id,
			IndexCount: len(indices),
			Examples:   examples,
		}
	}
	return nil
}

// Get returns stored configurations. With no arguments it returns every
// pipeline; otherwise each argument is a literal id or a wildcard pattern.
// The result is sorted by id and free of duplicates. Arguments that match
// nothing at all produce a not-found error.
func (s *Store) Get(ids ...string) ([]*pipeline.Configuration, error) {
	snap := s.current.Load()

	var out []*pipeline.Configuration
	if len(ids) == 0 {
		for _, cfg := range snap.configs {
			out = append(out, cfg)
		}
	} else {
		seen := make(map[string]struct{}, len(ids))
		collect := func(id string, cfg *pipeline.Configuration) {
			if _, dup := seen[id]; dup {
				return
			}
			seen[id] = struct{}{}
			out = append(out, cfg)
		}
		for _, id := range ids {
			id = normalizePattern(id)
			if wildcard.IsPattern(id) {
				for key, cfg := range snap.configs {
					if wildcard.Match(id, key) {
						collect(key, cfg)
					}
				}
			} else if cfg, ok := snap.configs[id]; ok {
				collect(id, cfg)
			}
		}
		if len(out) == 0 {
			return nil, &pkgerrors.NotFoundError{ID: strings.Join(ids, ",")}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// ResolvePipeline returns the compiled pipeline for id, or nil when the id
// is unknown. The untyped nil matters: pipeline processors compare the
// resolver result against nil to detect missing pipelines.
func (s *Store) ResolvePipeline(id string) processor.Pipeline {
	p, ok := s.current.Load().pipelines[id]
	if !ok {
		return nil
	}
	return p
}

// Pipelines returns every compiled pipeline in the current snapshot,
// sorted by id. Placeholders for broken configurations are included.
func (s *Store) Pipelines() []*pipeline.Pipeline {
	snap := s.current.Load()
	out := make([]*pipeline.Pipeline, 0, len(snap.pipelines))
	for _, p := range snap.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// publish builds the successor snapshot under s.mu. Configurations carried
// over unchanged keep their compiled pipeline from the previous snapshot;
// changed ones are recompiled and inherit the previous statistics. A
// configuration that stopped compiling is replaced by a placeholder that
// fails every document with the load error.
func (s *Store) publish(old *Snapshot, mutate func(map[string]*pipeline.Configuration)) {
	configs := make(map[string]*pipeline.Configuration, len(old.configs)+1)
	for id, cfg := range old.configs {
		configs[id] = cfg
	}
	mutate(configs)

	next := &Snapshot{
		generation: old.generation + 1,
		configs:    configs,
		pipelines:  make(map[string]*pipeline.Pipeline, len(configs)),
	}

	for id, cfg := range configs {
		if prev, ok := old.configs[id]; ok && prev.Equal(cfg) {
			next.pipelines[id] = old.pipelines[id]
			continue
		}
		compiled, err := s.compile(cfg)
		if err != nil {
			s.logger.Error("Failed to compile pipeline, substituting placeholder",
				zap.String("pipeline", id),
				zap.Error(err))
			sentry.CaptureException(err)
			next.pipelines[id] = pipeline.NewPlaceholder(id, err)
			continue
		}
		if prev, ok := old.pipelines[id]; ok {
			compiled.InheritStats(prev)
		}
		next.pipelines[id] = compiled
	}

	s.current.Store(next)
}

func (s *Store) compile(cfg *pipeline.Configuration) (*pipeline.Pipeline, error) {
	def, err := cfg.Map()
	if err != nil {
		return nil, err
	}
	return pipeline.Compile(cfg.ID(), def, s.res)
}
