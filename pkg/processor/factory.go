package processor

import (
	"fmt"
	"sync"

	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/script"
)

// Factory builds one processor from its definition. Factories must consume
// every configuration key they understand; unconsumed keys fail validation
// after the factory returns.
type Factory func(res Resources, tag, description string, config map[string]interface{}) (Processor, error)

// Resources is what factories and definition readers have access to while
// building processors.
type Resources struct {
	// Registry resolves processor type names to factories.
	Registry *Registry
	// Engine compiles conditions and script sources.
	Engine *script.Engine
	// Resolver resolves pipeline ids for pipeline processors. May be nil
	// when pipelines cannot reference each other.
	Resolver Resolver
	// PipelineID is the id of the pipeline being built, "" for ad-hoc
	// processor chains.
	PipelineID string
}

// Registry maps processor type names to factories. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a type name. Registering the same name
// twice is a programming error and is rejected.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("processor type name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for processor type [%s] cannot be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: [%s]", pkgerrors.ErrDuplicateProcessorType, name)
	}
	r.factories[name] = factory
	return nil
}

// Factory returns the factory registered under name.
func (r *Registry) Factory(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	return factory, ok
}

// Types returns the registered type names, unordered.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Builtins returns a registry with every builtin processor registered.
func Builtins() (*Registry, error) {
	r := NewRegistry()
	builtins := map[string]Factory{
		TypeSet:       newSetProcessor,
		TypeRemove:    newRemoveProcessor,
		TypeRename:    newRenameProcessor,
		TypeAppend:    newAppendProcessor,
		TypeLowercase: caseFactory(TypeLowercase),
		TypeUppercase: caseFactory(TypeUppercase),
		TypeTrim:      newTrimProcessor,
		TypeConvert:   newConvertProcessor,
		TypeFail:      newFailProcessor,
		TypeDrop:      newDropProcessor,
		TypeForEach:   newForEachProcessor,
		TypeScript:    newScriptProcessor,
		TypePipeline:  newPipelineRefProcessor,
	}
	for name, factory := range builtins {
		if err := r.Register(name, factory); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ReadProcessors builds the processors described by a definition list. Each
// entry must be an object with exactly one key, the processor type.
func ReadProcessors(res Resources, defs []interface{}) ([]Processor, error) {
	processors := make([]Processor, 0, len(defs))
	for _, def := range defs {
		entry, ok := def.(map[string]interface{})
		if !ok {
			return nil, pkgerrors.NewValidationError("processor definition must be an object, got [%T]", def)
		}
		if len(entry) != 1 {
			return nil, pkgerrors.NewValidationError("processor definition must specify exactly one processor type, got %d", len(entry))
		}
		for typ, rawConfig := range entry {
			proc, err := ReadProcessor(res, typ, rawConfig)
			if err != nil {
				return nil, err
			}
			processors = append(processors, proc)
		}
	}
	return processors, nil
}

// ReadProcessor builds one processor from its type name and configuration,
// applying the common wrapping: on_failure and ignore_failure produce a
// compound, an if condition produces a conditional around everything.
func ReadProcessor(res Resources, typ string, rawConfig interface{}) (Processor, error) {
	config, ok := rawConfig.(map[string]interface{})
	if !ok {
		return nil, pkgerrors.NewValidationError("configuration of processor [%s] must be an object, got [%T]", typ, rawConfig)
	}

	tag, err := ReadOptionalString(config, typ, "", "tag", "")
	if err != nil {
		return nil, err
	}
	description, err := ReadOptionalString(config, typ, tag, "description", "")
	if err != nil {
		return nil, err
	}
	conditionSource, err := ReadOptionalString(config, typ, tag, "if", "")
	if err != nil {
		return nil, err
	}
	ignoreFailure, err := ReadBool(config, typ, tag, "ignore_failure", false)
	if err != nil {
		return nil, err
	}
	onFailureDefs, hasOnFailure, err := ReadOptionalList(config, typ, tag, "on_failure")
	if err != nil {
		return nil, err
	}
	if hasOnFailure && len(onFailureDefs) == 0 {
		return nil, pkgerrors.NewPropertyError(typ, tag, "on_failure", "processors list cannot be empty")
	}

	factory, ok := res.Registry.Factory(typ)
	if !ok {
		return nil, pkgerrors.NewPropertyError(typ, tag, "", fmt.Sprintf("no processor type exists with name [%s]", typ))
	}

	onFailure, err := ReadProcessors(res, onFailureDefs)
	if err != nil {
		return nil, err
	}

	proc, err := factory(res, tag, description, config)
	if err != nil {
		return nil, err
	}
	if err := checkLeftovers(config, typ, tag); err != nil {
		return nil, err
	}

	if len(onFailure) > 0 || ignoreFailure {
		proc = NewCompound(res.PipelineID, ignoreFailure, []Processor{proc}, onFailure)
	}
	if conditionSource != "" {
		if res.Engine == nil {
			return nil, pkgerrors.NewPropertyError(typ, tag, "if",
				"conditions are not supported in this context")
		}
		condition, err := res.Engine.CompileCondition(conditionSource)
		if err != nil {
			return nil, pkgerrors.NewPropertyError(typ, tag, "if", err.Error())
		}
		proc = NewConditional(condition, tag, description, proc)
	}
	return proc, nil
}
