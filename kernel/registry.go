package kernel

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/relaykit/orchestrator/core"
	"gopkg.in/yaml.v3"
)

// Registry maps tool name to tool instance (spec.md §4.3). It is built up
// during startup via Register and is treated as immutable afterward — per
// spec.md §5's shared-resource policy, a Registry with no further writes is
// safe to share across concurrent requests without synchronization beyond
// the RWMutex already in place for the construction window.
//
// Grounded on orchestration/catalog.go's AgentCatalog: an RWMutex-protected
// map with a component-scoped logger, trimmed to the kernel's simpler
// name->Tool contract (no capability index, no discovery refresh).
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger core.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("kernel/registry")
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a tool under its own Name(). Rejects a tool with an empty
// name or a name already registered — names are case-sensitive and unique.
func (r *Registry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return core.NewFrameworkError("registry.Register", "invalid_configuration", core.ErrInvalidConfiguration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name()]; exists {
		return core.NewFrameworkErrorWithID("registry.Register", "already_registered", tool.Name(), core.ErrAlreadyRegistered)
	}

	r.tools[tool.Name()] = tool
	r.logger.Info("tool registered", map[string]interface{}{"tool_name": tool.Name()})
	return nil
}

// Get looks up a tool by name, failing with tool_not_found if absent.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	if !exists {
		return nil, core.NewFrameworkErrorWithID("registry.Get", "tool_not_found", name, core.ErrToolNotFound)
	}
	return tool, nil
}

// Has reports whether name is registered, without the error-allocation
// overhead of Get — used by the Router's fallback-availability checks.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[name]
	return exists
}

// List returns every registered tool name, sorted for deterministic output
// (used by the planner prompt and the guardrail whitelist).
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// toolManifestEntry is one entry of the optional YAML tool-registry
// bootstrap file (SPEC_FULL.md §4.3's domain-stack addition). The manifest
// only records which tool names the deployment expects to be present; the
// concrete Tool implementations are still constructed and Registered in Go
// — the manifest is a deployment-time checklist, not a tool factory.
type toolManifestEntry struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

type toolManifest struct {
	Tools []toolManifestEntry `yaml:"tools"`
}

// LoadManifest reads a YAML tool manifest (config/tools.yaml-shaped) and
// verifies every listed name is present in the registry, returning an error
// naming the first omission. It performs no registration itself.
func (r *Registry) LoadManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.NewFrameworkErrorWithID("registry.LoadManifest", "invalid_configuration", path, err)
	}

	var manifest toolManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return core.NewFrameworkErrorWithID("registry.LoadManifest", "invalid_configuration", path, err)
	}

	for _, entry := range manifest.Tools {
		if !r.Has(entry.Name) {
			return core.NewFrameworkErrorWithID("registry.LoadManifest", "invalid_configuration", entry.Name,
				fmt.Errorf("tool %q listed in manifest but never registered", entry.Name))
		}
	}
	return nil
}
