package registry

import (
	"log/slog"
	"sync"

	"github.com/switchboard-ai/switchboard/internal/supervisor"
	"github.com/switchboard-ai/switchboard/pkg/models"
)

// CapabilitySource supplies the external tool surface. *supervisor.Supervisor
// satisfies it.
type CapabilitySource interface {
	Capabilities() []supervisor.Capability
	Token() uint64
}

// Registry merges tools from all origins into versioned snapshots. Reads go
// through Snapshot, which is O(1) while the catalog is unchanged; any
// mutation invalidates the cached snapshot and the next read rebuilds it.
type Registry struct {
	logger *slog.Logger
	caps   CapabilitySource

	mu          sync.RWMutex
	builtins    map[string]Descriptor
	user        map[string]Descriptor
	external    map[string]Descriptor
	cached      *Snapshot
	version     uint64
	fingerprint uint64
	capToken    uint64
}

// New creates an empty registry. caps may be nil when no external providers
// participate.
func New(caps CapabilitySource, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "registry"),
		caps:     caps,
		builtins: make(map[string]Descriptor),
		user:     make(map[string]Descriptor),
		external: make(map[string]Descriptor),
	}
}

// RegisterBuiltin adds a builtin tool. Two builtins with the same name are a
// programming error and rejected.
func (r *Registry) RegisterBuiltin(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builtins[d.Name]; exists {
		return &DuplicateToolError{Name: d.Name, Origin: models.OriginBuiltin}
	}
	d.Origin = models.OriginBuiltin
	r.builtins[d.Name] = d
	r.cached = nil
	return nil
}

// setUserTools replaces the whole user-loaded origin. Called by the module
// loader after a directory scan.
func (r *Registry) setUserTools(tools map[string]Descriptor) {
	r.mu.Lock()
	r.user = tools
	r.cached = nil
	r.mu.Unlock()
}

// SyncExternal refreshes the external origin from the capability source. It
// is cheap when the source's invalidation token has not moved.
func (r *Registry) SyncExternal() {
	if r.caps == nil {
		return
	}

	token := r.caps.Token()
	r.mu.RLock()
	seen := r.capToken
	r.mu.RUnlock()
	if token == seen {
		return
	}

	capabilities := r.caps.Capabilities()
	external := make(map[string]Descriptor)
	for _, capability := range capabilities {
		for _, spec := range capability.Tools {
			if prev, exists := external[spec.Name]; exists {
				r.logger.Warn("external tool name collision",
					"tool", spec.Name,
					"kept", prev.ProviderID,
					"ignored", capability.ProviderID)
				continue
			}
			external[spec.Name] = Descriptor{
				Name:        spec.Name,
				Description: spec.Description,
				Params:      spec.Params,
				Origin:      models.OriginExternal,
				ProviderID:  capability.ProviderID,
				RemoteName:  spec.Name,
			}
		}
	}

	r.mu.Lock()
	r.external = external
	r.capToken = token
	r.cached = nil
	r.mu.Unlock()
}

// Snapshot returns the current merged catalog. The snapshot is immutable and
// may be retained across registry mutations. The version advances only when
// the merged content actually changed, so repeated reloads of identical
// modules are idempotent.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	if r.cached != nil {
		snap := r.cached
		r.mu.RUnlock()
		return snap
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil {
		return r.cached
	}

	merged := r.mergeLocked()
	candidate := newSnapshot(r.version, merged)
	fp := candidate.fingerprint()
	if fp != r.fingerprint {
		r.version++
		r.fingerprint = fp
		candidate = newSnapshot(r.version, merged)
	}
	r.cached = candidate
	return candidate
}

// Version reports the current catalog revision without forcing a rebuild of
// pending changes.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// mergeLocked applies the conflict priority: builtin beats user-loaded beats
// external. Shadowed tools are logged and dropped from the merged view.
func (r *Registry) mergeLocked() map[string]Descriptor {
	merged := make(map[string]Descriptor, len(r.builtins)+len(r.user)+len(r.external))

	for name, d := range r.builtins {
		merged[name] = d
	}
	for name, d := range r.user {
		if winner, exists := merged[name]; exists {
			r.logger.Warn("tool name conflict",
				"tool", name,
				"kept", winner.Origin,
				"shadowed", d.Origin)
			continue
		}
		merged[name] = d
	}
	for name, d := range r.external {
		if winner, exists := merged[name]; exists {
			r.logger.Warn("tool name conflict",
				"tool", name,
				"kept", winner.Origin,
				"shadowed", d.Origin,
				"provider", d.ProviderID)
			continue
		}
		merged[name] = d
	}
	return merged
}
