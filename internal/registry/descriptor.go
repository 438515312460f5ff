// Package registry maintains the unified tool catalog. Tools arrive from
// three origins (builtin handlers, user-loaded modules, external providers)
// and are merged into immutable versioned snapshots with a fixed conflict
// priority: builtin wins over user-loaded, user-loaded wins over external.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"hash"
	"hash/fnv"
	"sort"

	"github.com/switchboard-ai/switchboard/pkg/models"
)

// Handler executes a builtin tool.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Descriptor describes one tool in the catalog together with its binding.
// Exactly one binding is set, matching Origin: Handler for builtin tools,
// Exec for user-loaded tools, ProviderID/RemoteName for external tools.
type Descriptor struct {
	Name        string
	Description string
	Params      []models.Param
	Origin      models.ToolOrigin

	Handler Handler
	Exec    *ExecBinding
	// Module is the manifest file a user-loaded tool came from.
	Module string

	ProviderID string
	RemoteName string
}

// signature writes a stable content fingerprint of the descriptor, excluding
// the Handler binding which has no comparable identity.
func (d *Descriptor) signature(h hash.Hash64) {
	writeField(h, d.Name)
	writeField(h, string(d.Origin))
	writeField(h, d.Description)
	for _, p := range d.Params {
		writeField(h, p.Name)
		writeField(h, p.Type)
		if p.Required {
			writeField(h, "!")
		}
	}
	if d.Exec != nil {
		writeField(h, d.Exec.Command)
		for _, a := range d.Exec.Args {
			writeField(h, a)
		}
	}
	writeField(h, d.Module)
	writeField(h, d.ProviderID)
	writeField(h, d.RemoteName)
}

func writeField(h hash.Hash64, s string) {
	_, _ = h.Write([]byte(s))
	_, _ = h.Write([]byte{0})
}

// Snapshot is an immutable, versioned view of the merged catalog. Readers
// share snapshots freely; mutations to the registry never alter an
// already-issued snapshot.
type Snapshot struct {
	version uint64
	tools   map[string]Descriptor
	names   []string
}

// Version identifies the catalog revision this snapshot was taken from.
func (s *Snapshot) Version() uint64 { return s.version }

// Lookup finds a tool by name.
func (s *Snapshot) Lookup(name string) (Descriptor, bool) {
	d, ok := s.tools[name]
	return d, ok
}

// Names returns the tool names in sorted order.
func (s *Snapshot) Names() []string { return s.names }

// Len reports the number of tools in the snapshot.
func (s *Snapshot) Len() int { return len(s.tools) }

// List returns all descriptors in name order.
func (s *Snapshot) List() []Descriptor {
	out := make([]Descriptor, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.tools[name])
	}
	return out
}

func newSnapshot(version uint64, tools map[string]Descriptor) *Snapshot {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Snapshot{version: version, tools: tools, names: names}
}

// fingerprint hashes the snapshot content so reloads that change nothing can
// keep the current version.
func (s *Snapshot) fingerprint() uint64 {
	h := fnv.New64a()
	for _, name := range s.names {
		d := s.tools[name]
		d.signature(h)
	}
	return h.Sum64()
}

// DuplicateToolError reports a name collision within a single origin, which
// is always a caller mistake rather than a cross-origin conflict.
type DuplicateToolError struct {
	Name   string
	Origin models.ToolOrigin
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q already registered with origin %s", e.Name, e.Origin)
}
