package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/switchboard-ai/switchboard/pkg/models"
)

// ExecBinding runs a user-loaded tool as a local command. Arguments are
// passed as a JSON document on stdin; stdout is the tool result.
type ExecBinding struct {
	Command string        `yaml:"command" json:"command"`
	Args    []string      `yaml:"args" json:"args"`
	Timeout time.Duration `yaml:"-" json:"-"`
}

// DefaultExecTimeout bounds user-loaded tool commands that set no timeout.
const DefaultExecTimeout = 30 * time.Second

// Run executes the command and returns its stdout. A non-zero exit includes
// trailing stderr in the error.
func (b *ExecBinding) Run(ctx context.Context, args json.RawMessage) (string, error) {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, b.Command, b.Args...)
	if len(args) > 0 {
		cmd.Stdin = bytes.NewReader(args)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("command failed: %w: %s", err, detail)
		}
		return "", fmt.Errorf("command failed: %w", err)
	}
	return stdout.String(), nil
}

// moduleManifest is the on-disk shape of a user tool module.
type moduleManifest struct {
	Tools []struct {
		Name        string `yaml:"name" json:"name"`
		Description string `yaml:"description" json:"description"`
		Params      []struct {
			Name     string `yaml:"name" json:"name"`
			Type     string `yaml:"type" json:"type"`
			Required bool   `yaml:"required" json:"required"`
		} `yaml:"params" json:"params"`
		Exec struct {
			Command        string   `yaml:"command" json:"command"`
			Args           []string `yaml:"args" json:"args"`
			TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
		} `yaml:"exec" json:"exec"`
	} `yaml:"tools" json:"tools"`
}

const moduleSchema = `{
  "type": "object",
  "required": ["tools"],
  "properties": {
    "tools": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "exec"],
        "properties": {
          "name": {"type": "string", "pattern": "^[a-zA-Z][a-zA-Z0-9_-]*$", "maxLength": 128},
          "description": {"type": "string"},
          "params": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "type"],
              "properties": {
                "name": {"type": "string"},
                "type": {"type": "string", "enum": ["string", "number", "integer", "boolean", "object", "array"]},
                "required": {"type": "boolean"}
              }
            }
          },
          "exec": {
            "type": "object",
            "required": ["command"],
            "properties": {
              "command": {"type": "string", "minLength": 1},
              "args": {"type": "array", "items": {"type": "string"}},
              "timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 600}
            }
          }
        }
      }
    }
  }
}`

var (
	moduleSchemaOnce     sync.Once
	moduleSchemaCompiled *jsonschema.Schema
	moduleSchemaErr      error
)

func compiledModuleSchema() (*jsonschema.Schema, error) {
	moduleSchemaOnce.Do(func() {
		moduleSchemaCompiled, moduleSchemaErr = jsonschema.CompileString("tool_module", moduleSchema)
	})
	return moduleSchemaCompiled, moduleSchemaErr
}

// ModuleError records one module file that failed to load.
type ModuleError struct {
	Path string
	Err  error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %s: %v", e.Path, e.Err)
}

func (e *ModuleError) Unwrap() error { return e.Err }

// Reload rebuilds the full catalog in one call: it reloads the user module
// directory and re-syncs the external origin from the supervisor. New
// sessions see the result; running sessions keep their pinned snapshot.
func (r *Registry) Reload(dir string) (int, []error) {
	loaded, errs := r.LoadUserModules(dir)
	r.SyncExternal()
	return loaded, errs
}

// LoadUserModules scans dir for *.yaml, *.yml and *.json tool manifests and
// replaces the user-loaded origin with their contents. A malformed module is
// skipped and reported; the remaining modules still load. A missing
// directory is treated as empty.
func (r *Registry) LoadUserModules(dir string) (int, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.setUserTools(make(map[string]Descriptor))
			return 0, nil
		}
		return 0, []error{fmt.Errorf("read modules dir: %w", err)}
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	tools := make(map[string]Descriptor)
	var errs []error
	loaded := 0

	for _, name := range names {
		path := filepath.Join(dir, name)
		descriptors, err := loadModuleFile(path)
		if err != nil {
			errs = append(errs, &ModuleError{Path: path, Err: err})
			r.logger.Warn("skipping tool module", "module", path, "error", err)
			continue
		}

		skip := false
		for _, d := range descriptors {
			if prev, exists := tools[d.Name]; exists {
				errs = append(errs, &ModuleError{
					Path: path,
					Err:  &DuplicateToolError{Name: d.Name, Origin: models.OriginUserLoaded},
				})
				r.logger.Warn("skipping tool module with duplicate tool name",
					"module", path,
					"tool", d.Name,
					"first_defined_in", prev.Module)
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		for _, d := range descriptors {
			tools[d.Name] = d
		}
		loaded++
	}

	r.setUserTools(tools)
	r.logger.Info("user tool modules loaded",
		"dir", dir,
		"modules", loaded,
		"tools", len(tools),
		"failed", len(errs))
	return loaded, errs
}

func loadModuleFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the configured modules directory
	if err != nil {
		return nil, err
	}

	// Decode to a generic value first so the schema validates the raw
	// document, then decode again into the typed manifest. YAML documents
	// are round-tripped through JSON so the validator sees the value types
	// it expects.
	var generic any
	isJSON := strings.EqualFold(filepath.Ext(path), ".json")
	if isJSON {
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
	} else {
		var yamlValue any
		if err := yaml.Unmarshal(data, &yamlValue); err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
		jsonData, err := json.Marshal(yamlValue)
		if err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
		if err := json.Unmarshal(jsonData, &generic); err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
	}

	schema, err := compiledModuleSchema()
	if err != nil {
		return nil, fmt.Errorf("compile module schema: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	var manifest moduleManifest
	if isJSON {
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
	}

	descriptors := make([]Descriptor, 0, len(manifest.Tools))
	for _, t := range manifest.Tools {
		params := make([]models.Param, 0, len(t.Params))
		for _, p := range t.Params {
			params = append(params, models.Param{Name: p.Name, Type: p.Type, Required: p.Required})
		}
		binding := &ExecBinding{
			Command: t.Exec.Command,
			Args:    t.Exec.Args,
		}
		if t.Exec.TimeoutSeconds > 0 {
			binding.Timeout = time.Duration(t.Exec.TimeoutSeconds) * time.Second
		}
		descriptors = append(descriptors, Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Params:      params,
			Origin:      models.OriginUserLoaded,
			Exec:        binding,
			Module:      filepath.Base(path),
		})
	}
	return descriptors, nil
}
