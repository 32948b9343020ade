// Package templates loads and resolves task templates: the definition,
// action, and optional model-path tables that together describe how a
// named task runs.
package templates

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
)

// definitionsFile, actionsFile, modelPathsFile are the three structured
// config files the catalog loads per lookup.
const (
	definitionsFile = "definitions.yaml"
	actionsFile     = "actions.yaml"
	modelPathsFile  = "model_paths.yaml"
)

// Overrides carries per-request overrides a submission may apply on top of
// a template's defaults. Mode and image are never overridable.
type Overrides struct {
	CapabilityClass gpuengine.CapabilityClass
	TimeoutSeconds  int
	Metadata        map[string]string
}

// Catalog resolves task templates from a directory of YAML tables. Each
// Resolve call reads the files fresh: there is no cached global state
// beyond the filesystem, so editing the YAML on disk takes effect on the
// next request.
type Catalog struct {
	dir string
}

// New creates a catalog rooted at dir.
func New(dir string) *Catalog {
	return &Catalog{dir: dir}
}

type definitionsTable struct {
	Templates []gpuengine.TaskTemplateDefinition `yaml:"templates"`
}

type actionsTable struct {
	Actions []gpuengine.TaskAction `yaml:"actions"`
}

type modelPathsTable struct {
	Models []gpuengine.ModelPathEntry `yaml:"models"`
}

// Resolve loads the definition and action for name, applies overrides, and
// returns the resolved definition, action, and optional model path entry.
// Unknown template name (missing definition or its matching action) is
// reported as an error the caller should surface as a not-found admission
// failure.
func (c *Catalog) Resolve(name string, overrides Overrides) (gpuengine.TaskTemplateDefinition, gpuengine.TaskAction, *gpuengine.ModelPathEntry, error) {
	var zero gpuengine.TaskTemplateDefinition
	var zeroAction gpuengine.TaskAction

	def, ok, err := c.loadDefinition(name)
	if err != nil {
		return zero, zeroAction, nil, err
	}
	if !ok {
		return zero, zeroAction, nil, fmt.Errorf("unknown task template: %s", name)
	}

	action, ok, err := c.loadAction(name)
	if err != nil {
		return zero, zeroAction, nil, err
	}
	if !ok {
		return zero, zeroAction, nil, fmt.Errorf("no action defined for task template: %s", name)
	}

	applyOverrides(&def, overrides)

	var modelPath *gpuengine.ModelPathEntry
	if def.ModelID != "" {
		modelPath, err = c.loadModelPath(def.ModelID)
		if err != nil {
			return zero, zeroAction, nil, err
		}
	}

	return def, action, modelPath, nil
}

func applyOverrides(def *gpuengine.TaskTemplateDefinition, o Overrides) {
	if o.CapabilityClass != "" {
		def.DefaultCapabilityClass = o.CapabilityClass
	}
	if o.TimeoutSeconds > 0 {
		def.DefaultTimeoutSeconds = o.TimeoutSeconds
	}
	if len(o.Metadata) > 0 {
		if def.DefaultMetadata == nil {
			def.DefaultMetadata = make(map[string]string, len(o.Metadata))
		}
		for k, v := range o.Metadata {
			def.DefaultMetadata[k] = v
		}
	}
}

func (c *Catalog) loadDefinition(name string) (gpuengine.TaskTemplateDefinition, bool, error) {
	var table definitionsTable
	if err := c.loadYAML(definitionsFile, &table); err != nil {
		return gpuengine.TaskTemplateDefinition{}, false, err
	}
	for _, d := range table.Templates {
		if d.Name == name {
			return d, true, nil
		}
	}
	return gpuengine.TaskTemplateDefinition{}, false, nil
}

func (c *Catalog) loadAction(name string) (gpuengine.TaskAction, bool, error) {
	var table actionsTable
	if err := c.loadYAML(actionsFile, &table); err != nil {
		return gpuengine.TaskAction{}, false, err
	}
	for _, a := range table.Actions {
		if a.Name == name {
			return a, true, nil
		}
	}
	return gpuengine.TaskAction{}, false, nil
}

func (c *Catalog) loadModelPath(modelID string) (*gpuengine.ModelPathEntry, error) {
	var table modelPathsTable
	if err := c.loadYAML(modelPathsFile, &table); err != nil {
		return nil, err
	}
	for _, m := range table.Models {
		if m.ModelID == modelID {
			entry := m
			return &entry, nil
		}
	}
	return nil, nil
}

func (c *Catalog) loadYAML(filename string, out interface{}) error {
	path := filepath.Join(c.dir, filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate loads every definition and confirms each has a matching action,
// and that any named model id resolves in the model paths table. Used at
// startup (and by the template validate CLI subcommand) to fail fast on a
// malformed catalog rather than at first request.
func (c *Catalog) Validate() error {
	var definitions definitionsTable
	if err := c.loadYAML(definitionsFile, &definitions); err != nil {
		return err
	}
	var actions actionsTable
	if err := c.loadYAML(actionsFile, &actions); err != nil {
		return err
	}
	var modelPaths modelPathsTable
	if err := c.loadYAML(modelPathsFile, &modelPaths); err != nil {
		return err
	}

	actionNames := make(map[string]bool, len(actions.Actions))
	for _, a := range actions.Actions {
		actionNames[a.Name] = true
	}
	modelIDs := make(map[string]bool, len(modelPaths.Models))
	for _, m := range modelPaths.Models {
		modelIDs[m.ModelID] = true
	}

	for _, d := range definitions.Templates {
		if !actionNames[d.Name] {
			return fmt.Errorf("template %q has no matching action", d.Name)
		}
		if d.ModelID != "" && !modelIDs[d.ModelID] {
			return fmt.Errorf("template %q references unknown model id %q", d.Name, d.ModelID)
		}
	}

	return nil
}
