package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
)

func writeCatalog(t *testing.T, definitions, actions, modelPaths string) *Catalog {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, definitionsFile), []byte(definitions), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, actionsFile), []byte(actions), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, modelPathsFile), []byte(modelPaths), 0o644))
	return New(dir)
}

const sampleDefinitions = `
templates:
  - name: classify-image
    mode: oneoff
    capability_class: low
    timeout_seconds: 30
    model_id: resnet50
`

const sampleActions = `
actions:
  - name: classify-image
    image: registry.local/classify:latest
    command: ["python", "run.py"]
    env: ["LOG_LEVEL=info"]
`

const sampleModelPaths = `
models:
  - model_id: resnet50
    path: /models/resnet50
`

func TestResolveReturnsDefinitionActionAndModelPath(t *testing.T) {
	c := writeCatalog(t, sampleDefinitions, sampleActions, sampleModelPaths)

	def, action, modelPath, err := c.Resolve("classify-image", Overrides{})
	require.NoError(t, err)

	assert.Equal(t, gpuengine.TaskModeOneoff, def.Mode)
	assert.Equal(t, "registry.local/classify:latest", action.Image)
	require.NotNil(t, modelPath)
	assert.Equal(t, "/models/resnet50", modelPath.Path)
}

func TestResolveUnknownTemplateIsError(t *testing.T) {
	c := writeCatalog(t, sampleDefinitions, sampleActions, sampleModelPaths)

	_, _, _, err := c.Resolve("does-not-exist", Overrides{})
	assert.Error(t, err)
}

func TestResolveMissingActionIsError(t *testing.T) {
	c := writeCatalog(t, sampleDefinitions, `actions: []`, sampleModelPaths)

	_, _, _, err := c.Resolve("classify-image", Overrides{})
	assert.Error(t, err)
}

func TestResolveAppliesCapabilityClassOverride(t *testing.T) {
	c := writeCatalog(t, sampleDefinitions, sampleActions, sampleModelPaths)

	def, _, _, err := c.Resolve("classify-image", Overrides{CapabilityClass: gpuengine.CapabilityHigh})
	require.NoError(t, err)
	assert.Equal(t, gpuengine.CapabilityHigh, def.DefaultCapabilityClass)
}

func TestResolveMetadataOverrideMergesShallow(t *testing.T) {
	definitionsWithMeta := `
templates:
  - name: classify-image
    mode: oneoff
    capability_class: low
    timeout_seconds: 30
    metadata:
      owner: platform
      tier: standard
`
	c := writeCatalog(t, definitionsWithMeta, sampleActions, sampleModelPaths)

	def, _, _, err := c.Resolve("classify-image", Overrides{Metadata: map[string]string{"tier": "premium"}})
	require.NoError(t, err)

	assert.Equal(t, "platform", def.DefaultMetadata["owner"])
	assert.Equal(t, "premium", def.DefaultMetadata["tier"])
}

func TestValidateFailsOnMissingAction(t *testing.T) {
	c := writeCatalog(t, sampleDefinitions, `actions: []`, sampleModelPaths)
	err := c.Validate()
	assert.Error(t, err)
}

func TestValidateFailsOnUnknownModelID(t *testing.T) {
	c := writeCatalog(t, sampleDefinitions, sampleActions, `models: []`)
	err := c.Validate()
	assert.Error(t, err)
}

func TestValidatePassesForConsistentCatalog(t *testing.T) {
	c := writeCatalog(t, sampleDefinitions, sampleActions, sampleModelPaths)
	assert.NoError(t, c.Validate())
}
