package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/comfylink/internal/core/domain"
)

const sampleJSON = `{
  "3": {"class_type": "KSampler", "inputs": {"seed": 156680208700286, "steps": 20, "cfg": 8.0, "model": ["4", 0]}},
  "10": {"class_type": "LoadImage", "inputs": {"image": "placeholder.png"}}
}`

const sampleYAML = `
3:
  class_type: KSampler
  inputs:
    seed: 42
    model: ["4", 0]
    denoise: 0.75
10:
  class_type: LoadImage
  inputs:
    image: placeholder.png
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_JSON(t *testing.T) {
	job, err := Load(writeFile(t, "wf.json", sampleJSON))
	require.NoError(t, err)
	require.Len(t, job, 2)

	// Large seeds survive the round trip unchanged.
	out, err := json.Marshal(job["3"])
	require.NoError(t, err)
	assert.Contains(t, string(out), `"seed":156680208700286`)
}

func TestLoad_YAML(t *testing.T) {
	for _, name := range []string{"wf.yaml", "wf.yml"} {
		job, err := Load(writeFile(t, name, sampleYAML))
		require.NoError(t, err, name)

		node := job["10"].(map[string]any)
		assert.Equal(t, "LoadImage", node["class_type"])

		// The result must encode as JSON.
		_, err = json.Marshal(job)
		assert.NoError(t, err)
	}
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "wf.toml", "x = 1"))
	assert.ErrorContains(t, err, "unsupported workflow format")

	_, err = Load(writeFile(t, "empty.json", "{}"))
	assert.ErrorContains(t, err, "no nodes")

	_, err = Load(writeFile(t, "bad.json", `{"3": {"inputs": {}}}`))
	assert.ErrorContains(t, err, "class_type")

	_, err = Load(writeFile(t, "list.yaml", "- a\n- b\n"))
	assert.Error(t, err)
}

func TestSetInput(t *testing.T) {
	job, err := ParseJSON([]byte(sampleJSON))
	require.NoError(t, err)

	require.NoError(t, SetInput(job, "10", "image", "comfylink-abc.jpg"))
	assert.Equal(t, "comfylink-abc.jpg", job["10"].(map[string]any)["inputs"].(map[string]any)["image"])

	assert.ErrorContains(t, SetInput(job, "99", "image", "x"), "node 99 not found")

	job["20"] = map[string]any{"class_type": "Note"}
	require.NoError(t, SetInput(job, "20", "text", "hello"))
	assert.Equal(t, "hello", job["20"].(map[string]any)["inputs"].(map[string]any)["text"])
}

func TestParseAssignment(t *testing.T) {
	tests := []struct {
		in      string
		node    domain.NodeID
		key     string
		value   string
		wantErr bool
	}{
		{in: "10=input.png", node: "10", key: "image", value: "input.png"},
		{in: "12.mask=mask.png", node: "12", key: "mask", value: "mask.png"},
		{in: "10", wantErr: true},
		{in: "=x.png", wantErr: true},
		{in: "10=", wantErr: true},
	}
	for _, tt := range tests {
		node, key, value, err := ParseAssignment(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.node, node)
		assert.Equal(t, tt.key, key)
		assert.Equal(t, tt.value, value)
	}
}
