// Package workflow reads workflow graphs in the server's API format from
// disk and edits single node inputs.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/manthysbr/comfylink/internal/core/domain"
)

// Load reads a workflow from a .json, .yaml or .yml file.
func Load(path string) (domain.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".json", "":
		return ParseJSON(data)
	default:
		return nil, fmt.Errorf("unsupported workflow format %q", filepath.Ext(path))
	}
}

// ParseJSON decodes a workflow in the server's API format.
func ParseJSON(data []byte) (domain.Job, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var job domain.Job
	if err := dec.Decode(&job); err != nil {
		return nil, fmt.Errorf("decode workflow json: %w", err)
	}
	if err := validate(job); err != nil {
		return nil, err
	}
	return job, nil
}

// ParseYAML decodes a YAML rendition of the API format.
func ParseYAML(data []byte) (domain.Job, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode workflow yaml: %w", err)
	}
	normalized, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	nodes, ok := normalized.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("workflow yaml must be a mapping of node ids")
	}
	job := domain.Job(nodes)
	if err := validate(job); err != nil {
		return nil, err
	}
	return job, nil
}

// SetInput sets job[node].inputs[key] to value.
func SetInput(job domain.Job, node domain.NodeID, key string, value any) error {
	raw, ok := job[string(node)]
	if !ok {
		return fmt.Errorf("node %s not found in workflow", node)
	}
	desc, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("node %s is not an object", node)
	}
	inputs, ok := desc["inputs"].(map[string]any)
	if !ok {
		if desc["inputs"] != nil {
			return fmt.Errorf("node %s has malformed inputs", node)
		}
		inputs = make(map[string]any)
		desc["inputs"] = inputs
	}
	inputs[key] = value
	return nil
}

// ParseAssignment splits NODE=VALUE or NODE.KEY=VALUE. The key defaults
// to "image", the input LoadImage nodes read.
func ParseAssignment(s string) (node domain.NodeID, key string, value string, err error) {
	lhs, value, ok := strings.Cut(s, "=")
	if !ok || lhs == "" || value == "" {
		return "", "", "", fmt.Errorf("expected NODE=VALUE, got %q", s)
	}
	nodeStr, key, hasKey := strings.Cut(lhs, ".")
	if !hasKey {
		key = "image"
	}
	if nodeStr == "" || key == "" {
		return "", "", "", fmt.Errorf("expected NODE=VALUE, got %q", s)
	}
	return domain.NodeID(nodeStr), key, value, nil
}

func validate(job domain.Job) error {
	if len(job) == 0 {
		return fmt.Errorf("workflow has no nodes")
	}
	for id, raw := range job {
		desc, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("node %s is not an object", id)
		}
		if _, ok := desc["class_type"].(string); !ok {
			return fmt.Errorf("node %s has no class_type", id)
		}
	}
	return nil
}

// normalize converts YAML-decoded values into their JSON-compatible form.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			n, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return t, nil
	}
}
