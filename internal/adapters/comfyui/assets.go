package comfyui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"

	"github.com/manthysbr/comfylink/internal/core/domain"
)

// historyOutputs reads the history record of a finished job and returns its
// persisted output assets.
func (c *Client) historyOutputs(ctx context.Context, id domain.PromptID) ([]domain.OutputAsset, error) {
	prefix, err := c.resolver.wait(ctx)
	if err != nil {
		return nil, err
	}
	root := c.baseURL + prefix

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, root+"/history/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("history returned HTTP %d: %s", resp.StatusCode, truncate(raw, maxErrorBody))
	}

	var history map[domain.PromptID]historyEntry
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	entry, ok := history[id]
	if !ok {
		return nil, fmt.Errorf("no history record for %s", id)
	}
	return assembleHistory(root, entry), nil
}

// assembleHistory flattens a history record into assets, one per persisted
// output image. Temporary previews and echoed inputs are skipped. Nodes are
// visited in ascending numeric order so results are stable across calls.
func assembleHistory(root string, entry historyEntry) []domain.OutputAsset {
	nodes := make([]domain.NodeID, 0, len(entry.Outputs))
	for node := range entry.Outputs {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return lessNode(nodes[i], nodes[j]) })

	var assets []domain.OutputAsset
	for _, node := range nodes {
		for _, img := range entry.Outputs[node].Images {
			if img.Type != "output" {
				continue
			}
			query := url.Values{}
			query.Set("filename", img.Filename)
			query.Set("subfolder", img.Subfolder)
			query.Set("type", img.Type)
			assets = append(assets, domain.OutputAsset{
				Node:        node,
				URL:         root + "/view?" + query.Encode(),
				Filename:    img.Filename,
				Subfolder:   img.Subfolder,
				Type:        img.Type,
				ContentType: mime.TypeByExtension(path.Ext(img.Filename)),
			})
		}
	}
	return assets
}

// lessNode orders numeric ids numerically and everything else lexically
// after them.
func lessNode(a, b domain.NodeID) bool {
	na, errA := strconv.Atoi(string(a))
	nb, errB := strconv.Atoi(string(b))
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}

// Fetch returns the bytes of an asset. Inline assets are returned as is;
// history assets are downloaded from their view URL.
func (c *Client) Fetch(ctx context.Context, asset domain.OutputAsset) ([]byte, string, error) {
	if asset.Inline() {
		return asset.Data, asset.ContentType, nil
	}
	if asset.URL == "" {
		return nil, "", fmt.Errorf("asset from node %s has neither data nor url", asset.Node)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, "", fmt.Errorf("fetch %s returned HTTP %d: %s", asset.Filename, resp.StatusCode, body)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read asset: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = asset.ContentType
	}
	return data, contentType, nil
}

// Ping checks that the server is reachable and returns its system stats.
func (c *Client) Ping(ctx context.Context) (*SystemStats, error) {
	target, err := c.endpoint(ctx, "/system_stats")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comfyui unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("comfyui health check returned status %d", resp.StatusCode)
	}

	var stats SystemStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode system stats: %w", err)
	}
	return &stats, nil
}
