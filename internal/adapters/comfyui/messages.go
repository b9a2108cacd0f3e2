package comfyui

import (
	"encoding/binary"
	"encoding/json"

	"github.com/manthysbr/comfylink/internal/core/domain"
)

// Event types pushed over the WebSocket channel.
const (
	msgStatus               = "status"
	msgExecutionStart       = "execution_start"
	msgExecuting            = "executing"
	msgExecuted             = "executed"
	msgProgress             = "progress"
	msgExecutionSuccess     = "execution_success"
	msgExecutionInterrupted = "execution_interrupted"
	msgExecutionError       = "execution_error"
)

// binaryHeaderSize is the framing prefix of binary frames:
// 4 bytes event type + 4 bytes image format, both big-endian.
const binaryHeaderSize = 8

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type statusData struct {
	SID string `json:"sid"`
}

type promptRef struct {
	PromptID domain.PromptID `json:"prompt_id"`
}

type progressData struct {
	PromptID domain.PromptID `json:"prompt_id"`
	Node     domain.NodeID   `json:"node"`
	Value    int             `json:"value"`
	Max      int             `json:"max"`
}

type executingData struct {
	PromptID domain.PromptID `json:"prompt_id"`
	Node     *domain.NodeID  `json:"node"` // null once the prompt finished
}

type executionErrorData struct {
	PromptID         domain.PromptID `json:"prompt_id"`
	NodeID           domain.NodeID   `json:"node_id"`
	NodeType         string          `json:"node_type"`
	ExceptionMessage string          `json:"exception_message"`
	ExceptionType    string          `json:"exception_type"`
}

type executionInterruptedData struct {
	PromptID domain.PromptID `json:"prompt_id"`
	NodeID   domain.NodeID   `json:"node_id"`
	NodeType string          `json:"node_type"`
}

type promptRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type promptResponse struct {
	PromptID   domain.PromptID `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors map[string]any  `json:"node_errors"`
}

type errorEnvelope struct {
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details any    `json:"details"`
	} `json:"error"`
	NodeErrors map[string]any `json:"node_errors"`
}

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyNodeOutput struct {
	Images []historyImage `json:"images"`
}

type historyEntry struct {
	Outputs map[domain.NodeID]historyNodeOutput `json:"outputs"`
}

// SystemStats is the subset of /system_stats used for health checks.
type SystemStats struct {
	System struct {
		OS             string `json:"os"`
		PythonVersion  string `json:"python_version"`
		ComfyUIVersion string `json:"comfyui_version"`
	} `json:"system"`
	Devices []struct {
		Name      string `json:"name"`
		Type      string `json:"type"`
		VRAMTotal int64  `json:"vram_total"`
		VRAMFree  int64  `json:"vram_free"`
	} `json:"devices"`
}

// decodeFrame strips the framing header of a binary frame and maps the
// image format field to a MIME type.
func decodeFrame(frame []byte) (data []byte, contentType string, ok bool) {
	if len(frame) < binaryHeaderSize {
		return nil, "", false
	}
	switch binary.BigEndian.Uint32(frame[4:8]) {
	case 1:
		contentType = "image/jpeg"
	case 2:
		contentType = "image/png"
	case 3:
		contentType = "image/webp"
	default:
		contentType = "application/octet-stream"
	}
	data = make([]byte, len(frame)-binaryHeaderSize)
	copy(data, frame[binaryHeaderSize:])
	return data, contentType, true
}
