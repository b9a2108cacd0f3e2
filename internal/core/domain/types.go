package domain

import "encoding/json"

// NodeID is a workflow node identifier ("9", "12:3", ...).
type NodeID string

// ConnState is the lifecycle state of the streaming connection.
type ConnState string

const (
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected" // socket open, no session yet
	ConnStateReady        ConnState = "ready"     // session identity known
	ConnStateReconnecting ConnState = "reconnecting"
	ConnStateClosed       ConnState = "closed"
)

// OutputAsset is one result produced by a job, tagged with its originating node.
// Assets decoded from binary frames carry Data; assets read from the history
// record carry URL and the server-side file coordinates.
type OutputAsset struct {
	Node        NodeID `json:"node"`
	URL         string `json:"url,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Subfolder   string `json:"subfolder,omitempty"`
	Type        string `json:"type,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"-"`
}

// Inline reports whether the asset bytes were delivered over the stream.
func (a OutputAsset) Inline() bool {
	return len(a.Data) > 0
}

// Progress is the payload of a progress event.
type Progress struct {
	PromptID PromptID        `json:"prompt_id"`
	Node     NodeID          `json:"node"`
	Value    int             `json:"value"`
	Max      int             `json:"max"`
	Raw      json.RawMessage `json:"-"`
}
