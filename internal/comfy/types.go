package comfy

import "encoding/json"

// PromptRequest is the body of POST /prompt. Prompt is the workflow
// document, passed through untouched.
type PromptRequest struct {
	Prompt   any    `json:"prompt"`
	ClientID string `json:"client_id"`
}

type PromptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

// HasNodeErrors reports whether the backend flagged any node. The field is
// an object keyed by node id, but older servers send a list.
func (r *PromptResponse) HasNodeErrors() bool {
	switch string(r.NodeErrors) {
	case "", "null", "{}", "[]":
		return false
	}
	return true
}

// ImageRef identifies one file produced by an output node.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type NodeOutput struct {
	Images []ImageRef `json:"images"`
}

type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
}

// History is the body of GET /history/{prompt_id}, keyed by prompt id.
type History map[string]HistoryEntry

// QueueItem is one queue entry: [number, prompt_id, prompt, extra, outputs].
type QueueItem []json.RawMessage

// PromptID returns the second element of the entry.
func (q QueueItem) PromptID() (string, bool) {
	if len(q) < 2 {
		return "", false
	}
	var id string
	if err := json.Unmarshal(q[1], &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}

type QueueState struct {
	Running []QueueItem `json:"queue_running"`
	Pending []QueueItem `json:"queue_pending"`
}

// PromptIDs lists the ids of every running then pending entry.
func (q *QueueState) PromptIDs() []string {
	ids := make([]string, 0, len(q.Running)+len(q.Pending))
	for _, items := range [][]QueueItem{q.Running, q.Pending} {
		for _, item := range items {
			if id, ok := item.PromptID(); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

type queueDeleteRequest struct {
	Delete []string `json:"delete"`
}

type subscribeMessage struct {
	Op   string `json:"op"`
	Data struct {
		PromptID string `json:"prompt_id"`
	} `json:"data"`
}
