// Package mock provides a scripted stand-in for the generation backend. It
// serves the same REST and websocket surface, so the relay can run with
// -mock and tests can drive full executions without a GPU box.
package mock

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/comfy-relay/backend/internal/comfy"
)

// Step is one scripted frame sent after the relay subscribes. Exactly one of
// Type, Text or Preview is set; Disconnect closes the socket instead of
// sending.
type Step struct {
	Type       string
	Data       map[string]any
	Text       []byte
	Preview    []byte
	Delay      time.Duration
	Disconnect bool
}

// Event builds a text step.
func Event(eventType string, data map[string]any) Step {
	return Step{Type: eventType, Data: data}
}

// Preview builds a binary step carrying a fully encoded preview frame.
func Preview(tag uint64, image []byte) Step {
	return Step{Preview: comfy.PreviewFrame{Tag: tag, Payload: image}.Bytes()}
}

// WithDelay returns a copy of s sent after d.
func (s Step) WithDelay(d time.Duration) Step {
	s.Delay = d
	return s
}

// RawText builds a text step sent verbatim, valid JSON or not.
func RawText(s string) Step {
	return Step{Text: []byte(s)}
}

// RawBinary builds a binary step sent verbatim, malformed or not.
func RawBinary(b []byte) Step {
	return Step{Preview: b}
}

// Disconnect closes the backend socket at this point of the script.
func Disconnect() Step {
	return Step{Disconnect: true}
}

// fakeJPEG is enough of a JPEG header for consumers that sniff the format.
var fakeJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xFF, 0xD9}

// DefaultScript is a complete successful run ending on outputNode.
func DefaultScript(outputNode string) []Step {
	steps := []Step{
		Event("execution_start", nil),
		Event("execution_cached", map[string]any{"nodes": []string{}}),
		Event("executing", map[string]any{"node": "3"}),
	}
	const total = 4
	for i := 1; i <= total; i++ {
		steps = append(steps,
			Event("progress", map[string]any{"value": i, "max": total, "node": "3"}),
			Preview(comfy.PreviewImage, append([]byte{0, 0, 0, 1}, fakeJPEG...)),
		)
	}
	return append(steps,
		Event("executing", map[string]any{"node": outputNode}),
		Event("executed", map[string]any{"node": outputNode, "output": map[string]any{}}),
		Event("executing", map[string]any{"node": nil}),
		Event("execution_success", nil),
	)
}

// Backend is an http.Handler that imitates the generation backend. Configure
// the exported fields before serving; recorded calls are read through the
// accessor methods.
type Backend struct {
	OutputNode string
	Script     []Step
	// Pace is added before every step on top of Step.Delay.
	Pace time.Duration
	// OmitSID leaves sid out of the initial status frame.
	OmitSID bool
	// RejectStatus, when non-zero, makes POST /prompt answer with it.
	RejectStatus int
	// NodeErrors is returned verbatim as node_errors when set.
	NodeErrors json.RawMessage
	// HistoryDelay is the number of history polls answered with {} before
	// the output shows up.
	HistoryDelay int
	// ImageAvailable controls the HEAD /view answer.
	ImageAvailable bool
	QueueRunning   []string
	QueuePending   []string
	// OnQueueDelete runs inside POST /queue before the answer is written.
	OnQueueDelete func(ids []string)

	mu           sync.Mutex
	promptSeq    int
	prompts      []json.RawMessage
	historyPolls int
	viewProbes   int
	interrupts   int
	deletes      [][]string
	subscribed   []string
}

func NewBackend(outputNode string) *Backend {
	return &Backend{
		OutputNode:     outputNode,
		Script:         DefaultScript(outputNode),
		HistoryDelay:   1,
		ImageAvailable: true,
	}
}

func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", b.handleSystemStats)
	mux.HandleFunc("/prompt", b.handlePrompt)
	mux.HandleFunc("/history/", b.handleHistory)
	mux.HandleFunc("/view", b.handleView)
	mux.HandleFunc("/interrupt", b.handleInterrupt)
	mux.HandleFunc("/queue", b.handleQueue)
	mux.HandleFunc("/ws", b.handleWS)
	return mux
}

// SetQueue replaces the queue contents reported by GET /queue.
func (b *Backend) SetQueue(running, pending []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.QueueRunning = running
	b.QueuePending = pending
}

func (b *Backend) Prompts() []json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]json.RawMessage(nil), b.prompts...)
}

func (b *Backend) HistoryPolls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.historyPolls
}

func (b *Backend) ViewProbes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewProbes
}

func (b *Backend) Interrupts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interrupts
}

func (b *Backend) Deletes() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]string(nil), b.deletes...)
}

func (b *Backend) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subscribed...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (b *Backend) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"system":  map[string]any{"os": "mock", "comfyui_version": "mock"},
		"devices": []any{},
	})
}

func (b *Backend) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	b.mu.Lock()
	b.prompts = append(b.prompts, req.Prompt)
	b.promptSeq++
	id := fmt.Sprintf("mock-prompt-%d", b.promptSeq)
	number := b.promptSeq
	b.mu.Unlock()

	if b.RejectStatus != 0 {
		writeJSON(w, b.RejectStatus, map[string]any{"error": map[string]any{"type": "prompt_outputs_failed_validation"}})
		return
	}
	nodeErrors := json.RawMessage(`{}`)
	if len(b.NodeErrors) > 0 {
		nodeErrors = b.NodeErrors
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prompt_id":   id,
		"number":      number,
		"node_errors": nodeErrors,
	})
}

func (b *Backend) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/history/")

	b.mu.Lock()
	b.historyPolls++
	ready := b.historyPolls > b.HistoryDelay
	b.mu.Unlock()

	if !ready {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		id: map[string]any{
			"outputs": map[string]any{
				b.OutputNode: map[string]any{
					"images": []map[string]string{
						{"filename": "ComfyUI_00001_.png", "subfolder": "", "type": "output"},
					},
				},
			},
		},
	})
}

func (b *Backend) handleView(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.viewProbes++
	b.mu.Unlock()

	if !b.ImageAvailable {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(fakeJPEG)
	}
}

func (b *Backend) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.interrupts++
	b.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (b *Backend) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		b.mu.Lock()
		running, pending := queueItems(b.QueueRunning), queueItems(b.QueuePending)
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"queue_running": running, "queue_pending": pending})
	case http.MethodPost:
		var req struct {
			Delete []string `json:"delete"`
			Clear  bool     `json:"clear"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if b.OnQueueDelete != nil {
			b.OnQueueDelete(req.Delete)
		}
		b.mu.Lock()
		b.deletes = append(b.deletes, req.Delete)
		b.QueueRunning, b.QueuePending = nil, nil
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func queueItems(ids []string) [][]any {
	items := make([][]any, 0, len(ids))
	for i, id := range ids {
		items = append(items, []any{i, id, map[string]any{}, map[string]any{}, []string{}})
	}
	return items
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (b *Backend) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("mock backend: ws upgrade")
		return
	}
	defer conn.Close()

	data := map[string]any{
		"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 0}},
	}
	if !b.OmitSID {
		sid := r.URL.Query().Get("clientId")
		if sid == "" {
			sid = "mock-session"
		}
		data["sid"] = sid
	}
	if err := conn.WriteJSON(map[string]any{"type": "status", "data": data}); err != nil {
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub struct {
			Op   string `json:"op"`
			Data struct {
				PromptID string `json:"prompt_id"`
			} `json:"data"`
		}
		if json.Unmarshal(msg, &sub) != nil || sub.Op != "subscribe_to_prompt" {
			continue
		}
		b.mu.Lock()
		b.subscribed = append(b.subscribed, sub.Data.PromptID)
		b.mu.Unlock()

		if !b.play(conn, sub.Data.PromptID) {
			return
		}
	}
}

// play sends the script for promptID. It returns false once the socket is
// gone or a Disconnect step ran.
func (b *Backend) play(conn *websocket.Conn, promptID string) bool {
	for _, step := range b.Script {
		if d := b.Pace + step.Delay; d > 0 {
			time.Sleep(d)
		}
		switch {
		case step.Disconnect:
			return false
		case step.Preview != nil:
			if err := conn.WriteMessage(websocket.BinaryMessage, step.Preview); err != nil {
				return false
			}
		case step.Text != nil:
			if err := conn.WriteMessage(websocket.TextMessage, step.Text); err != nil {
				return false
			}
		default:
			data := map[string]any{"prompt_id": promptID}
			for k, v := range step.Data {
				data[k] = v
			}
			if err := conn.WriteJSON(map[string]any{"type": step.Type, "data": data}); err != nil {
				return false
			}
		}
	}
	return true
}
