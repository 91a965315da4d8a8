// Package api is the HTTP request layer: run the loaded workflow, report
// status, edit the workflow between runs and interrupt the backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/comfy-relay/backend/internal/logging"
	"github.com/comfy-relay/backend/internal/monitor"
	"github.com/comfy-relay/backend/internal/orchestrator"
	"github.com/comfy-relay/backend/internal/workflow"
)

const maxBodyBytes = 1 << 20

// Runner is the orchestrator surface the handlers use.
type Runner interface {
	Submit(ctx context.Context, doc any) (*orchestrator.Outcome, error)
	Snapshot() orchestrator.Snapshot
	Running() bool
	UpstreamConnected() bool
	Interrupt() *orchestrator.Task
}

// Subscribers reports the number of websocket subscribers on the relay.
// Broker sinks are not counted.
type Subscribers interface {
	ClientCount() int
}

// HealthReporter exposes the backend monitor's latest probe.
type HealthReporter interface {
	Health() monitor.Health
}

type Options struct {
	// BackendAddr is shown on /status as host:port.
	BackendAddr string
	OutputNode  string
}

type Server struct {
	runner      Runner
	store       *workflow.Store
	subscribers Subscribers
	health      HealthReporter
	opts        Options
	logger      zerolog.Logger
}

// NewServer wires the handlers. health may be nil when no monitor runs.
func NewServer(runner Runner, store *workflow.Store, subscribers Subscribers, health HealthReporter, opts Options) *Server {
	return &Server{
		runner:      runner,
		store:       store,
		subscribers: subscribers,
		health:      health,
		opts:        opts,
		logger:      logging.Component("api"),
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/update/text", s.handleUpdateText)
	mux.HandleFunc("/update/image", s.handleUpdateImage)
	mux.HandleFunc("/interrupt", s.handleInterrupt)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"STATUS": msg})
}

func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	body := map[string]any{"STATUS": "ComfyUI Workflow Runner is running"}
	if stats, err := monitor.CurrentProcess(); err == nil {
		body["process"] = stats
	} else {
		s.logger.Debug().Err(err).Msg("Process stats unavailable")
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	snap := s.runner.Snapshot()
	body := map[string]any{
		"STATUS":               "Server running",
		"execution_status":     snap.Status,
		"current_prompt_id":    nullable(snap.PromptID),
		"workflow_loaded":      s.store.Loaded(),
		"connected_ws_clients": s.subscribers.ClientCount(),
		"backend_ws_connected": s.runner.UpstreamConnected(),
		"comfy_server":         s.opts.BackendAddr,
		"save_image_node_id":   s.opts.OutputNode,
	}
	if snap.LastError != "" {
		body["last_error"] = snap.LastError
	}
	if s.health != nil {
		body["backend_health"] = s.health.Health()
	}
	writeJSON(w, http.StatusOK, body)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// checkReady returns the rejection message when no run may start or the
// workflow may not be edited.
func (s *Server) checkReady(running string) string {
	if s.runner.Running() {
		return running
	}
	if !s.store.Loaded() {
		return "No workflow loaded"
	}
	return ""
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if msg := s.checkReady("Workflow is already running"); msg != "" {
		writeStatus(w, http.StatusBadRequest, msg)
		return
	}

	doc, err := s.store.Snapshot()
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "No workflow loaded")
		return
	}

	s.logger.Info().Msg("Received request to execute workflow")
	out, err := s.runner.Submit(r.Context(), doc)
	switch {
	case errors.Is(err, orchestrator.ErrRunInProgress):
		writeStatus(w, http.StatusBadRequest, "Workflow is already running")
		return
	case errors.Is(err, orchestrator.ErrOverallTimeout):
		promptID := ""
		if out != nil {
			promptID = out.PromptID
		}
		writeJSON(w, http.StatusRequestTimeout, map[string]any{
			"STATUS":            "workflow timeout - check /status for completion",
			"current_prompt_id": nullable(promptID),
		})
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("Error executing workflow")
		writeStatus(w, http.StatusInternalServerError, fmt.Sprintf("Error: %v", err))
		return
	}

	switch out.Result {
	case orchestrator.ResultCompleted:
		writeJSON(w, http.StatusOK, map[string]any{
			"STATUS":         "completed successfully",
			"image_filename": out.Artifact.Filename,
			"image_url":      out.Artifact.URL,
			"prompt_id":      out.PromptID,
		})
	case orchestrator.ResultNoArtifact:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"STATUS":    "completed but no image found",
			"prompt_id": out.PromptID,
		})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"STATUS":           "generation failed - " + out.Status.String(),
			"execution_status": out.Status,
			"result":           out.Result,
			"error":            out.Message,
		})
	}
}

// decodeEdit decodes a JSON object and checks that every field is present
// and non-empty. The node id may arrive as a number or a numeric string.
func decodeEdit(r *http.Request, fields ...string) (map[string]any, string, string) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, "", fmt.Sprintf("Error parsing request: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil || body == nil {
		return nil, "", "Invalid JSON in request body"
	}

	var missing []string
	for _, f := range fields {
		if isEmpty(body[f]) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, "", "Missing required fields: " + strings.Join(missing, ", ")
	}

	nodeID, ok := parseNodeID(body["node_id"])
	if !ok {
		return nil, "", "Invalid node_id - must be a number"
	}
	return body, nodeID, ""
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case json.Number:
		f, err := x.Float64()
		return err == nil && f == 0
	case bool:
		return !x
	}
	return false
}

// parseNodeID normalises the node id to its decimal string form, the key
// used in the workflow document.
func parseNodeID(v any) (string, bool) {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = strings.TrimSpace(x)
	default:
		return "", false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return "", false
	}
	return strconv.Itoa(n), true
}

func stringField(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	}
	return fmt.Sprint(v)
}

func (s *Server) handleUpdateText(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if msg := s.checkReady("Cannot update text while workflow is running"); msg != "" {
		writeStatus(w, http.StatusBadRequest, msg)
		return
	}

	body, nodeID, msg := decodeEdit(r, "node_id", "text")
	if msg != "" {
		writeStatus(w, http.StatusBadRequest, msg)
		return
	}

	if _, err := s.store.SetText(nodeID, body["text"]); err != nil {
		s.logger.Warn().Err(err).Str("node", nodeID).Msg("Text update failed")
		writeStatus(w, http.StatusNotFound, fmt.Sprintf("Failed to update text in node %s", nodeID))
		return
	}
	writeStatus(w, http.StatusOK, fmt.Sprintf("Updated text in node %s successfully", nodeID))
}

func (s *Server) handleUpdateImage(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if msg := s.checkReady("Cannot update image while workflow is running"); msg != "" {
		writeStatus(w, http.StatusBadRequest, msg)
		return
	}

	body, nodeID, msg := decodeEdit(r, "node_id", "filename")
	if msg != "" {
		writeStatus(w, http.StatusBadRequest, msg)
		return
	}

	filename := stringField(body["filename"])
	if err := s.store.SetImage(nodeID, filename); err != nil {
		s.logger.Warn().Err(err).Str("node", nodeID).Msg("Image update failed")
		writeStatus(w, http.StatusNotFound, fmt.Sprintf("Failed to update image in node %s", nodeID))
		return
	}
	writeStatus(w, http.StatusOK, fmt.Sprintf("Updated image in node %s to %s successfully", nodeID, filename))
}

// handleInterrupt answers at once; the interrupt itself runs in the
// background and its result is only logged.
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	task := s.runner.Interrupt()
	go func() {
		<-task.Done()
		if err := task.Err(); err != nil {
			s.logger.Error().Err(err).Msg("Interrupt finished with errors")
		}
	}()
	writeStatus(w, http.StatusOK, "Interrupt request received, processing...")
}
