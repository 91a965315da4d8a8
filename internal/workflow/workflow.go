// Package workflow holds the API-format workflow document submitted to the
// backend and the two edits the HTTP layer exposes on it.
package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotLoaded     = errors.New("no workflow loaded")
	ErrNodeNotFound  = errors.New("node not found in workflow")
	ErrNoInputs      = errors.New("node has no inputs section")
	ErrNoTextField   = errors.New("node has no recognized text input field")
	ErrNotLoadImage  = errors.New("node is not a LoadImage node")
	ErrEmptyDocument = errors.New("workflow document has no nodes")
)

// TextInputKeys are tried in order when setting a node's text.
var TextInputKeys = []string{
	"text", "value", "text_positive", "text_negative", "prompt",
	"system", "style", "style_name", "key", "url", "model",
}

const loadImageClass = "LoadImage"

// Document is an API-format workflow: node id -> node.
type Document map[string]*Node

// Node is one entry of an API-format workflow. Only inputs is editable;
// every other field, class_type and _meta included, is kept as received.
type Node struct {
	ClassType string
	Inputs    map[string]any

	fields map[string]json.RawMessage
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["class_type"]; ok {
		if err := json.Unmarshal(raw, &n.ClassType); err != nil {
			return fmt.Errorf("class_type: %w", err)
		}
	}
	if raw, ok := fields["inputs"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&n.Inputs); err != nil {
			return fmt.Errorf("inputs: %w", err)
		}
		delete(fields, "inputs")
	}
	n.fields = fields
	return nil
}

func (n *Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.fields)+1)
	for k, v := range n.fields {
		out[k] = v
	}
	if n.Inputs != nil {
		out["inputs"] = n.Inputs
	}
	return json.Marshal(out)
}

// Field returns the raw value of a node field other than inputs.
func (n *Node) Field(name string) (json.RawMessage, bool) {
	raw, ok := n.fields[name]
	return raw, ok
}

// Parse decodes an API-format workflow.
func Parse(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	if len(doc) == 0 {
		return nil, ErrEmptyDocument
	}
	for id, n := range doc {
		if n == nil {
			return nil, fmt.Errorf("parsing workflow: node %s is null", id)
		}
	}
	return doc, nil
}

// Clone returns a deep copy of d.
func (d Document) Clone() (Document, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Store owns the loaded document. Edits and snapshots are safe to call from
// concurrent HTTP handlers.
type Store struct {
	mu     sync.RWMutex
	doc    Document
	source string
}

func NewStore() *Store {
	return &Store{}
}

// Load reads the document at path, replacing any loaded one.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading workflow: %w", err)
	}
	return s.LoadBytes(data, path)
}

// LoadBytes parses data and replaces the loaded document. source names the
// document in edit logs.
func (s *Store) LoadBytes(data []byte, source string) error {
	doc, err := Parse(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.source = source
	s.mu.Unlock()
	log.Info().Str("workflow", source).Int("nodes", len(doc)).Msg("Workflow loaded")
	return nil
}

func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc != nil
}

// Snapshot returns a deep copy for submission, so later edits never race a
// request that is already on the wire.
func (s *Store) Snapshot() (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc == nil {
		return nil, ErrNotLoaded
	}
	return s.doc.Clone()
}

// SetText writes value into the first recognized text input of nodeID and
// returns the key it used. value is stored as given, so a number stays a
// number in the submitted document.
func (s *Store) SetText(nodeID string, value any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.nodeLocked(nodeID)
	if err != nil {
		return "", err
	}
	if node.Inputs == nil {
		return "", fmt.Errorf("node %s: %w", nodeID, ErrNoInputs)
	}
	for _, key := range TextInputKeys {
		if _, ok := node.Inputs[key]; ok {
			node.Inputs[key] = value
			log.Info().Str("workflow", s.source).Str("node", nodeID).Str("field", key).
				Interface("text", value).Msg("Updated text input")
			return key, nil
		}
	}
	return "", fmt.Errorf("node %s: %w", nodeID, ErrNoTextField)
}

// SetImage points the LoadImage node nodeID at filename.
func (s *Store) SetImage(nodeID, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.nodeLocked(nodeID)
	if err != nil {
		return err
	}
	if node.ClassType != loadImageClass {
		return fmt.Errorf("node %s (class_type %q): %w", nodeID, node.ClassType, ErrNotLoadImage)
	}
	if node.Inputs == nil {
		node.Inputs = make(map[string]any)
	}
	node.Inputs["image"] = filename
	log.Info().Str("workflow", s.source).Str("node", nodeID).Str("image", filename).Msg("Updated LoadImage input")
	return nil
}

func (s *Store) nodeLocked(nodeID string) (*Node, error) {
	if s.doc == nil {
		return nil, ErrNotLoaded
	}
	node, ok := s.doc[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrNodeNotFound)
	}
	return node, nil
}
