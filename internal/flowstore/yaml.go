// Package flowstore loads approval flow definitions from YAML documents so
// administrators can keep them in version control and seed a database.
package flowstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
)

// Document is the top-level YAML shape:
//
//	flows:
//	  - process_type: access
//	    policy: sequential
//	    levels:
//	      - level: 1
//	        roles: ["L+1"]
//	      - level: 2
//	        roles: ["function_hse_manager", "user_42"]
type Document struct {
	Flows []*approval.FlowDefinition `yaml:"flows"`
}

// Decode parses and validates flow definitions.
func Decode(r io.Reader) ([]*approval.FlowDefinition, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to decode flow definitions")
	}

	seen := make(map[string]bool, len(doc.Flows))
	for _, f := range doc.Flows {
		f.Normalize()
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("flow %q: %w", f.ProcessType, err)
		}
		if seen[f.ProcessType] {
			return nil, errors.InvalidInput("process_type", fmt.Sprintf("duplicate flow for %q", f.ProcessType))
		}
		seen[f.ProcessType] = true
	}
	return doc.Flows, nil
}

// LoadFile reads flow definitions from a YAML file.
func LoadFile(path string) ([]*approval.FlowDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Encode writes flows as a YAML document.
func Encode(w io.Writer, flows []*approval.FlowDefinition) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Document{Flows: flows}); err != nil {
		return err
	}
	return enc.Close()
}

// Memory is an in-process flow store with the same contract as the
// database repository: GetFlow returns nil, nil for unknown process types.
type Memory struct {
	mu    sync.RWMutex
	flows map[string]*approval.FlowDefinition
}

// NewMemory creates a store holding flows.
func NewMemory(flows ...*approval.FlowDefinition) *Memory {
	m := &Memory{flows: make(map[string]*approval.FlowDefinition)}
	for _, f := range flows {
		m.flows[f.ProcessType] = f
	}
	return m
}

func (m *Memory) GetFlow(_ context.Context, processType string) (*approval.FlowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flows[processType], nil
}

func (m *Memory) List(_ context.Context) ([]*approval.FlowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*approval.FlowDefinition, 0, len(m.flows))
	for _, f := range m.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessType < out[j].ProcessType })
	return out, nil
}

func (m *Memory) Upsert(_ context.Context, flow *approval.FlowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[flow.ProcessType] = flow
	return nil
}

func (m *Memory) Delete(_ context.Context, processType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flows[processType]; !ok {
		return errors.NotFound("approval_flow", processType)
	}
	delete(m.flows, processType)
	return nil
}
