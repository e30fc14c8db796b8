package workflow

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	nterrors "github.com/neoterm/neoterm/internal/errors"
)

// Usage tracks how often a workflow runs and how often it succeeds.
type Usage struct {
	Count       int
	LastUsed    time.Time
	SuccessRate float64 // exponential moving average, 1.0 before the first run
}

// Store holds validated definitions by name. It is read-mostly and safe
// for concurrent use.
type Store struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	usage  map[string]*Usage
	logger *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		defs:   make(map[string]*Definition),
		usage:  make(map[string]*Usage),
		logger: logger,
	}
}

// Load parses raw and registers the result.
func (s *Store) Load(raw []byte) (*Definition, error) {
	def, err := Parse(raw, "")
	if err != nil {
		return nil, err
	}
	if err := s.Add(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Add registers def. A definition with the same name must not exist.
func (s *Store) Add(def *Definition) error {
	if def == nil || def.program == nil {
		return nterrors.New(nterrors.CodeWorkflowInvalid, "definition was not produced by Parse")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[def.Name]; exists {
		return nterrors.WorkflowDuplicate(def.Name)
	}
	s.defs[def.Name] = def
	s.logger.Debug("workflow registered", "workflow", def.Name, "path", def.Path)
	return nil
}

// Replace registers def, overwriting any definition with the same name.
// Usage statistics survive the replacement.
func (s *Store) Replace(def *Definition) error {
	if def == nil || def.program == nil {
		return nterrors.New(nterrors.CodeWorkflowInvalid, "definition was not produced by Parse")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.Name] = def
	return nil
}

// Remove deletes the named definition.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[name]; !ok {
		return nterrors.WorkflowNotFound(name)
	}
	delete(s.defs, name)
	delete(s.usage, name)
	return nil
}

// Get returns the named definition.
func (s *Store) Get(name string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.defs[name]
	if !ok {
		return nil, nterrors.WorkflowNotFound(name)
	}
	return def, nil
}

// List returns all definitions sorted by name.
func (s *Store) List() []*Definition {
	s.mu.RLock()
	defs := make([]*Definition, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	s.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len returns the number of registered definitions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.defs)
}

// RecordUsage notes one run of the named workflow.
func (s *Store) RecordUsage(name string, success bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[name]; !ok {
		return
	}
	u, ok := s.usage[name]
	if !ok {
		u = &Usage{SuccessRate: 1.0}
		s.usage[name] = u
	}
	u.Count++
	u.LastUsed = at
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	u.SuccessRate = u.SuccessRate*0.9 + outcome*0.1
}

// Usage returns the usage statistics for name. A workflow that has never
// run reports a zero count.
func (s *Store) Usage(name string) Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.usage[name]; ok {
		return *u
	}
	return Usage{SuccessRate: 1.0}
}
