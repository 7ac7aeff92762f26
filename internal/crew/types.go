// Package crew loads crew definitions: the ordered task sequences that
// executions run through. Crews are authored in CUE files and compiled
// into plain Go values at startup; task topology is fixed configuration,
// never mutated at runtime.
package crew

import "fmt"

// Task is one step in a crew's sequence.
type Task struct {
	// Name labels the task's lane on the board.
	Name string
	// Agent is the name of the agent expected to work this task.
	// Informational: it travels on emitted stages.
	Agent string
	// Description is handed to the collaborator as the task brief.
	Description string
	// HardBlocking controls gate-timeout semantics: a hard-blocking
	// task fails the execution when its input request times out instead
	// of resuming with the no-input sentinel.
	HardBlocking bool
	// InputTimeoutSeconds bounds how long a human-input request for
	// this task may wait. 0 means no deadline.
	InputTimeoutSeconds int
}

// Crew is an ordered task sequence identified by a stable id.
type Crew struct {
	ID    string
	Name  string
	Tasks []Task
}

// Validate checks structural invariants after compilation.
func (c *Crew) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("crew has no id")
	}
	if len(c.Tasks) == 0 {
		return fmt.Errorf("crew %s has no tasks", c.ID)
	}
	for i, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("crew %s: task %d has no name", c.ID, i)
		}
	}
	return nil
}

// Registry indexes compiled crews by id.
type Registry struct {
	crews map[string]*Crew
	order []string
}

// NewRegistry builds a registry from compiled crews.
// Duplicate ids are rejected.
func NewRegistry(crews []*Crew) (*Registry, error) {
	r := &Registry{crews: make(map[string]*Crew, len(crews))}
	for _, c := range crews {
		if _, dup := r.crews[c.ID]; dup {
			return nil, fmt.Errorf("duplicate crew id: %s", c.ID)
		}
		r.crews[c.ID] = c
		r.order = append(r.order, c.ID)
	}
	return r, nil
}

// Get returns the crew for an id, or nil if unknown.
func (r *Registry) Get(id string) *Crew {
	return r.crews[id]
}

// IDs returns crew ids in declaration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
