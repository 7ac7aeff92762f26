package crew

import (
	"fmt"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError is a structured compilation error with CUE position info.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// CompileCrew parses a CUE value into a Crew.
//
// The CUE value should be the crew struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`crew: seo_audit: { ... }`)
//	c, err := CompileCrew(v.LookupPath(cue.ParsePath("crew.seo_audit")))
func CompileCrew(v cue.Value) (*Crew, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	c := &Crew{}

	// Crew id comes from the struct label (the path selector).
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		c.ID = labels[len(labels)-1].String()
	}

	// name (required)
	nameVal := v.LookupPath(cue.ParsePath("name"))
	if !nameVal.Exists() {
		return nil, &CompileError{Field: "name", Message: "name is required", Pos: v.Pos()}
	}
	name, err := nameVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	c.Name = name

	// tasks (required, ordered list; list order IS the execution order)
	tasksVal := v.LookupPath(cue.ParsePath("tasks"))
	if !tasksVal.Exists() {
		return nil, &CompileError{Field: "tasks", Message: "tasks list is required", Pos: v.Pos()}
	}
	iter, err := tasksVal.List()
	if err != nil {
		return nil, &CompileError{Field: "tasks", Message: fmt.Sprintf("tasks must be a list: %v", err), Pos: tasksVal.Pos()}
	}
	for iter.Next() {
		task, err := compileTask(iter.Value())
		if err != nil {
			return nil, err
		}
		c.Tasks = append(c.Tasks, task)
	}
	if len(c.Tasks) == 0 {
		return nil, &CompileError{Field: "tasks", Message: "at least one task is required", Pos: tasksVal.Pos()}
	}

	if err := c.Validate(); err != nil {
		return nil, &CompileError{Field: "crew", Message: err.Error(), Pos: v.Pos()}
	}

	return c, nil
}

func compileTask(v cue.Value) (Task, error) {
	var task Task

	nameVal := v.LookupPath(cue.ParsePath("name"))
	if !nameVal.Exists() {
		return task, &CompileError{Field: "tasks.name", Message: "task name is required", Pos: v.Pos()}
	}
	name, err := nameVal.String()
	if err != nil {
		return task, formatCUEError(err)
	}
	task.Name = name

	if agentVal := v.LookupPath(cue.ParsePath("agent")); agentVal.Exists() {
		agent, err := agentVal.String()
		if err != nil {
			return task, formatCUEError(err)
		}
		task.Agent = agent
	}

	if descVal := v.LookupPath(cue.ParsePath("description")); descVal.Exists() {
		desc, err := descVal.String()
		if err != nil {
			return task, formatCUEError(err)
		}
		task.Description = desc
	}

	if hbVal := v.LookupPath(cue.ParsePath("hard_blocking")); hbVal.Exists() {
		hb, err := hbVal.Bool()
		if err != nil {
			return task, formatCUEError(err)
		}
		task.HardBlocking = hb
	}

	if toVal := v.LookupPath(cue.ParsePath("input_timeout_seconds")); toVal.Exists() {
		timeout, err := toVal.Int64()
		if err != nil {
			return task, formatCUEError(err)
		}
		if timeout < 0 {
			return task, &CompileError{Field: "tasks.input_timeout_seconds", Message: "must be >= 0", Pos: toVal.Pos()}
		}
		task.InputTimeoutSeconds = int(timeout)
	}

	return task, nil
}

// formatCUEError converts a raw CUE error into a positioned CompileError.
func formatCUEError(err error) *CompileError {
	var pos token.Pos
	if positions := cueerrors.Positions(err); len(positions) > 0 {
		pos = positions[0]
	}
	return &CompileError{Message: err.Error(), Pos: pos}
}
