package crew

import (
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileFromString(t *testing.T, src, path string) (*Crew, error) {
	t.Helper()
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	require.NoError(t, v.Err())
	return CompileCrew(v.LookupPath(cue.ParsePath(path)))
}

func TestCompileCrew_Full(t *testing.T) {
	src := `
crew: seo_audit: {
	name: "SEO Audit"
	tasks: [
		{
			name:        "Crawl site"
			agent:       "auditor"
			description: "Crawl the client site and collect technical issues"
		},
		{
			name:                  "Approve report"
			agent:                 "strategist"
			hard_blocking:         true
			input_timeout_seconds: 3600
		},
	]
}
`
	c, err := compileFromString(t, src, "crew.seo_audit")
	require.NoError(t, err)

	assert.Equal(t, "seo_audit", c.ID)
	assert.Equal(t, "SEO Audit", c.Name)
	require.Len(t, c.Tasks, 2)

	assert.Equal(t, "Crawl site", c.Tasks[0].Name)
	assert.Equal(t, "auditor", c.Tasks[0].Agent)
	assert.False(t, c.Tasks[0].HardBlocking)
	assert.Equal(t, 0, c.Tasks[0].InputTimeoutSeconds)

	assert.Equal(t, "Approve report", c.Tasks[1].Name)
	assert.True(t, c.Tasks[1].HardBlocking)
	assert.Equal(t, 3600, c.Tasks[1].InputTimeoutSeconds)
}

func TestCompileCrew_TaskOrderPreserved(t *testing.T) {
	src := `
crew: ordered: {
	name: "Ordered"
	tasks: [
		{name: "first"},
		{name: "second"},
		{name: "third"},
	]
}
`
	c, err := compileFromString(t, src, "crew.ordered")
	require.NoError(t, err)

	var names []string
	for _, task := range c.Tasks {
		names = append(names, task.Name)
	}
	assert.Equal(t, []string{"first", "second", "third"}, names)
}

func TestCompileCrew_MissingName(t *testing.T) {
	src := `
crew: broken: {
	tasks: [{name: "only task"}]
}
`
	_, err := compileFromString(t, src, "crew.broken")
	require.Error(t, err)
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "name", compileErr.Field)
}

func TestCompileCrew_EmptyTasks(t *testing.T) {
	src := `
crew: broken: {
	name:  "Broken"
	tasks: []
}
`
	_, err := compileFromString(t, src, "crew.broken")
	require.Error(t, err)
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "tasks", compileErr.Field)
}

func TestCompileCrew_TaskMissingName(t *testing.T) {
	src := `
crew: broken: {
	name: "Broken"
	tasks: [{agent: "nameless"}]
}
`
	_, err := compileFromString(t, src, "crew.broken")
	require.Error(t, err)
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "tasks.name", compileErr.Field)
}

func TestCompileCrew_NegativeTimeout(t *testing.T) {
	src := `
crew: broken: {
	name: "Broken"
	tasks: [{name: "t", input_timeout_seconds: -5}]
}
`
	_, err := compileFromString(t, src, "crew.broken")
	require.Error(t, err)
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "tasks.input_timeout_seconds", compileErr.Field)
}
