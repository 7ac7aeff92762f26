package crew

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCrewFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const validCrewCUE = `
crew: seo_audit: {
	name: "SEO Audit"
	tasks: [
		{name: "Crawl site", agent: "auditor"},
		{name: "Draft report", agent: "writer"},
	]
}
`

func TestLoadCrews_Valid(t *testing.T) {
	dir := t.TempDir()
	writeCrewFile(t, dir, "seo_audit.cue", validCrewCUE)

	result, errs := LoadCrews(dir, LoadModeFailFast)
	require.Empty(t, errs)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.FileCount)
	require.Len(t, result.Crews, 1)
	assert.Equal(t, "seo_audit", result.Crews[0].ID)
	assert.Len(t, result.Crews[0].Tasks, 2)
}

func TestLoadCrews_MultipleFiles(t *testing.T) {
	dir := t.TempDir()
	writeCrewFile(t, dir, "audit.cue", validCrewCUE)
	writeCrewFile(t, dir, "content.cue", `
crew: content_refresh: {
	name: "Content Refresh"
	tasks: [{name: "Rewrite stale pages", agent: "writer"}]
}
`)

	result, errs := LoadCrews(dir, LoadModeFailFast)
	require.Empty(t, errs)
	require.Len(t, result.Crews, 2)
}

func TestLoadCrews_MissingDirectory(t *testing.T) {
	result, errs := LoadCrews(filepath.Join(t.TempDir(), "nope"), LoadModeFailFast)
	assert.Nil(t, result)
	require.Len(t, errs, 1)

	var loadErr *LoadError
	require.True(t, errors.As(errs[0], &loadErr))
	assert.Equal(t, ErrCodeNotFound, loadErr.Code)
}

func TestLoadCrews_NoCUEFiles(t *testing.T) {
	dir := t.TempDir()
	writeCrewFile(t, dir, "readme.txt", "not cue")

	result, errs := LoadCrews(dir, LoadModeFailFast)
	assert.Nil(t, result)
	require.Len(t, errs, 1)

	var loadErr *LoadError
	require.True(t, errors.As(errs[0], &loadErr))
	assert.Equal(t, ErrCodeNoFiles, loadErr.Code)
}

func TestLoadCrews_CollectAllReportsEveryBadCrew(t *testing.T) {
	dir := t.TempDir()
	writeCrewFile(t, dir, "crews.cue", `
crew: good: {
	name: "Good"
	tasks: [{name: "t"}]
}
crew: no_name: {
	tasks: [{name: "t"}]
}
crew: no_tasks: {
	name: "No Tasks"
}
`)

	result, errs := LoadCrews(dir, LoadModeCollectAll)
	require.NotNil(t, result)
	assert.Len(t, result.Crews, 1, "the good crew still loads")
	require.Len(t, errs, 2)
	for _, err := range errs {
		var loadErr *LoadError
		require.True(t, errors.As(err, &loadErr))
		assert.Equal(t, ErrCodeBadCrew, loadErr.Code)
	}
}

func TestLoadCrews_FailFastStopsEarly(t *testing.T) {
	dir := t.TempDir()
	writeCrewFile(t, dir, "crews.cue", `
crew: bad_a: {tasks: [{name: "t"}]}
crew: bad_b: {tasks: [{name: "t"}]}
`)

	_, errs := LoadCrews(dir, LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	c := &Crew{ID: "dup", Name: "Dup", Tasks: []Task{{Name: "t"}}}
	_, err := NewRegistry([]*Crew{c, c})
	require.Error(t, err)
}

func TestRegistry_Lookup(t *testing.T) {
	a := &Crew{ID: "a", Name: "A", Tasks: []Task{{Name: "t"}}}
	b := &Crew{ID: "b", Name: "B", Tasks: []Task{{Name: "t"}}}
	reg, err := NewRegistry([]*Crew{a, b})
	require.NoError(t, err)

	assert.Equal(t, a, reg.Get("a"))
	assert.Nil(t, reg.Get("missing"))
	assert.Equal(t, []string{"a", "b"}, reg.IDs())
}
