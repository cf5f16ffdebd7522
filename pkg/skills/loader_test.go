package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name, "SKILL.md"), []byte(content), 0644))
}

func TestListSkills_FrontMatter(t *testing.T) {
	ws := t.TempDir()
	writeSkill(t, filepath.Join(ws, "skills"), "weather", "---\nname: weather\ndescription: Look up forecasts\n---\n# Weather\n\nUse curl.\n")

	sl := NewSkillsLoader(ws, "", "")
	got := sl.ListSkills()
	require.Len(t, got, 1)
	assert.Equal(t, "weather", got[0].Name)
	assert.Equal(t, "Look up forecasts", got[0].Description)
	assert.Equal(t, "workspace", got[0].Source)
}

func TestListSkills_DescriptionFallsBackToBody(t *testing.T) {
	ws := t.TempDir()
	writeSkill(t, filepath.Join(ws, "skills"), "git", "# Git helper\r\n\r\nCommit and push changes.\r\nMore text.\r\n")

	got := NewSkillsLoader(ws, "", "").ListSkills()
	require.Len(t, got, 1)
	assert.Equal(t, "git", got[0].Name, "directory name is the default skill name")
	assert.Equal(t, "Commit and push changes.", got[0].Description)
}

func TestListSkills_Priority(t *testing.T) {
	ws := t.TempDir()
	global := t.TempDir()
	builtin := t.TempDir()

	writeSkill(t, filepath.Join(ws, "skills"), "notes", "---\nname: notes\ndescription: workspace notes\n---\n")
	writeSkill(t, global, "notes", "---\nname: notes\ndescription: global notes\n---\n")
	writeSkill(t, global, "calendar", "---\nname: calendar\ndescription: global calendar\n---\n")
	writeSkill(t, builtin, "calendar", "---\nname: calendar\ndescription: builtin calendar\n---\n")
	writeSkill(t, builtin, "shell", "---\nname: shell\ndescription: builtin shell\n---\n")

	got := NewSkillsLoader(ws, global, builtin).ListSkills()
	byName := map[string]Skill{}
	for _, s := range got {
		byName[s.Name] = s
	}
	require.Len(t, byName, 3)
	assert.Equal(t, "workspace notes", byName["notes"].Description)
	assert.Equal(t, "global calendar", byName["calendar"].Description)
	assert.Equal(t, "builtin", byName["shell"].Source)
}

func TestListSkills_RereadsDisk(t *testing.T) {
	ws := t.TempDir()
	sl := NewSkillsLoader(ws, "", "")
	assert.Empty(t, sl.ListSkills())

	writeSkill(t, filepath.Join(ws, "skills"), "late", "---\ndescription: added later\n---\n")
	got := sl.ListSkills()
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].Name)
}

func TestListSkills_SkipsBadFrontMatterAndMissingFiles(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, "skills")
	writeSkill(t, dir, "broken", "---\nname: [unclosed\n---\nbody\n")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0755))
	writeSkill(t, dir, "ok", "---\nname: ok\ndescription: fine\n---\n")

	got := NewSkillsLoader(ws, "", "").ListSkills()
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Name)
}

func TestLoadSkill(t *testing.T) {
	ws := t.TempDir()
	writeSkill(t, filepath.Join(ws, "skills"), "deploy", "---\nname: deploy\ndescription: ship it\n---\n\nRun make deploy.\n")

	sl := NewSkillsLoader(ws, "", "")
	body, ok := sl.LoadSkill("deploy")
	require.True(t, ok)
	assert.Equal(t, "Run make deploy.", body)

	_, ok = sl.LoadSkill("missing")
	assert.False(t, ok)
}
