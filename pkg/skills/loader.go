// Package skills discovers SKILL.md files that extend the agent prompt.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nanoclaw/nanoclaw/pkg/logger"
)

const skillFile = "SKILL.md"

type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"`
	Source      string `json:"source"`
}

type SkillsLoader struct {
	workspaceSkills string
	globalSkills    string
	builtinSkills   string
}

// NewSkillsLoader scans <workspace>/skills, then globalDir, then builtinDir.
// Empty directories are skipped.
func NewSkillsLoader(workspace, globalDir, builtinDir string) *SkillsLoader {
	ws := ""
	if workspace != "" {
		ws = filepath.Join(workspace, "skills")
	}
	return &SkillsLoader{
		workspaceSkills: ws,
		globalSkills:    globalDir,
		builtinSkills:   builtinDir,
	}
}

// ListSkills re-reads every source on each call. A name found in more than one
// source resolves to the workspace copy first, then global, then builtin.
func (sl *SkillsLoader) ListSkills() []Skill {
	seen := make(map[string]bool)
	var out []Skill

	sources := []struct {
		dir, name string
	}{
		{sl.workspaceSkills, "workspace"},
		{sl.globalSkills, "global"},
		{sl.builtinSkills, "builtin"},
	}
	for _, src := range sources {
		if src.dir == "" {
			continue
		}
		for _, s := range scanDir(src.dir, src.name) {
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			out = append(out, s)
		}
	}
	return out
}

// LoadSkill returns the body of a skill (front matter removed).
func (sl *SkillsLoader) LoadSkill(name string) (string, bool) {
	for _, s := range sl.ListSkills() {
		if s.Name != name {
			continue
		}
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return "", false
		}
		_, body, _ := splitFrontMatter(normalizeNewlines(string(data)))
		return strings.TrimSpace(body), true
	}
	return "", false
}

func scanDir(dir, source string) []Skill {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []Skill
	for _, name := range names {
		path := filepath.Join(dir, name, skillFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		s, err := parseSkillFile(path, name)
		if err != nil {
			logger.WarnCF("skills", "Skipping unreadable skill", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}
		s.Source = source
		out = append(out, s)
	}
	return out
}

type frontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

func parseSkillFile(path, dirName string) (Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, fmt.Errorf("read skill %s: %w", path, err)
	}
	meta, body, ok := splitFrontMatter(normalizeNewlines(string(data)))

	var fm frontMatter
	if ok {
		if err := yaml.Unmarshal([]byte(meta), &fm); err != nil {
			return Skill{}, fmt.Errorf("parse skill front matter %s: %w", path, err)
		}
	}

	name := strings.TrimSpace(fm.Name)
	if name == "" {
		name = dirName
	}
	desc := strings.TrimSpace(fm.Description)
	if desc == "" {
		desc = firstParagraphLine(body)
	}

	return Skill{Name: name, Description: desc, Path: path}, nil
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func splitFrontMatter(content string) (string, string, bool) {
	lines := strings.Split(content, "\n")
	if len(lines) < 3 || strings.TrimSpace(lines[0]) != "---" {
		return "", content, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), true
		}
	}
	return "", content, false
}

func firstParagraphLine(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "<!--") {
			continue
		}
		return trimmed
	}
	return ""
}
