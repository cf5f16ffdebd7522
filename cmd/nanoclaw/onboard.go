package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/config"
)

const sampleHeartbeat = `# Heartbeat notes

Things to check on every heartbeat. Delete a line once it is done.

- 
`

const sampleSkill = `---
name: example
description: Template for writing your own skills
---

# Example skill

Describe when to use this skill and the steps to follow.
`

func newOnboardCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Create the default config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(cmd, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runOnboard(cmd *cobra.Command, force bool) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Fprintf(out, "%s config already exists at %s (use --force to overwrite)\n", yellow("!"), configPath)
	} else {
		if err := config.SaveConfig(configPath, config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "%s wrote %s\n", green("✓"), configPath)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	workspace := cfg.WorkspacePath()

	dirs := []string{
		workspace,
		filepath.Join(workspace, "memory"),
		filepath.Join(workspace, "skills", "example"),
		globalSkillsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	files := map[string]string{
		filepath.Join(workspace, "memory", "HEARTBEAT.md"):        sampleHeartbeat,
		filepath.Join(workspace, "skills", "example", "SKILL.md"): sampleSkill,
	}
	for path, content := range files {
		if err := writeIfMissing(path, content); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "%s workspace ready at %s\n", green("✓"), workspace)
	fmt.Fprintf(out, "\nNext: add a provider API key to %s, then run %s\n", configPath, bold("nanoclaw agent"))
	return nil
}

func writeIfMissing(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
