package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/cost"
	"github.com/nanoclaw/nanoclaw/pkg/cron"
	"github.com/nanoclaw/nanoclaw/pkg/skills"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			configState := green("found")
			if _, err := os.Stat(configPath); err != nil {
				configState = yellow("missing (run nanoclaw onboard)")
			}
			fmt.Fprintf(out, "%s\n", bold("nanoclaw status"))
			fmt.Fprintf(out, "  config:    %s %s\n", configPath, configState)
			fmt.Fprintf(out, "  model:     %s\n", cfg.Agents.Defaults.Model)
			fmt.Fprintf(out, "  workspace: %s\n", cfg.WorkspacePath())

			fmt.Fprintf(out, "\n%s\n", bold("providers"))
			for _, name := range cfg.ProviderNames() {
				p := cfg.GetProviderConfig(name)
				key := red("no key")
				if p != nil && p.APIKey != "" {
					key = green("key set")
				}
				fmt.Fprintf(out, "  %-12s %s\n", name, key)
			}

			fmt.Fprintf(out, "\n%s\n", bold("channels"))
			ch := cfg.Channels
			for _, c := range []struct {
				name    string
				enabled bool
			}{
				{"telegram", ch.Telegram.Enabled},
				{"discord", ch.Discord.Enabled},
				{"feishu", ch.Feishu.Enabled},
				{"dingtalk", ch.DingTalk.Enabled},
				{"qq", ch.QQ.Enabled},
			} {
				state := gray("disabled")
				if c.enabled {
					state = green("enabled")
				}
				fmt.Fprintf(out, "  %-12s %s\n", c.name, state)
			}

			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(out, "\n%s %v\n", red("config invalid:"), err)
			}

			fmt.Fprintf(out, "\n%s\n", bold("state"))
			if store, err := openStore(cfg); err != nil {
				fmt.Fprintf(out, "  sessions:  %s\n", red(err.Error()))
			} else {
				ids, err := store.List()
				store.Close()
				if err != nil {
					fmt.Fprintf(out, "  sessions:  %s\n", red(err.Error()))
				} else {
					fmt.Fprintf(out, "  sessions:  %d (%s)\n", len(ids), cfg.Session.Backend)
				}
			}

			if svc, err := cron.NewService(cron.Options{Path: cfg.CronJobsPath()}); err != nil {
				fmt.Fprintf(out, "  cron jobs: %s\n", red(err.Error()))
			} else {
				fmt.Fprintf(out, "  cron jobs: %d\n", len(svc.List()))
			}

			if cfg.Cost.Enabled {
				if usage, err := cost.NewTracker(cfg.Cost, cost.UsagePath(cfg.WorkspacePath())); err != nil {
					fmt.Fprintf(out, "  cost:      %s\n", red(err.Error()))
				} else {
					s := usage.Summary()
					fmt.Fprintf(out, "  cost:      $%.4f today%s, $%.4f this month%s\n",
						s.DailyCostUSD, limitSuffix(s.DailyLimitUSD), s.MonthlyCostUSD, limitSuffix(s.MonthlyLimitUSD))
				}
			}

			list := skills.NewSkillsLoader(cfg.WorkspacePath(), globalSkillsDir(), "").ListSkills()
			fmt.Fprintf(out, "  skills:    %d\n", len(list))
			for _, s := range list {
				fmt.Fprintf(out, "    %s %s\n", cyan(s.Name), gray(s.Description))
			}
			return nil
		},
	}
}

func limitSuffix(limit float64) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" of $%.2f", limit)
}
