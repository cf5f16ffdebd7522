package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/cron"
)

func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled tasks",
	}

	var (
		name    string
		channel string
		chatID  string
	)
	add := &cobra.Command{
		Use:   "add <schedule> <task>",
		Short: "Add a job, e.g. nanoclaw cron add \"0 9 * * *\" \"summarize my notes\"",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openCron()
			if err != nil {
				return err
			}
			job, err := svc.Add(name, args[0], args[1], channel, chatID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s added job %s (%s)\n", green("✓"), job.ID, job.Schedule)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "job name")
	add.Flags().StringVar(&channel, "channel", "", "channel to deliver output to")
	add.Flags().StringVar(&chatID, "chat", "", "chat id to deliver output to")

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openCron()
			if err != nil {
				return err
			}
			jobs := svc.List()
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), gray("no cron jobs"))
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN\tTASK")
			for _, j := range jobs {
				next := "-"
				if j.NextRun != nil && j.Enabled {
					next = j.NextRun.Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", j.ID, j.Name, j.Schedule, j.Enabled, next, j.Task)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, list,
		jobCmd("remove", "Remove a job", (*cron.Service).Remove),
		jobCmd("enable", "Enable a job", (*cron.Service).Enable),
		jobCmd("disable", "Disable a job", (*cron.Service).Disable),
	)
	return cmd
}

func jobCmd(use, short string, op func(*cron.Service, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openCron()
			if err != nil {
				return err
			}
			if err := op(svc, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", green("✓"), use, args[0])
			return nil
		},
	}
}

func openCron() (*cron.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return cron.NewService(cron.Options{Path: cfg.CronJobsPath()})
}
