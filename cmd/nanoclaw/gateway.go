package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/pkg/bus"
	"github.com/nanoclaw/nanoclaw/pkg/channels"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/cron"
	"github.com/nanoclaw/nanoclaw/pkg/gateway"
	"github.com/nanoclaw/nanoclaw/pkg/heartbeat"
	"github.com/nanoclaw/nanoclaw/pkg/security"
)

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run channels, the HTTP API, heartbeat and cron",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			msgBus := bus.NewMessageBus()
			rt.subagents.SetOnComplete(gateway.SubagentNotifier(msgBus))

			chans, err := channels.NewManager(cfg.Channels, msgBus)
			if err != nil {
				return err
			}
			if cfg.Security.LeakDetector.Enabled {
				level, err := security.ParseSensitivity(cfg.Security.LeakDetector.Sensitivity)
				if err != nil {
					return err
				}
				chans.SetRedactor(security.NewRedactor(level, configuredSecrets(cfg)...))
			}

			var hb *heartbeat.Service
			if cfg.Heartbeat.Enabled {
				hb = heartbeat.NewService(heartbeat.Options{
					Workspace: cfg.WorkspacePath(),
					Interval:  time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second,
					Handler:   rt.handle,
					Bus:       msgBus,
					Channel:   cfg.Heartbeat.Channel,
					ChatID:    cfg.Heartbeat.ChatID,
				})
			}

			var scheduler *cron.Service
			if cfg.Cron.Enabled {
				scheduler, err = cron.NewService(cron.Options{
					Path:    cfg.CronJobsPath(),
					Tick:    time.Duration(cfg.Cron.TickSeconds) * time.Second,
					Handler: rt.handle,
					Bus:     msgBus,
				})
				if err != nil {
					return err
				}
			}

			server := gateway.NewServer(gateway.ServerOptions{
				Host:     cfg.Gateway.Host,
				Port:     cfg.Gateway.Port,
				Agent:    rt.pool,
				Tasks:    rt.subagents,
				Gatherer: rt.registry,
				Status: func() map[string]interface{} {
					status := map[string]interface{}{
						"running":  true,
						"model":    rt.factory.Model(),
						"channels": chans.Status(),
						"sessions": rt.pool.Len(),
					}
					if hb != nil {
						status["heartbeat"] = hb.Status()
					}
					if scheduler != nil {
						status["cron_jobs"] = len(scheduler.List())
					}
					if rt.usage != nil {
						status["cost"] = rt.usage.Summary()
					}
					return status
				},
			})

			gw := gateway.New(gateway.Options{
				Bus:            msgBus,
				Agent:          rt.pool,
				Channels:       chans,
				Server:         server,
				Heartbeat:      hb,
				Cron:           scheduler,
				Subagents:      rt.subagents,
				SubagentMaxAge: rt.subagentMaxAge(),
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "%s gateway on http://%s (channels: %v)\n",
				green("✓"), server.Addr(), chans.GetEnabledChannels())
			return gw.Run(ctx)
		},
	}
}

// configuredSecrets returns the credential values from cfg so they are masked
// verbatim even when no pattern recognises them.
func configuredSecrets(cfg *config.Config) []string {
	ch := cfg.Channels
	secrets := []string{
		ch.Telegram.Token,
		ch.Discord.Token,
		ch.Feishu.AppSecret,
		ch.DingTalk.ClientSecret,
		ch.QQ.AppSecret,
	}
	for _, name := range cfg.ProviderNames() {
		if p := cfg.GetProviderConfig(name); p != nil {
			secrets = append(secrets, p.APIKey)
		}
	}
	return secrets
}
