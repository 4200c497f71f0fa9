package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dayuer/nanobot-hub/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show hub configuration status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "🤖 nanobot-hub Status")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Config: %s\n", path)
	fmt.Fprintf(out, "Listen: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Fprintf(out, "Pipeline: %s\n", cfg.Pipeline.Mode)
	fmt.Fprintf(out, "Reply budget: %dms of %dms (active send: %v)\n", cfg.Reply.BudgetMs, cfg.Reply.DeadlineMs, cfg.Reply.ActiveSendMode)
	fmt.Fprintf(out, "Job store: %s\n", cfg.Cron.DBPath)
	if cfg.Redis.URL != "" {
		fmt.Fprintf(out, "Redis: %s\n", cfg.Redis.URL)
	} else {
		fmt.Fprintln(out, "Redis: not configured (in-process caches)")
	}

	fmt.Fprintln(out, "\nChannels:")
	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "—"
	}
	tg, fs, wx := cfg.Channel.Telegram, cfg.Channel.Feishu, cfg.Channel.WeChat
	fmt.Fprintf(out, "  Telegram: %s\n", mark(tg != nil && tg.Token != ""))
	fmt.Fprintf(out, "  Feishu: %s\n", mark(fs != nil && fs.AppID != ""))
	fmt.Fprintf(out, "  WeChat: %s\n", mark(wx != nil && wx.Token != ""))
	return nil
}
