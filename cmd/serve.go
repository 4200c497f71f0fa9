package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	servePort   int
	serveAPIKey string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hub (HTTP API, webhooks, channels, scheduler)",
	Long: `Start the hub with:
  - HTTP API: /api/chat, /api/stream/{id}, /ws, /api/jobs, /api/status
  - Platform webhooks on /webhook/{platform}
  - Enabled chat channels (Telegram, Feishu, WeChat)
  - Scheduled triggers from the job store`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP port (overrides config and NANOBOT_HUB_PORT)")
	serveCmd.Flags().StringVar(&serveAPIKey, "api-key", "", "API key for the HTTP API (overrides config and NANOBOT_HUB_API_KEY)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Gateway.Port = servePort
	}
	if serveAPIKey != "" {
		cfg.Gateway.APIKey = serveAPIKey
	}
	if cfg.Gateway.InstanceID == "" {
		cfg.Gateway.InstanceID, _ = os.Hostname()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := buildHub(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info().
		Int("port", cfg.Gateway.Port).
		Strs("channels", h.channels.EnabledChannels()).
		Str("pipeline", cfg.Pipeline.Mode).
		Bool("active_send_mode", cfg.Reply.ActiveSendMode).
		Msg("hub starting")
	if cfg.Gateway.APIKey == "" {
		log.Warn().Msg("no API key set, HTTP API is open")
	}

	if err := h.run(ctx); err != nil {
		return err
	}
	log.Info().Msg("hub stopped")
	return nil
}
