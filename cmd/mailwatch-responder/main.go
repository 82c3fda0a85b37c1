package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sekia-ai/mailwatch/internal/ai"
	"github.com/sekia-ai/mailwatch/internal/config"
	"github.com/sekia-ai/mailwatch/internal/mailbox"
	"github.com/sekia-ai/mailwatch/internal/responder"
	"github.com/sekia-ai/mailwatch/internal/server"
)

var version = "dev"

func main() {
	var (
		cfgFile  string
		logLevel string
		logJSON  bool
	)

	rootCmd := &cobra.Command{
		Use:          "mailwatch-responder",
		Short:        "mailwatch responder: drafts and sends replies to new messages",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			zerolog.SetGlobalLevel(lvl)
			logger := zerolog.New(
				zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
			).With().Timestamp().Logger()
			if logJSON {
				logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
			}

			cfg, err := config.LoadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.ValidateForResponder(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			creds, err := server.LoadCredentials(cfg)
			if err != nil {
				return err
			}
			gmail := mailbox.NewGmailClient(creds, mailbox.Options{
				QPS:         cfg.Gmail.QPS,
				Burst:       cfg.Gmail.Burst,
				CallTimeout: cfg.Gmail.CallTimeout,
			}, logger)

			audit, err := responder.OpenAuditStore(cfg.Responder.DBPath)
			if err != nil {
				return err
			}
			defer audit.Close()

			llm := ai.NewAnthropicClient(cfg.AI, logger)
			svc := responder.NewService(cfg, version, responder.Deps{
				Generator: responder.NewLLMGenerator(llm, cfg.Responder.Signature, logger),
				Mailer:    gmail,
				Audit:     audit,
			}, logger)
			return svc.Run()
		},
	}

	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON instead of console text")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
