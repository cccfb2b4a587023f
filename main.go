package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mediavault/telegram-media-archiver/archive"
	"github.com/mediavault/telegram-media-archiver/common"
	"github.com/mediavault/telegram-media-archiver/importer"
	"github.com/mediavault/telegram-media-archiver/manifest"
	"github.com/mediavault/telegram-media-archiver/telegramhelper"
	"github.com/mediavault/telegram-media-archiver/tools"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "telegram-media-archiver",
		Short: "Archive personal Telegram conversations and their media",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console or json)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(rebuildIndexCmd())
	rootCmd.AddCommand(genCodeCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if logFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// loadEverything loads the config and opens the archive store.
func loadEverything() (*common.ArchiverConfig, *common.ChatStateStore, *archive.Store, error) {
	cfg, v, err := common.LoadConfig(configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := archive.NewStore(cfg.BaseDir, cfg.HistoryDir, cfg.HistoryFormat)
	if err != nil {
		return nil, nil, nil, err
	}
	states := common.NewChatStateStore(v, cfg.Chats)
	return cfg, states, store, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Import new messages and media for every configured chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, states, store, err := loadEverything()
			if err != nil {
				return err
			}

			service := &telegramhelper.RealTelegramService{}
			td, err := service.InitializeClient(cfg)
			if err != nil {
				return err
			}
			adapter := telegramhelper.NewAdapter(td)
			defer func() {
				if err := adapter.Close(); err != nil {
					log.Warn().Err(err).Msg("Error closing Telegram client")
				}
			}()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			loop := importer.NewLoop(adapter, store, states, cfg)
			_, err = loop.Run(ctx)
			return err
		},
	}
}

func exportCmd() *cobra.Command {
	var chatID int64
	var destDir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a chat's downloaded media into a flat directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, err := loadEverything()
			if err != nil {
				return err
			}
			_, err = tools.ExportChat(store, chatID, destDir)
			return err
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat-id", 0, "Chat to export")
	cmd.Flags().StringVar(&destDir, "dest", "./export", "Destination directory")
	cmd.MarkFlagRequired("chat-id")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Find media files no archive record references",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, store, err := loadEverything()
			if err != nil {
				return err
			}
			_, err = tools.CleanupOrphans(store, cfg.BaseDir, !apply)
			return err
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "Actually delete orphans instead of only reporting them")
	return cmd
}

func rebuildIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Reconstruct index.json from the archive files",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, store, err := loadEverything()
			if err != nil {
				return err
			}
			idx, err := manifest.Rebuild(store)
			if err != nil {
				return err
			}
			if err := idx.Save(store.HistoryPath()); err != nil {
				return err
			}
			if store.Format() == archive.FormatHTML {
				for _, chatID := range store.ListChatIDs() {
					title := ""
					if entry, ok := idx.Lookup(chatID); ok {
						title = entry.Title
					}
					if err := importer.WriteChatPage(store, chatID, title); err != nil {
						log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to render chat page")
					}
				}
				if err := importer.WriteIndexPage(store, idx); err != nil {
					return err
				}
			}
			log.Info().Int("chats", len(idx)).Msg("Manifest rebuilt")
			return nil
		},
	}
}

func genCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-code",
		Short: "Run the interactive Telegram login to seed the session database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := common.LoadConfig(configFile)
			if err != nil {
				return err
			}
			telegramhelper.GenCode(&telegramhelper.RealTelegramService{}, cfg)
			return nil
		},
	}
}
