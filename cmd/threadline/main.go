package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"threadline/internal/app"
	"threadline/pkg/config"
	"threadline/pkg/logger"
	"threadline/pkg/models"
	"threadline/pkg/store"
	"threadline/pkg/store/migrations"
)

var cfgPath string

func main() {
	// .env is optional; real env always wins.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "threadline",
		Short:         "local message timeline cache and archive sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	root.AddCommand(runCmd(), inspectCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Logging.Level)
	return cfg, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the engine: live feed, scheduled archive sync, metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("threadline_started", "db", cfg.Storage.Path)
			return a.Run(ctx)
		},
	}
}

func inspectCmd() *cobra.Command {
	var conv string
	var limit int
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "print conversations, or the newest page of one conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			st, err := store.Open(cfg.Storage.Path, store.Options{
				PendingBound: cfg.Storage.PendingFoldBound,
			})
			if err != nil {
				return err
			}
			defer st.Close()

			if conv == "" {
				return inspectAll(st, cfg.Storage.Path)
			}
			return inspectConversation(st, conv, limit)
		},
	}
	cmd.Flags().StringVar(&conv, "conversation", "", "conversation key to inspect")
	cmd.Flags().IntVar(&limit, "limit", 20, "messages to print")
	return cmd
}

// fmtTS renders a nanosecond unix timestamp, matching the store's clock.
func fmtTS(ts int64) string {
	return time.Unix(0, ts).UTC().Format(time.RFC3339)
}

func inspectAll(st *store.Store, path string) error {
	convs, err := st.Conversations()
	if err != nil {
		return err
	}
	var size uint64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += uint64(info.Size())
		}
		return nil
	})
	fmt.Printf("db: %s (%s on disk)\n", path, humanize.Bytes(size))
	fmt.Printf("conversations: %d\n", len(convs))
	for _, c := range convs {
		ref, _ := st.ArchiveRef(c.Key)
		anchor := "none"
		if ref != nil {
			anchor = fmt.Sprintf("%s @ %s", ref.StanzaID, fmtTS(ref.Timestamp))
		}
		fmt.Printf("  %s  events=%d  updated=%s  archive_ref=%s\n",
			c.Key, c.EventCount,
			humanize.Time(time.Unix(0, c.UpdatedTS)), anchor)
	}
	return nil
}

func inspectConversation(st *store.Store, conv string, limit int) error {
	page, err := st.Page(conv, models.PageRequest{
		Direction: models.DirectionBackward,
		Limit:     limit,
	})
	if err != nil {
		return err
	}
	for _, m := range page.Messages {
		body := m.Body
		if m.Retracted {
			body = "(retracted)"
		}
		flags := ""
		if m.IsEdited {
			flags += " edited"
		}
		fmt.Printf("%s  %-24s %s%s\n", fmtTS(m.CreatedTS), m.Sender, body, flags)
	}
	if draft, _ := st.Draft(conv); draft != nil {
		fmt.Printf("draft: %s\n", draft.Text)
	}
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "upgrade stored records to the current schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			st, err := store.Open(cfg.Storage.Path, store.Options{
				PendingBound: cfg.Storage.PendingFoldBound,
			})
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := migrations.Run(context.Background(), st)
			if err != nil {
				return err
			}
			fmt.Printf("conversations=%d migrated=%d skipped=%d\n",
				stats.Conversations, stats.Migrated, stats.Skipped)
			return nil
		},
	}
}
