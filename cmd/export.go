package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hive/internal/config"
	"github.com/nextlevelbuilder/hive/internal/jsonl"
	"github.com/nextlevelbuilder/hive/internal/store"
)

func exportCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export [session-id]",
		Short: "Export session transcripts to JSONL files",
		Long:  "Export one session (or all sessions) as JSONL, one record per message, suitable for re-import into another hive instance.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			ctx := context.Background()

			cfg, st, err := openForCLI(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			root := outDir
			if root == "" {
				root = memoriesRoot(cfg)
			}
			exp := jsonl.NewExporter(st, root)

			if len(args) == 1 {
				path, n, err := exp.ExportSession(ctx, args[0])
				if err != nil {
					return fmt.Errorf("export session %s: %w", args[0], err)
				}
				fmt.Printf("exported %d messages to %s\n", n, path)
				return nil
			}

			sessions, records, err := exp.ExportAll(ctx)
			if err != nil {
				return fmt.Errorf("export all: %w", err)
			}
			fmt.Printf("exported %d sessions (%d messages) to %s\n", sessions, records, root)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default: memories path)")
	return cmd
}

func importCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "import <file.jsonl>",
		Short: "Import a JSONL transcript into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			ctx := context.Background()

			_, st, err := openForCLI(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			recs, skipped, err := jsonl.ImportFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			if skipped > 0 {
				slog.Warn("skipped malformed lines", "file", args[0], "count", skipped)
			}

			target := sessionID
			if target == "" && len(recs) > 0 {
				target = recs[0].SessionID
			}
			if target == "" {
				return fmt.Errorf("no session id in %s, pass --session", args[0])
			}

			n, err := jsonl.Restore(ctx, st, target, recs)
			if err != nil {
				return fmt.Errorf("restore into %s: %w", target, err)
			}
			fmt.Printf("imported %d messages into session %s\n", n, target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "target session id (default: session_id from the file)")
	return cmd
}

// openForCLI loads config and opens the same store serve would use.
func openForCLI(ctx context.Context) (*config.Config, store.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}

func memoriesRoot(cfg *config.Config) string {
	if cfg.Memories.Path != "" {
		return cfg.Memories.Path
	}
	return "memories"
}
