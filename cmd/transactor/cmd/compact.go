// Copyright © 2025 Tessera Systems

package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/tessera-io/transactor/pkg/backup"
	"github.com/tessera-io/transactor/pkg/model"
)

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Collapse a backup chain into a single snapshot",
	Long: `Compact folds every snapshot of the workspace backup chain into one
full snapshot and deletes the obsolete files. The new chain is written before
the old one is removed, so an interrupted run leaves a readable backup.`,
	Run: func(cmd *cobra.Command, args []string) {
		if params.compact.workspace == "" {
			wrapFatalWithCodef(2, "--workspace is required")
		}
		l := makeLogger()
		ctx := context.Background()
		ws := model.WorkspaceID(params.compact.workspace)

		agg := makeAggregator(ctx, l)
		defer agg.Close()
		target := makeTarget(ctx, agg)

		if err := backup.Compact(ctx, target, ws, backup.Logger(l)); err != nil {
			wrapFatalln("compaction of "+ws.String()+" failed", err)
		}
		infoLogger.Printf("%s: backup chain compacted", ws)
	},
}

func init() {
	rootCmd.AddCommand(compactCmd)
	compactCmd.Flags().StringVar(&params.compact.workspace, "workspace", "", "workspace whose chain to compact")
}
