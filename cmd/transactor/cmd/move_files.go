// Copyright © 2025 Tessera Systems

package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/storage/aggregate"
)

var moveFilesCmd = &cobra.Command{
	Use:   "move-files",
	Short: "Migrate workspace blobs onto the default storage backend",
	Long: `Move-files walks every non-default backend and moves its blobs onto
the default one, updating the location index as it goes. With --keep-source
the originals stay in place.`,
	Run: func(cmd *cobra.Command, args []string) {
		if params.move.workspace == "" {
			wrapFatalWithCodef(2, "--workspace is required")
		}
		l := makeLogger()
		ctx := context.Background()
		ws := model.WorkspaceID(params.move.workspace)

		agg := makeAggregator(ctx, l)
		defer agg.Close()

		var opts []aggregate.MoveOption
		if params.move.keepSource {
			opts = append(opts, aggregate.KeepSource())
		}
		stats, err := agg.MoveFiles(ctx, ws, opts...)
		if err != nil {
			wrapFatalln("moving files of "+ws.String(), err)
		}
		infoLogger.Printf("%s: %d moved, %d skipped, %d failed, %d deleted, %d bytes",
			ws, stats.Moved, stats.Skipped, stats.Failed, stats.Deleted, stats.Bytes)
	},
}

var syncFilesCmd = &cobra.Command{
	Use:   "sync-files",
	Short: "Rebuild the blob location index from backend listings",
	Run: func(cmd *cobra.Command, args []string) {
		if params.move.workspace == "" {
			wrapFatalWithCodef(2, "--workspace is required")
		}
		l := makeLogger()
		ctx := context.Background()
		ws := model.WorkspaceID(params.move.workspace)

		agg := makeAggregator(ctx, l)
		defer agg.Close()

		if err := agg.SyncFiles(ctx, ws); err != nil {
			wrapFatalln("syncing files of "+ws.String(), err)
		}
		infoLogger.Printf("%s: location index synced", ws)
	},
}

func init() {
	rootCmd.AddCommand(moveFilesCmd)
	rootCmd.AddCommand(syncFilesCmd)
	moveFilesCmd.Flags().StringVar(&params.move.workspace, "workspace", "", "workspace whose blobs to move")
	moveFilesCmd.Flags().BoolVar(&params.move.keepSource, "keep-source", false, "copy instead of move, keep source blobs")
	syncFilesCmd.Flags().StringVar(&params.move.workspace, "workspace", "", "workspace whose index to sync")
}
