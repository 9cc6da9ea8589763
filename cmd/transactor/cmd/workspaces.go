// Copyright © 2025 Tessera Systems

package cmd

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tessera-io/transactor/pkg/backup"
	"github.com/tessera-io/transactor/pkg/model"
)

var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "Commands to manage backed up workspaces",
}

var workspacesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces present in the backup bucket",
	Run: func(cmd *cobra.Command, args []string) {
		l := makeLogger()
		ctx := context.Background()

		agg := makeAggregator(ctx, l)
		defer agg.Close()
		target := makeTarget(ctx, agg)

		iter, err := agg.List(ctx, target.Bucket)
		if err != nil {
			wrapFatalln("listing backup bucket", err)
		}
		defer iter.Close(ctx)

		var names []string
		for {
			batch, err := iter.Next(ctx)
			if err != nil {
				wrapFatalln("listing backup bucket", err)
			}
			if batch == nil {
				break
			}
			for _, info := range batch {
				ws, ok := strings.CutSuffix(info.ID, "/backup.json.gz")
				if !ok || strings.Contains(ws, "/") {
					continue
				}
				names = append(names, ws)
			}
		}
		sort.Strings(names)

		for _, name := range names {
			info, err := backup.LoadInfo(ctx, target, model.WorkspaceID(name))
			if err != nil {
				wrapFatalln("reading backup descriptor of "+name, err)
			}
			last := "never"
			if n := len(info.Snapshots); n > 0 {
				last = time.Unix(info.Snapshots[n-1].Date, 0).UTC().Format(time.RFC3339)
			}
			infoLogger.Printf("%s\tsnapshots=%d\tlast=%s\tlastTx=%s",
				name, len(info.Snapshots), last, info.LastTxID)
		}
		if len(names) == 0 {
			infoLogger.Println("no backed up workspaces")
		}
	},
}

func init() {
	rootCmd.AddCommand(workspacesCmd)
	workspacesCmd.AddCommand(workspacesListCmd)
}
