// Copyright © 2025 Tessera Systems

package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/tessera-io/transactor/pkg/backup"
	"github.com/tessera-io/transactor/pkg/model"
	"go.uber.org/zap"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Rebuild a workspace from its backup chain",
	Long: `Restore folds the backup chain up to --date (the newest snapshot by
default) and rewrites the live workspace to match it. With --merge, documents
absent from the backup are left in place instead of cleaned.`,
	Run: func(cmd *cobra.Command, args []string) {
		if params.restore.workspace == "" {
			wrapFatalWithCodef(2, "--workspace is required")
		}
		l := makeLogger()
		ctx := context.Background()
		ws := model.WorkspaceID(params.restore.workspace)

		agg := makeAggregator(ctx, l)
		defer agg.Close()
		target := makeTarget(ctx, agg)

		p := dialPipeline(ctx, l, agg, ws)
		defer p.Close(ctx)

		res, err := backup.Restore(ctx, p, target,
			backup.Logger(l),
			backup.Date(parseDate(params.restore.date)),
			backup.Merge(params.restore.merge),
		)
		if err != nil {
			wrapFatalln("restore of "+ws.String()+" failed", err)
		}
		infoLogger.Printf("%s: restored as of %d", ws, res.Date)
		for domain, n := range res.Restored {
			l.Info("domain restored",
				zap.String("domain", string(domain)),
				zap.Int("restored", n),
				zap.Int("cleaned", res.Cleaned[domain]))
		}
	},
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	fs := restoreCmd.Flags()
	fs.StringVar(&params.restore.workspace, "workspace", "", "workspace to restore")
	fs.StringVar(&params.restore.date, "date", "", "restore as of this snapshot date (RFC3339 or unix seconds)")
	fs.BoolVar(&params.restore.merge, "merge", false, "keep live documents missing from the backup")
}
