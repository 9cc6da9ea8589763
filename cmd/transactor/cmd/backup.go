// Copyright © 2025 Tessera Systems

package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/tessera-io/transactor/pkg/backup"
	"github.com/tessera-io/transactor/pkg/model"
	"go.uber.org/zap"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run an incremental workspace backup",
	Long: `Backup walks the live workspace through a running transactor and
appends one snapshot to the workspace backup chain. An unchanged workspace
is skipped unless --force is set.`,
	Run: func(cmd *cobra.Command, args []string) {
		if params.backup.workspace == "" {
			wrapFatalWithCodef(2, "--workspace is required")
		}
		l := makeLogger()
		ctx := context.Background()
		ws := model.WorkspaceID(params.backup.workspace)

		agg := makeAggregator(ctx, l)
		defer agg.Close()
		target := makeTarget(ctx, agg)

		p := dialPipeline(ctx, l, agg, ws)
		defer p.Close(ctx)

		opts := []backup.Option{
			backup.Logger(l),
			backup.Force(params.backup.force),
			backup.Timeout(params.backup.timeout),
			backup.BlobSizeLimit(parseSize("blob-size-limit", params.backup.blobSizeLimit, 0)),
			backup.TarRollBytes(parseSize("tar-roll", params.backup.tarRoll, 0)),
			backup.RetrievalGroupBytes(parseSize("group-bytes", params.backup.groupBytes, 0)),
			backup.SkipContentTypes(params.backup.skipContentTypes),
		}
		if params.backup.compactThreshold > 0 {
			opts = append(opts, backup.CompactThreshold(params.backup.compactThreshold))
		}

		res, err := backup.Backup(ctx, p, target, opts...)
		if err != nil {
			wrapFatalln("backup of "+ws.String()+" failed", err)
		}
		switch {
		case res.Skipped:
			infoLogger.Printf("%s: unchanged since last backup, skipped", ws)
		case res.Expired:
			infoLogger.Printf("%s: backup hit the time budget, partial snapshot at %d saved", ws, res.Date)
		default:
			infoLogger.Printf("%s: snapshot %d saved (%d domains, compacted=%v)", ws, res.Date, len(res.Domains), res.Compacted)
		}
		for domain, data := range res.Domains {
			l.Info("domain backed up",
				zap.String("domain", string(domain)),
				zap.Int("added", data.Added),
				zap.Int("updated", data.Updated),
				zap.Int("removed", data.Removed))
		}
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	fs := backupCmd.Flags()
	fs.StringVar(&params.backup.workspace, "workspace", "", "workspace to back up")
	fs.BoolVar(&params.backup.force, "force", false, "back up even when the last transaction is unchanged")
	fs.DurationVar(&params.backup.timeout, "timeout", 0, "wall clock budget for the run, 0 for unbounded")
	fs.StringVar(&params.backup.blobSizeLimit, "blob-size-limit", "", "skip blobs larger than this, e.g. 512MiB")
	fs.StringVar(&params.backup.tarRoll, "tar-roll", "", "roll storage archives past this size, e.g. 32MiB")
	fs.StringVar(&params.backup.groupBytes, "group-bytes", "", "byte budget per document retrieval group, e.g. 2MiB")
	fs.StringSliceVar(&params.backup.skipContentTypes, "skip-content-types", nil, "content type patterns to leave out, e.g. video/*")
	fs.IntVar(&params.backup.compactThreshold, "compact-threshold", 0, "auto-compact once the chain reaches this many snapshots")
}
