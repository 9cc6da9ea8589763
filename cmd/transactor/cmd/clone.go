// Copyright © 2025 Tessera Systems

package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/tessera-io/transactor/pkg/backup"
	"github.com/tessera-io/transactor/pkg/model"
	"go.uber.org/zap"
)

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Replicate a live workspace into another",
	Long: `Clone copies the live documents and blobs of the source workspace
into the destination. The model and transient domains stay untouched.`,
	Run: func(cmd *cobra.Command, args []string) {
		if params.clone.source == "" || params.clone.destination == "" {
			wrapFatalWithCodef(2, "--source and --destination are required")
		}
		l := makeLogger()
		ctx := context.Background()
		srcWs := model.WorkspaceID(params.clone.source)
		dstWs := model.WorkspaceID(params.clone.destination)

		agg := makeAggregator(ctx, l)
		defer agg.Close()

		src := dialPipeline(ctx, l, agg, srcWs)
		defer src.Close(ctx)
		dst := dialPipeline(ctx, l, agg, dstWs)
		defer dst.Close(ctx)

		opts := []backup.Option{
			backup.Logger(l),
			backup.NormalizeDates(params.clone.normalizeDates),
		}
		if params.clone.concurrency > 0 {
			opts = append(opts, backup.CopyConcurrency(params.clone.concurrency))
		}

		res, err := backup.Clone(ctx, src, dst, opts...)
		if err != nil {
			wrapFatalln("clone "+srcWs.String()+" -> "+dstWs.String()+" failed", err)
		}
		infoLogger.Printf("%s -> %s: %d blobs copied", srcWs, dstWs, res.Blobs)
		for domain, n := range res.Copied {
			l.Info("domain cloned", zap.String("domain", string(domain)), zap.Int("docs", n))
		}
	},
}

func init() {
	rootCmd.AddCommand(cloneCmd)
	fs := cloneCmd.Flags()
	fs.StringVar(&params.clone.source, "source", "", "workspace to clone from")
	fs.StringVar(&params.clone.destination, "destination", "", "workspace to clone into")
	fs.BoolVar(&params.clone.normalizeDates, "normalize-dates", false, "stamp cloned documents with the clone time")
	fs.IntVar(&params.clone.concurrency, "concurrency", 0, "parallel blob copies")
}
