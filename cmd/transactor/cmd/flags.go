// Copyright © 2025 Tessera Systems

package cmd

import (
	"context"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/tessera-io/transactor/pkg/auth"
	"github.com/tessera-io/transactor/pkg/backup"
	"github.com/tessera-io/transactor/pkg/config"
	"github.com/tessera-io/transactor/pkg/dlogger"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/pipeline/remote"
	"github.com/tessera-io/transactor/pkg/storage/aggregate"
	"go.uber.org/zap"
)

type paramsT struct {
	root struct {
		logLevel     string
		storage      string
		indexPath    string
		backupBucket string
		server       string
		secret       string
	}
	serve struct {
		listen            string
		accountsURL       string
		modelVersion      string
		hangTimeout       time.Duration
		softShutdownTicks int
		chunkBudget       string
	}
	backup struct {
		workspace        string
		force            bool
		timeout          time.Duration
		blobSizeLimit    string
		tarRoll          string
		groupBytes       string
		skipContentTypes []string
		compactThreshold int
	}
	restore struct {
		workspace string
		date      string
		merge     bool
	}
	clone struct {
		source         string
		destination    string
		normalizeDates bool
		concurrency    int
	}
	compact struct {
		workspace string
	}
	move struct {
		workspace  string
		keepSource bool
	}
}

var params paramsT

func makeLogger() *zap.Logger {
	l, err := dlogger.GetLogger(params.root.logLevel)
	if err != nil {
		wrapFatalln("invalid log level "+params.root.logLevel, err)
	}
	return l
}

// makeAggregator builds the storage aggregator from --storage or the
// TRANSACTOR_STORAGE environment.
func makeAggregator(ctx context.Context, l *zap.Logger) *aggregate.Aggregator {
	var (
		entries []config.StorageEntry
		err     error
	)
	if params.root.storage != "" {
		entries, err = config.ParseStorage(params.root.storage)
	} else {
		entries, err = config.ParseStorageEnv()
	}
	if err != nil {
		wrapFatalln("parsing storage config", err)
	}
	agg, err := config.BuildAggregator(ctx, entries, params.root.indexPath, l)
	if err != nil {
		wrapFatalln("building storage aggregator", err)
	}
	return agg
}

// makeTarget resolves the backup bucket, creating it on first use.
func makeTarget(ctx context.Context, agg *aggregate.Aggregator) backup.Target {
	bucket := model.WorkspaceID(params.root.backupBucket)
	exists, err := agg.Exists(ctx, bucket)
	if err != nil {
		wrapFatalln("checking backup bucket", err)
	}
	if !exists {
		if err = agg.Make(ctx, bucket); err != nil {
			wrapFatalln("creating backup bucket", err)
		}
	}
	return backup.Target{Adapter: agg, Bucket: bucket}
}

// signedToken mints a short-lived system token for the backup protocol.
func signedToken(ws model.WorkspaceID, extra map[string]string) string {
	if params.root.secret == "" {
		wrapFatalln("no --secret set: cannot sign a session token", nil)
	}
	token, err := auth.Sign(&auth.Claims{
		Email:     auth.SystemAccount,
		Workspace: ws,
		Extra:     extra,
	}, []byte(params.root.secret), time.Hour)
	if err != nil {
		wrapFatalln("signing session token", err)
	}
	return token
}

// dialPipeline connects to the configured server as a backup client. Blob
// bytes travel through the aggregator directly, not over the socket.
func dialPipeline(ctx context.Context, l *zap.Logger, agg *aggregate.Aggregator, ws model.WorkspaceID) *remote.Client {
	if params.root.server == "" {
		wrapFatalln("no --server set: backup commands need a running transactor endpoint", nil)
	}
	token := signedToken(ws, map[string]string{"mode": "backup"})
	client, err := remote.Dial(ctx, params.root.server, token, ws, agg, remote.Logger(l))
	if err != nil {
		wrapFatalln("dialing "+params.root.server, err)
	}
	return client
}

func parseSize(name, value string, fallback int64) int64 {
	if value == "" {
		return fallback
	}
	n, err := units.RAMInBytes(value)
	if err != nil {
		wrapFatalln("invalid size for --"+name, err)
	}
	return n
}

// parseDate accepts RFC3339 or unix seconds, zero when empty.
func parseDate(value string) int64 {
	if value == "" {
		return 0
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.Unix()
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		wrapFatalln("invalid --date, want RFC3339 or unix seconds", err)
	}
	return n
}
