// Copyright © 2025 Tessera Systems

package backup

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tessera-io/transactor/pkg/errors"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/pipeline"
	"github.com/tessera-io/transactor/pkg/storage"
	"go.uber.org/zap"
)

// ErrRetriesExhausted signals a document batch that failed to load on every
// attempt.
var ErrRetriesExhausted = errors.New("document retrieval retries exhausted")

// chunkSource is the slice of the pipeline the digest walk needs.
type chunkSource interface {
	LoadChunk(ctx context.Context, domain model.Domain, idx int) (*pipeline.ChunkResult, error)
	CloseChunk(ctx context.Context, idx int) error
}

// Result reports one backup run.
type Result struct {
	Workspace model.WorkspaceID
	Skipped   bool
	Expired   bool
	Date      int64
	Domains   map[model.Domain]*model.DomainData
	Compacted bool
	_         struct{}
}

// Backup runs one incremental backup of the workspace behind the pipeline
// into the target.
//
// Per domain it folds the persisted digest chain, walks the live documents
// through the chunk cursor, and packs anything added or updated, together
// with blob payloads, into rolling storage files. The digest movement is
// persisted as a snapshot file and the run is appended to backup.json.gz.
//
// A run with an unchanged last transaction id is a no-op unless forced.
// When a Timeout expires mid-run, no new work starts but everything packed
// so far is flushed and recorded; the last transaction id is then left
// untouched so the next run picks up the remainder.
func Backup(ctx context.Context, p pipeline.Pipeline, target Target, opts ...Option) (*Result, error) {
	s := defaultSettings(opts)
	ws := p.Workspace()
	l := s.l.With(zap.String("workspace", ws.String()))

	info, err := LoadInfo(ctx, target, ws)
	if err != nil {
		return nil, errors.New("load backup info").Wrap(err)
	}
	lastTx, err := p.LastTx(ctx)
	if err != nil {
		return nil, errors.New("query last tx").Wrap(err)
	}
	if !s.force && len(info.Snapshots) > 0 && lastTx == info.LastTxID {
		l.Info("backup skipped, no new transactions", zap.String("last_tx", lastTx))
		return &Result{Workspace: ws, Skipped: true}, nil
	}

	date := time.Now().Unix()
	if n := len(info.Snapshots); n > 0 && date <= info.Snapshots[n-1].Date {
		date = info.Snapshots[n-1].Date + 1
	}

	var deadline time.Time
	if s.timeout != 0 {
		deadline = time.Now().Add(s.timeout)
	}
	expired := func() bool {
		return !deadline.IsZero() && time.Now().After(deadline)
	}

	domains, err := p.Domains(ctx)
	if err != nil {
		return nil, errors.New("list domains").Wrap(err)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })

	res := &Result{
		Workspace: ws,
		Date:      date,
		Domains:   map[model.Domain]*model.DomainData{},
	}
	for _, domain := range domains {
		if domain == model.DomainTransient {
			continue
		}
		if expired() {
			l.Warn("backup timeout, remaining domains deferred", zap.String("domain", string(domain)))
			res.Expired = true
			break
		}
		data, derr := backupDomain(ctx, l, s, p, target, info, domain, date, expired)
		if derr != nil {
			return nil, errors.New("backup domain").WrapMessage("%s: %v", domain, derr)
		}
		if data == nil {
			continue
		}
		if data.partial {
			res.Expired = true
		}
		if len(data.Snapshots) > 0 {
			res.Domains[domain] = &data.DomainData
		}
	}

	if len(res.Domains) > 0 {
		info.Snapshots = append(info.Snapshots, model.BackupSnapshot{
			Date:    date,
			Domains: res.Domains,
		})
	}
	if !res.Expired {
		info.LastTxID = lastTx
	}
	if len(res.Domains) > 0 || !res.Expired {
		if err = SaveInfo(ctx, target, info); err != nil {
			return nil, errors.New("save backup info").Wrap(err)
		}
	}
	l.Info("backup complete",
		zap.Int64("date", date),
		zap.Int("domains", len(res.Domains)),
		zap.Bool("expired", res.Expired),
	)

	if !res.Expired && len(info.Snapshots) >= s.compactThreshold {
		if err = Compact(ctx, target, ws, opts...); err != nil {
			return nil, errors.New("auto compaction").Wrap(err)
		}
		res.Compacted = true
	}
	return res, nil
}

type domainRun struct {
	model.DomainData
	partial bool
}

// docGroup is one LoadDocs batch bounded by declared payload size.
type docGroup struct {
	ids      []string
	attempts int
}

func backupDomain(
	ctx context.Context,
	l *zap.Logger,
	s *settings,
	p pipeline.Pipeline,
	target Target,
	info *model.BackupInfo,
	domain model.Domain,
	date int64,
	expired func() bool,
) (*domainRun, error) {
	l = l.With(zap.String("domain", string(domain)))

	base, err := LoadDigest(ctx, target, info, domain, 0)
	if err != nil {
		return nil, err
	}
	live, sizes, err := liveDigest(ctx, p, domain)
	if err != nil {
		return nil, err
	}

	change := &DigestChange{Added: Digest{}, Updated: Digest{}}
	left := make(Digest, len(base))
	for id, hash := range base {
		left[id] = hash
	}
	for id, hash := range live {
		prev, known := left[id]
		if known {
			delete(left, id)
			if prev == hash {
				continue
			}
			change.Updated[id] = hash
			continue
		}
		change.Added[id] = hash
	}
	for id := range left {
		change.Removed = append(change.Removed, id)
	}
	sort.Strings(change.Removed)

	if len(change.Added) == 0 && len(change.Updated) == 0 && len(change.Removed) == 0 {
		l.Debug("domain unchanged")
		return nil, nil
	}

	run := &domainRun{}
	groups := makeGroups(change, sizes, s.groupBytes)
	aw := newArchiveWriter(target, info.Workspace, domain, date, s.tarRollBytes)

	for len(groups) > 0 {
		if expired() {
			l.Warn("backup timeout, domain partially packed",
				zap.Int("pending_groups", len(groups)))
			run.partial = true
			dropPending(change, groups)
			break
		}
		group := groups[0]
		groups = groups[1:]

		docs, lerr := p.LoadDocs(ctx, domain, group.ids)
		if lerr != nil {
			group.attempts++
			if group.attempts >= s.retries {
				return nil, ErrRetriesExhausted.WrapMessage("%d ids: %v", len(group.ids), lerr)
			}
			l.Warn("document batch retrieval failed, requeued",
				zap.Int("ids", len(group.ids)),
				zap.Int("attempt", group.attempts),
				zap.Error(lerr),
			)
			groups = append(groups, group)
			continue
		}
		for _, doc := range docs {
			if err = packDoc(ctx, l, s, p, aw, change, doc); err != nil {
				return nil, err
			}
			if err = aw.maybeRoll(ctx); err != nil {
				return nil, err
			}
		}
	}
	if err = aw.flush(ctx); err != nil {
		return nil, err
	}

	if len(change.Added) == 0 && len(change.Updated) == 0 && len(change.Removed) == 0 {
		if run.partial {
			// Nothing landed before the deadline. The expiry still has to
			// reach the caller so the last transaction id is withheld.
			return run, nil
		}
		return nil, nil
	}
	key := model.GetSnapshotPath(info.Workspace, domain, date)
	if err = writeSnapshotFile(ctx, target, key, change); err != nil {
		return nil, err
	}
	run.Snapshots = []string{key}
	run.StorageFiles = aw.files
	run.Added = len(change.Added)
	run.Updated = len(change.Updated)
	run.Removed = len(change.Removed)
	l.Info("domain backed up",
		zap.Int("added", run.Added),
		zap.Int("updated", run.Updated),
		zap.Int("removed", run.Removed),
		zap.Int("storage_files", len(run.StorageFiles)),
	)
	return run, nil
}

// packDoc serializes one document into the archive, fetching blob payloads
// subject to the size and content type skip policies. Skipped or vanished
// blobs are dropped from the digest movement so a later run retries them.
func packDoc(
	ctx context.Context,
	l *zap.Logger,
	s *settings,
	p pipeline.Pipeline,
	aw *archiveWriter,
	change *DigestChange,
	doc *model.Doc,
) error {
	drop := func(reason string, fields ...zap.Field) {
		delete(change.Added, doc.ID)
		delete(change.Updated, doc.ID)
		l.Info(reason, append([]zap.Field{zap.String("id", doc.ID)}, fields...)...)
	}
	var payload []byte
	if doc.IsBlob() {
		blobs := p.Blobs()
		stat, err := blobs.Stat(ctx, p.Workspace(), doc.ID)
		if err != nil {
			if err == storage.ErrNotFound {
				drop("blob vanished, dropped from backup")
				return nil
			}
			return err
		}
		if stat.Size > s.blobSizeLimit {
			drop("blob over size limit, skipped",
				zap.Int64("size", stat.Size),
				zap.Int64("limit", s.blobSizeLimit),
			)
			return nil
		}
		if matchContentType(stat.ContentType, s.skipContentTypes) {
			drop("blob content type skipped", zap.String("content_type", stat.ContentType))
			return nil
		}
		rdr, err := blobs.Get(ctx, p.Workspace(), doc.ID)
		if err != nil {
			if err == storage.ErrNotFound {
				drop("blob vanished, dropped from backup")
				return nil
			}
			return err
		}
		payload, err = io.ReadAll(rdr)
		_ = rdr.Close()
		if err != nil {
			return err
		}
		if stat.Size > 0 && int64(len(payload)) != stat.Size {
			l.Warn("blob size mismatch",
				zap.String("id", doc.ID),
				zap.Int64("declared", stat.Size),
				zap.Int("actual", len(payload)),
			)
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err = aw.addDoc(doc.ID, raw); err != nil {
		return err
	}
	if doc.IsBlob() {
		if err = aw.addBlob(doc.ID, payload); err != nil {
			return err
		}
	}
	return nil
}

// makeGroups splits the added and updated ids into retrieval batches whose
// cumulative declared size stays under the byte budget. Oversized documents
// travel alone.
func makeGroups(change *DigestChange, sizes map[string]int64, budget int64) []*docGroup {
	ids := make([]string, 0, len(change.Added)+len(change.Updated))
	for id := range change.Added {
		ids = append(ids, id)
	}
	for id := range change.Updated {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		groups []*docGroup
		cur    *docGroup
		bytes  int64
	)
	for _, id := range ids {
		size := sizes[id]
		if size <= 0 {
			size = 1
		}
		if cur != nil && bytes+size > budget {
			cur = nil
		}
		if cur == nil {
			cur = &docGroup{}
			groups = append(groups, cur)
			bytes = 0
		}
		cur.ids = append(cur.ids, id)
		bytes += size
	}
	return groups
}

// dropPending removes ids from the digest movement whose bytes were never
// fetched, so an expired run records only what actually landed in storage
// files.
func dropPending(change *DigestChange, groups []*docGroup) {
	for _, group := range groups {
		for _, id := range group.ids {
			delete(change.Added, id)
			delete(change.Updated, id)
		}
	}
}

func matchContentType(ctype string, prefixes []string) bool {
	for _, prefix := range prefixes {
		prefix = strings.TrimSuffix(prefix, "*")
		if prefix != "" && strings.HasPrefix(ctype, prefix) {
			return true
		}
	}
	return false
}
