// Copyright © 2025 Tessera Systems

package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"

	"github.com/tessera-io/transactor/pkg/errors"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/pipeline"
	"go.uber.org/zap"
)

// ErrNoBackup signals a restore against a workspace that was never backed
// up.
var ErrNoBackup = errors.New("no backup found for workspace")

// RestoreResult reports one restore run.
type RestoreResult struct {
	Workspace model.WorkspaceID
	Date      int64
	Restored  map[model.Domain]int
	Cleaned   map[model.Domain]int
	_         struct{}
}

// Restore rebuilds the workspace behind the pipeline from its backup,
// optionally as of a past snapshot date.
//
// Per domain the digest chain is folded up to the target date into the
// wanted state; storage files are then walked newest-first and every still
// wanted document is re-uploaded, blob payloads first, until nothing is
// missing. Unless Merge is set, documents live in the workspace but absent
// from the wanted state are cleaned in batches afterwards.
func Restore(ctx context.Context, p pipeline.Pipeline, target Target, opts ...Option) (*RestoreResult, error) {
	s := defaultSettings(opts)
	ws := p.Workspace()
	l := s.l.With(zap.String("workspace", ws.String()))

	info, err := LoadInfo(ctx, target, ws)
	if err != nil {
		return nil, errors.New("load backup info").Wrap(err)
	}
	if len(info.Snapshots) == 0 {
		return nil, ErrNoBackup.WrapMessage("%s", ws)
	}
	upTo := s.date
	if upTo > 0 && info.Snapshots[0].Date > upTo {
		return nil, ErrNoBackup.WrapMessage("%s has no snapshot at or before %d", ws, upTo)
	}

	res := &RestoreResult{
		Workspace: ws,
		Date:      upTo,
		Restored:  map[model.Domain]int{},
		Cleaned:   map[model.Domain]int{},
	}
	for _, domain := range backedUpDomains(info, upTo) {
		restored, cleaned, derr := restoreDomain(ctx, l, s, p, target, info, domain, upTo)
		if derr != nil {
			return nil, errors.New("restore domain").WrapMessage("%s: %v", domain, derr)
		}
		res.Restored[domain] = restored
		res.Cleaned[domain] = cleaned
	}
	l.Info("restore complete",
		zap.Int64("date", upTo),
		zap.Any("restored", res.Restored),
		zap.Any("cleaned", res.Cleaned),
	)
	return res, nil
}

// backedUpDomains lists, sorted, every domain any eligible snapshot touched.
func backedUpDomains(info *model.BackupInfo, upTo int64) []model.Domain {
	seen := map[model.Domain]struct{}{}
	for _, snapshot := range info.Snapshots {
		if upTo > 0 && snapshot.Date > upTo {
			break
		}
		for domain := range snapshot.Domains {
			seen[domain] = struct{}{}
		}
	}
	domains := make([]model.Domain, 0, len(seen))
	for domain := range seen {
		domains = append(domains, domain)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	return domains
}

func restoreDomain(
	ctx context.Context,
	l *zap.Logger,
	s *settings,
	p pipeline.Pipeline,
	target Target,
	info *model.BackupInfo,
	domain model.Domain,
	upTo int64,
) (restored, cleaned int, err error) {
	l = l.With(zap.String("domain", string(domain)))

	wanted, err := LoadDigest(ctx, target, info, domain, upTo)
	if err != nil {
		return 0, 0, err
	}
	live, _, err := liveDigest(ctx, p, domain)
	if err != nil {
		return 0, 0, err
	}

	// missing is what must come out of the storage files: absent live or
	// live with a different hash.
	missing := make(map[string]struct{}, len(wanted))
	for id, hash := range wanted {
		if cur, ok := live[id]; !ok || cur != hash {
			missing[id] = struct{}{}
		}
	}

	if len(missing) > 0 {
		up := &uploader{p: p, domain: domain, budget: s.uploadBytes}
		for _, key := range storageFilesNewestFirst(info, domain, upTo) {
			if len(missing) == 0 {
				break
			}
			if err = extractWanted(ctx, p, target, key, domain, missing, up); err != nil {
				return 0, 0, err
			}
		}
		if err = up.flush(ctx); err != nil {
			return 0, 0, err
		}
		restored = up.count
		if len(missing) > 0 {
			l.Warn("documents missing from storage files",
				zap.Int("count", len(missing)))
		}
	}

	if !s.merge {
		var stale []string
		for id := range live {
			if _, ok := wanted[id]; !ok {
				stale = append(stale, id)
			}
		}
		sort.Strings(stale)
		if cleaned, err = cleanBatched(ctx, l, s, p, domain, stale); err != nil {
			return 0, 0, err
		}
	}
	l.Info("domain restored",
		zap.Int("restored", restored),
		zap.Int("cleaned", cleaned),
	)
	return restored, cleaned, nil
}

// storageFilesNewestFirst lists a domain's storage files, most recent
// snapshot first and latest roll first within a snapshot.
func storageFilesNewestFirst(info *model.BackupInfo, domain model.Domain, upTo int64) []string {
	var keys []string
	for i := len(info.Snapshots) - 1; i >= 0; i-- {
		snapshot := info.Snapshots[i]
		if upTo > 0 && snapshot.Date > upTo {
			continue
		}
		data, ok := snapshot.Domains[domain]
		if !ok {
			continue
		}
		for j := len(data.StorageFiles) - 1; j >= 0; j-- {
			keys = append(keys, data.StorageFiles[j])
		}
	}
	return keys
}

// extractWanted walks one storage file and feeds still missing documents to
// the uploader, pushing blob payloads straight to blob storage. The walk
// stops early once nothing is missing.
func extractWanted(
	ctx context.Context,
	p pipeline.Pipeline,
	target Target,
	key string,
	domain model.Domain,
	missing map[string]struct{},
	up *uploader,
) error {
	var pendingBlob *model.Doc
	return walkArchive(ctx, target, key, func(name string, data []byte) error {
		id, isDoc := entryDocID(name)
		if !isDoc {
			// Raw payload entry trailing its descriptor.
			if pendingBlob == nil || pendingBlob.ID != id {
				return nil
			}
			doc := pendingBlob
			pendingBlob = nil
			size := int64(len(data))
			if _, err := p.Blobs().Put(ctx, p.Workspace(), id, bytes.NewReader(data), blobContentType(doc), size); err != nil {
				return err
			}
			if err := up.add(ctx, doc, size); err != nil {
				return err
			}
			delete(missing, id)
			if len(missing) == 0 {
				return io.EOF
			}
			return nil
		}
		if _, ok := missing[id]; !ok {
			return nil
		}
		doc := new(model.Doc)
		if err := json.Unmarshal(data, doc); err != nil {
			return errors.New("corrupt document entry").WrapMessage("%s in %s: %v", name, key, err)
		}
		if doc.IsBlob() {
			pendingBlob = doc
			return nil
		}
		if err := up.add(ctx, doc, int64(len(data))); err != nil {
			return err
		}
		delete(missing, id)
		if len(missing) == 0 {
			return io.EOF
		}
		return nil
	})
}

func blobContentType(doc *model.Doc) string {
	if ctype, ok := doc.Attributes["contentType"].(string); ok && ctype != "" {
		return ctype
	}
	return "application/octet-stream"
}

// uploader batches document uploads under a byte budget.
type uploader struct {
	p      pipeline.Pipeline
	domain model.Domain
	budget int64

	pending []*model.Doc
	bytes   int64
	count   int
}

func (u *uploader) add(ctx context.Context, doc *model.Doc, size int64) error {
	u.pending = append(u.pending, doc)
	u.bytes += size
	if u.bytes >= u.budget {
		return u.flush(ctx)
	}
	return nil
}

func (u *uploader) flush(ctx context.Context) error {
	if len(u.pending) == 0 {
		return nil
	}
	if err := u.p.Upload(ctx, u.domain, u.pending); err != nil {
		return err
	}
	u.count += len(u.pending)
	u.pending = nil
	u.bytes = 0
	return nil
}

// cleanBatched removes stale ids in fixed size batches, requeueing a failed
// batch until retries run out.
func cleanBatched(
	ctx context.Context,
	l *zap.Logger,
	s *settings,
	p pipeline.Pipeline,
	domain model.Domain,
	ids []string,
) (int, error) {
	var batches []*docGroup
	for len(ids) > 0 {
		n := s.cleanBatch
		if n > len(ids) {
			n = len(ids)
		}
		batches = append(batches, &docGroup{ids: ids[:n]})
		ids = ids[n:]
	}
	cleaned := 0
	for len(batches) > 0 {
		batch := batches[0]
		batches = batches[1:]
		if err := p.Clean(ctx, domain, batch.ids); err != nil {
			batch.attempts++
			if batch.attempts >= s.retries {
				return cleaned, ErrRetriesExhausted.WrapMessage("clean %d ids: %v", len(batch.ids), err)
			}
			l.Warn("clean batch failed, requeued",
				zap.Int("ids", len(batch.ids)),
				zap.Int("attempt", batch.attempts),
				zap.Error(err),
			)
			batches = append(batches, batch)
			continue
		}
		cleaned += len(batch.ids)
	}
	return cleaned, nil
}
