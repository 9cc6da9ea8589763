// Copyright © 2025 Tessera Systems

package backup

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/tessera-io/transactor/pkg/errors"
	"github.com/tessera-io/transactor/pkg/model"
	"go.uber.org/zap"
)

const deleteChunk = 500

// Compact collapses a workspace's snapshot chain into a single snapshot.
//
// Per domain the chain is folded into the final digest, live entries are
// rewritten out of the old storage files into fresh ones, and a single
// snapshot file records everything as added. The old chain's files are
// deleted once the new descriptor is persisted, so an interrupted
// compaction leaves the previous chain readable.
func Compact(ctx context.Context, target Target, ws model.WorkspaceID, opts ...Option) error {
	s := defaultSettings(opts)
	l := s.l.With(zap.String("workspace", ws.String()))

	info, err := LoadInfo(ctx, target, ws)
	if err != nil {
		return errors.New("load backup info").Wrap(err)
	}
	if len(info.Snapshots) < 2 {
		return nil
	}

	lastDate := info.Snapshots[len(info.Snapshots)-1].Date
	date := time.Now().Unix()
	if date <= lastDate {
		date = lastDate + 1
	}

	var obsolete []string
	for _, snapshot := range info.Snapshots {
		for _, data := range snapshot.Domains {
			obsolete = append(obsolete, data.Snapshots...)
			obsolete = append(obsolete, data.StorageFiles...)
			if data.Snapshot != "" {
				obsolete = append(obsolete, data.Snapshot)
			}
		}
	}

	compacted := model.BackupSnapshot{
		Date:    date,
		Domains: map[model.Domain]*model.DomainData{},
	}
	for _, domain := range backedUpDomains(info, 0) {
		data, derr := compactDomain(ctx, l, s, target, info, domain, date)
		if derr != nil {
			return errors.New("compact domain").WrapMessage("%s: %v", domain, derr)
		}
		if data != nil {
			compacted.Domains[domain] = data
		}
	}

	info.Snapshots = []model.BackupSnapshot{compacted}
	if err = SaveInfo(ctx, target, info); err != nil {
		return errors.New("save backup info").Wrap(err)
	}

	for len(obsolete) > 0 {
		n := deleteChunk
		if n > len(obsolete) {
			n = len(obsolete)
		}
		if err = target.delete(ctx, obsolete[:n]); err != nil {
			// The new chain is already live; stale files only waste space.
			l.Warn("failed to delete obsolete backup files",
				zap.Int("count", n), zap.Error(err))
		}
		obsolete = obsolete[n:]
	}
	l.Info("compaction complete",
		zap.Int64("date", date),
		zap.Int("domains", len(compacted.Domains)),
	)
	return nil
}

func compactDomain(
	ctx context.Context,
	l *zap.Logger,
	s *settings,
	target Target,
	info *model.BackupInfo,
	domain model.Domain,
	date int64,
) (*model.DomainData, error) {
	l = l.With(zap.String("domain", string(domain)))

	wanted, err := LoadDigest(ctx, target, info, domain, 0)
	if err != nil {
		return nil, err
	}
	if len(wanted) == 0 {
		l.Debug("domain empty after fold, dropped")
		return nil, nil
	}

	missing := make(map[string]struct{}, len(wanted))
	for id := range wanted {
		missing[id] = struct{}{}
	}
	aw := newArchiveWriter(target, info.Workspace, domain, date, s.tarRollBytes)
	for _, key := range storageFilesNewestFirst(info, domain, 0) {
		if len(missing) == 0 {
			break
		}
		if err = repackWanted(ctx, target, key, missing, aw); err != nil {
			return nil, err
		}
		if err = aw.maybeRoll(ctx); err != nil {
			return nil, err
		}
	}
	if err = aw.flush(ctx); err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		l.Warn("documents missing from storage files",
			zap.Int("count", len(missing)))
	}

	key := model.GetSnapshotPath(info.Workspace, domain, date)
	change := &DigestChange{Added: wanted}
	if err = writeSnapshotFile(ctx, target, key, change); err != nil {
		return nil, err
	}
	l.Info("domain compacted",
		zap.Int("documents", len(wanted)),
		zap.Int("storage_files", len(aw.files)),
	)
	return &model.DomainData{
		Snapshots:    []string{key},
		StorageFiles: aw.files,
		Added:        len(wanted),
	}, nil
}

// repackWanted copies still missing entries of one storage file into the
// compacted archive, keeping descriptor and payload adjacent.
func repackWanted(
	ctx context.Context,
	target Target,
	key string,
	missing map[string]struct{},
	aw *archiveWriter,
) error {
	var pendingBlob string
	return walkArchive(ctx, target, key, func(name string, data []byte) error {
		id, isDoc := entryDocID(name)
		if !isDoc {
			if pendingBlob != id {
				return nil
			}
			pendingBlob = ""
			if err := aw.addBlob(id, data); err != nil {
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
		if err := aw.addDoc(id, data); err != nil {
			return err
		}
		if doc.IsBlob() {
			pendingBlob = id
			return nil
		}
		delete(missing, id)
		if len(missing) == 0 {
			return io.EOF
		}
		return nil
	})
}
