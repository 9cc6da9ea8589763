// Copyright © 2025 Tessera Systems

package backup

import (
	"context"
	"sort"
	"time"

	"github.com/tessera-io/transactor/pkg/errors"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/pipeline"
	"github.com/tessera-io/transactor/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrSelfClone signals a clone whose source and destination workspaces are
// the same.
var ErrSelfClone = errors.New("cannot clone a workspace onto itself")

// CloneResult reports one clone run.
type CloneResult struct {
	Source      model.WorkspaceID
	Destination model.WorkspaceID
	Copied      map[model.Domain]int
	Blobs       int
	_           struct{}
}

// Clone replicates the live documents of the source workspace into the
// destination, domain by domain. The model and transient domains are never
// cloned: the destination keeps its own model and transient state starts
// empty.
//
// The destination domain is wiped first, then documents stream across in
// batches; blob payloads travel through a bounded number of concurrent
// transfers. With NormalizeDates, createdOn and modifiedOn are rewritten to
// the clone time.
func Clone(ctx context.Context, src, dst pipeline.Pipeline, opts ...Option) (*CloneResult, error) {
	s := defaultSettings(opts)
	if src.Workspace() == dst.Workspace() {
		return nil, ErrSelfClone.WrapMessage("%s", src.Workspace())
	}
	l := s.l.With(
		zap.String("source", src.Workspace().String()),
		zap.String("destination", dst.Workspace().String()),
	)

	domains, err := src.Domains(ctx)
	if err != nil {
		return nil, errors.New("list source domains").Wrap(err)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })

	res := &CloneResult{
		Source:      src.Workspace(),
		Destination: dst.Workspace(),
		Copied:      map[model.Domain]int{},
	}
	now := time.Now().Unix()
	for _, domain := range domains {
		if domain == model.DomainModel || domain == model.DomainTransient {
			continue
		}
		copied, blobs, derr := cloneDomain(ctx, l, s, src, dst, domain, now)
		if derr != nil {
			return nil, errors.New("clone domain").WrapMessage("%s: %v", domain, derr)
		}
		res.Copied[domain] = copied
		res.Blobs += blobs
	}
	l.Info("clone complete", zap.Any("copied", res.Copied), zap.Int("blobs", res.Blobs))
	return res, nil
}

func cloneDomain(
	ctx context.Context,
	l *zap.Logger,
	s *settings,
	src, dst pipeline.Pipeline,
	domain model.Domain,
	now int64,
) (copied, blobs int, err error) {
	l = l.With(zap.String("domain", string(domain)))

	stale, _, err := liveDigest(ctx, dst, domain)
	if err != nil {
		return 0, 0, err
	}
	ids := make([]string, 0, len(stale))
	for id := range stale {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if _, err = cleanBatched(ctx, l, s, dst, domain, ids); err != nil {
		return 0, 0, err
	}

	live, sizes, err := liveDigest(ctx, src, domain)
	if err != nil {
		return 0, 0, err
	}
	change := &DigestChange{Added: live}
	groups := makeGroups(change, sizes, s.groupBytes)

	sem := semaphore.NewWeighted(s.copyConcurrency)
	up := &uploader{p: dst, domain: domain, budget: s.uploadBytes}
	for len(groups) > 0 {
		group := groups[0]
		groups = groups[1:]

		docs, lerr := src.LoadDocs(ctx, domain, group.ids)
		if lerr != nil {
			group.attempts++
			if group.attempts >= s.retries {
				return 0, 0, ErrRetriesExhausted.WrapMessage("%d ids: %v", len(group.ids), lerr)
			}
			l.Warn("document batch retrieval failed, requeued",
				zap.Int("ids", len(group.ids)),
				zap.Int("attempt", group.attempts),
				zap.Error(lerr),
			)
			groups = append(groups, group)
			continue
		}

		wg, wctx := errgroup.WithContext(ctx)
		for _, doc := range docs {
			if !doc.IsBlob() {
				continue
			}
			id := doc.ID
			if err = sem.Acquire(wctx, 1); err != nil {
				break
			}
			wg.Go(func() error {
				defer sem.Release(1)
				info, serr := src.Blobs().Stat(wctx, src.Workspace(), id)
				if serr != nil {
					if serr == storage.ErrNotFound {
						l.Warn("blob vanished during clone", zap.String("id", id))
						return nil
					}
					return serr
				}
				_, serr = storage.Copy(wctx, src.Blobs(), src.Workspace(), dst.Blobs(), dst.Workspace(), info)
				return serr
			})
		}
		if werr := wg.Wait(); werr != nil {
			return 0, 0, werr
		}
		if err != nil {
			return 0, 0, err
		}
		for _, doc := range docs {
			if doc.IsBlob() {
				blobs++
			}
			if s.normalizeDates {
				doc.CreatedOn = now
				doc.ModifiedOn = now
			}
			if err = up.add(ctx, doc, doc.Size); err != nil {
				return 0, 0, err
			}
			copied++
		}
	}
	if err = up.flush(ctx); err != nil {
		return 0, 0, err
	}
	l.Info("domain cloned", zap.Int("documents", copied))
	return copied, blobs, nil
}
