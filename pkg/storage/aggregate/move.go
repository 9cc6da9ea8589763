// Copyright © 2025 Tessera Systems

package aggregate

import (
	"context"
	"sync"

	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// MoveOption alters a single MoveFiles run.
type MoveOption func(*moveSettings)

type moveSettings struct {
	keepSource bool
}

// KeepSource leaves source copies in place after the bytes are replicated
// to the default backend (copy instead of move).
func KeepSource() MoveOption {
	return func(s *moveSettings) {
		s.keepSource = true
	}
}

// MoveStats summarizes a MoveFiles run.
type MoveStats struct {
	Moved   int
	Skipped int
	Failed  int
	Deleted int
	Bytes   int64
}

// MoveFiles walks every non-default backend and migrates its blobs onto the
// default backend. Copy failures are isolated: the blob is counted as
// failed, stays on its source backend and keeps its index entry.
func (a *Aggregator) MoveFiles(ctx context.Context, ws model.WorkspaceID, opts ...MoveOption) (*MoveStats, error) {
	var settings moveSettings
	for _, apply := range opts {
		apply(&settings)
	}

	stats := new(MoveStats)
	var mu sync.Mutex
	sem := semaphore.NewWeighted(a.moveConcurrency)

	for i := len(a.providers) - 1; i >= 1; i-- {
		source := a.providers[i]
		l := a.l.With(
			zap.Stringer("workspace", ws),
			zap.String("source", source.name),
			zap.String("target", a.defaultName),
		)
		l.Info("moving blobs to default backend")

		it, err := source.adapter.List(ctx, ws)
		if err != nil {
			return stats, err
		}

		var (
			wg          sync.WaitGroup
			deleteQueue []string
		)
		flushDeletes := func() error {
			if settings.keepSource || len(deleteQueue) == 0 {
				return nil
			}
			if err := source.adapter.Remove(ctx, ws, deleteQueue); err != nil {
				return err
			}
			stats.Deleted += len(deleteQueue)
			deleteQueue = deleteQueue[:0]
			return nil
		}

		for {
			batch, err := it.Next(ctx)
			if err != nil {
				_ = it.Close(ctx)
				return stats, err
			}
			if batch == nil {
				break
			}
			for _, info := range batch {
				entry, err := a.index.get(ws, info.ID)
				if err != nil {
					_ = it.Close(ctx)
					return stats, err
				}
				if entry != nil && entry.Provider == a.defaultName {
					// bytes already live at the target; the source copy is
					// a leftover
					mu.Lock()
					stats.Skipped++
					deleteQueue = append(deleteQueue, info.ID)
					flushNeeded := len(deleteQueue) >= a.deleteBatch
					var ferr error
					if flushNeeded {
						ferr = flushDeletes()
					}
					mu.Unlock()
					if ferr != nil {
						_ = it.Close(ctx)
						return stats, ferr
					}
					continue
				}

				if err = sem.Acquire(ctx, 1); err != nil {
					_ = it.Close(ctx)
					return stats, err
				}
				wg.Add(1)
				go func(info *model.BlobInfo) {
					defer wg.Done()
					defer sem.Release(1)

					moved, err := storage.Copy(ctx, source.adapter, ws, a.defaultProvider(), ws, info)
					if err != nil {
						l.Error("failed to move blob, keeping source copy",
							zap.String("id", info.ID), zap.Error(err))
						mu.Lock()
						stats.Failed++
						mu.Unlock()
						return
					}
					if _, err = a.syncStat(ws, info.ID, a.defaultName, moved); err != nil {
						l.Error("failed to index moved blob",
							zap.String("id", info.ID), zap.Error(err))
						mu.Lock()
						stats.Failed++
						mu.Unlock()
						return
					}
					mu.Lock()
					stats.Moved++
					stats.Bytes += moved.Size
					deleteQueue = append(deleteQueue, info.ID)
					mu.Unlock()
				}(info)
			}
			wg.Wait()
			mu.Lock()
			err = flushDeletes()
			mu.Unlock()
			if err != nil {
				_ = it.Close(ctx)
				return stats, err
			}
		}
		if err = it.Close(ctx); err != nil {
			return stats, err
		}
		mu.Lock()
		err = flushDeletes()
		mu.Unlock()
		if err != nil {
			return stats, err
		}
		l.Info("done moving blobs",
			zap.Int("moved", stats.Moved),
			zap.Int("skipped", stats.Skipped),
			zap.Int("failed", stats.Failed),
			zap.Int64("bytes", stats.Bytes),
		)
	}
	return stats, nil
}

// SyncFiles reconciles the index against actual backend listings. Backends
// are walked in reverse registration order so the default backend is
// handled last and wins any conflict.
func (a *Aggregator) SyncFiles(ctx context.Context, ws model.WorkspaceID) error {
	for i := len(a.providers) - 1; i >= 0; i-- {
		p := a.providers[i]
		it, err := p.adapter.List(ctx, ws)
		if err != nil {
			return err
		}
		for {
			batch, err := it.Next(ctx)
			if err != nil {
				_ = it.Close(ctx)
				return err
			}
			if batch == nil {
				break
			}
			for _, info := range batch {
				entry, err := a.index.get(ws, info.ID)
				if err != nil {
					_ = it.Close(ctx)
					return err
				}
				switch {
				case entry == nil:
					// discovered but never indexed
					if _, err = a.syncStat(ws, info.ID, p.name, info); err != nil {
						_ = it.Close(ctx)
						return err
					}
				case p.name == a.defaultName && entry.Provider != a.defaultName:
					// present on the default backend but indexed elsewhere:
					// the default is the source of truth once bytes exist
					// there
					if _, err = a.syncStat(ws, info.ID, a.defaultName, info); err != nil {
						_ = it.Close(ctx)
						return err
					}
				}
			}
		}
		if err = it.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}
