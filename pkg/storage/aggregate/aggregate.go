// Copyright © 2025 Tessera Systems

// Package aggregate combines several named storage adapters behind the
// regular Adapter interface. Blobs live on exactly one backend at a time;
// a local authoritative index records which one. Writes always land on the
// designated default backend, while sync/move operations migrate blobs
// between backends without breaking lookups.
package aggregate

import (
	"context"
	"io"

	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// AdapterEx extends the plain adapter contract with cross-provider
// bookkeeping.
type AdapterEx interface {
	storage.Adapter

	// SyncBlobFromStorage re-stats a blob on the named backend and marks
	// that backend as the current holder in the index.
	SyncBlobFromStorage(ctx context.Context, ws model.WorkspaceID, id, provider string) (*model.BlobInfo, error)

	// SyncFiles reconciles the index against the actual backend listings.
	SyncFiles(ctx context.Context, ws model.WorkspaceID) error

	// MoveFiles migrates blobs from non-default backends onto the default
	// one.
	MoveFiles(ctx context.Context, ws model.WorkspaceID, opts ...MoveOption) (*MoveStats, error)

	// Provider resolves a registered backend by name.
	Provider(name string) (storage.Adapter, bool)

	Close() error
}

type named struct {
	name    string
	adapter storage.Adapter
}

// Aggregator is the multi-provider façade. The zero value is not usable;
// construct with New.
type Aggregator struct {
	providers   []named // registration order; first entry is the default
	defaultName string
	index       *providerIndex
	l           *zap.Logger

	moveConcurrency int64
	deleteBatch     int
}

var _ AdapterEx = &Aggregator{}

// New builds an aggregator over an ordered list of named backends. The
// first registered backend is the default (write target).
func New(opts ...Option) (*Aggregator, error) {
	a := &Aggregator{
		l:               zap.NewNop(),
		moveConcurrency: defaultMoveConcurrency,
		deleteBatch:     defaultDeleteBatch,
	}
	var indexPath string
	for _, apply := range opts {
		apply(a, &indexPath)
	}
	if len(a.providers) == 0 {
		return nil, storage.ErrBadConfig
	}
	a.defaultName = a.providers[0].name
	index, err := openIndex(indexPath)
	if err != nil {
		return nil, err
	}
	a.index = index
	return a, nil
}

func (a *Aggregator) Close() error {
	return a.index.Close()
}

func (a *Aggregator) String() string {
	return "aggregate@" + a.defaultName
}

func (a *Aggregator) defaultProvider() storage.Adapter {
	return a.providers[0].adapter
}

// Provider resolves a registered backend by name.
func (a *Aggregator) Provider(name string) (storage.Adapter, bool) {
	for _, p := range a.providers {
		if p.name == name {
			return p.adapter, true
		}
	}
	return nil, false
}

func (a *Aggregator) Exists(ctx context.Context, ws model.WorkspaceID) (bool, error) {
	return a.defaultProvider().Exists(ctx, ws)
}

// Make provisions the workspace bucket on every backend; a blob may land on
// any of them over its lifetime.
func (a *Aggregator) Make(ctx context.Context, ws model.WorkspaceID) error {
	for _, p := range a.providers {
		if err := p.adapter.Make(ctx, ws); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) DeleteBucket(ctx context.Context, ws model.WorkspaceID) error {
	var errs error
	for _, p := range a.providers {
		errs = multierr.Append(errs, p.adapter.DeleteBucket(ctx, ws))
	}
	return errs
}

// Stat answers from the authoritative index. A blob unknown to the index is
// probed once across all backends in registration order; a hit is indexed
// so subsequent lookups stay cheap.
func (a *Aggregator) Stat(ctx context.Context, ws model.WorkspaceID, id string) (*model.BlobInfo, error) {
	entry, err := a.index.get(ws, id)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		if provider, ok := a.Provider(entry.Provider); ok {
			info, err := provider.Stat(ctx, ws, id)
			if err == nil {
				info.Provider = entry.Provider
				return info, nil
			}
			if err != storage.ErrNotFound {
				return nil, err
			}
			// stale index entry, fall through to the probe
		}
	}
	for _, p := range a.providers {
		info, err := p.adapter.Stat(ctx, ws, id)
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		return a.syncStat(ws, id, p.name, info)
	}
	return nil, storage.ErrNotFound
}

func (a *Aggregator) syncStat(ws model.WorkspaceID, id, provider string, info *model.BlobInfo) (*model.BlobInfo, error) {
	err := a.index.set(ws, id, indexEntry{
		Provider:    provider,
		Size:        info.Size,
		ETag:        info.ETag,
		ContentType: info.ContentType,
	})
	if err != nil {
		return nil, err
	}
	info.Provider = provider
	return info, nil
}

// SyncBlobFromStorage re-stats the blob on the named backend and rewrites
// the index to point at it.
func (a *Aggregator) SyncBlobFromStorage(ctx context.Context, ws model.WorkspaceID, id, provider string) (*model.BlobInfo, error) {
	p, ok := a.Provider(provider)
	if !ok {
		return nil, storage.ErrBadConfig
	}
	info, err := p.Stat(ctx, ws, id)
	if err != nil {
		return nil, err
	}
	return a.syncStat(ws, id, provider, info)
}

func (a *Aggregator) resolve(ctx context.Context, ws model.WorkspaceID, id string) (storage.Adapter, error) {
	info, err := a.Stat(ctx, ws, id)
	if err != nil {
		return nil, err
	}
	p, ok := a.Provider(info.Provider)
	if !ok {
		return nil, storage.ErrBadConfig
	}
	return p, nil
}

func (a *Aggregator) Get(ctx context.Context, ws model.WorkspaceID, id string) (io.ReadCloser, error) {
	p, err := a.resolve(ctx, ws, id)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, ws, id)
}

func (a *Aggregator) Partial(ctx context.Context, ws model.WorkspaceID, id string, offset, length int64) (io.ReadCloser, error) {
	p, err := a.resolve(ctx, ws, id)
	if err != nil {
		return nil, err
	}
	return p.Partial(ctx, ws, id, offset, length)
}

// Put always writes through the default provider.
func (a *Aggregator) Put(ctx context.Context, ws model.WorkspaceID, id string, rdr io.Reader, contentType string, size int64) (*model.BlobInfo, error) {
	info, err := a.defaultProvider().Put(ctx, ws, id, rdr, contentType, size)
	if err != nil {
		return nil, err
	}
	return a.syncStat(ws, id, a.defaultName, info)
}

// Remove deletes each blob from the backend holding it, then drops the
// index entries.
func (a *Aggregator) Remove(ctx context.Context, ws model.WorkspaceID, ids []string) error {
	byProvider := make(map[string][]string)
	for _, id := range ids {
		entry, err := a.index.get(ws, id)
		if err != nil {
			return err
		}
		name := a.defaultName
		if entry != nil {
			name = entry.Provider
		}
		byProvider[name] = append(byProvider[name], id)
	}
	for name, group := range byProvider {
		p, ok := a.Provider(name)
		if !ok {
			continue
		}
		if err := p.Remove(ctx, ws, group); err != nil {
			return err
		}
	}
	return a.index.delete(ws, ids)
}

// List iterates the authoritative index rather than any single backend, so
// blobs parked on secondary providers are not missed.
func (a *Aggregator) List(ctx context.Context, ws model.WorkspaceID) (storage.BlobIterator, error) {
	var infos []*model.BlobInfo
	err := a.index.walk(ws, func(id string, entry indexEntry) error {
		infos = append(infos, &model.BlobInfo{
			ID:          id,
			Size:        entry.Size,
			ETag:        entry.ETag,
			ContentType: entry.ContentType,
			Provider:    entry.Provider,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sliceIterator{infos: infos}, nil
}

type sliceIterator struct {
	infos []*model.BlobInfo
	pos   int
}

func (it *sliceIterator) Next(ctx context.Context) ([]*model.BlobInfo, error) {
	if it.pos >= len(it.infos) {
		return nil, nil
	}
	end := it.pos + storage.ListBatchSize
	if end > len(it.infos) {
		end = len(it.infos)
	}
	batch := it.infos[it.pos:end]
	it.pos = end
	return batch, nil
}

func (it *sliceIterator) Close(ctx context.Context) error {
	it.pos = len(it.infos)
	return nil
}
