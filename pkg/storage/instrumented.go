// Copyright © 2025 Tessera Systems

package storage

import (
	"context"
	"io"
	"strings"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/tessera-io/transactor/pkg/model"
	"go.uber.org/zap"
)

// Instrument wraps an adapter with tracing spans and debug logging per
// operation.
func Instrument(tr opentracing.Tracer, l *zap.Logger, adapter Adapter) Adapter {
	if tr == nil {
		tr = opentracing.NoopTracer{}
	}
	if l == nil {
		l = zap.NewNop()
	}
	return &instrumentedAdapter{
		tr:      tr,
		adapter: adapter,
		l:       l.With(zap.String("adapter", adapter.String())),
	}
}

type instrumentedAdapter struct {
	adapter Adapter
	tr      opentracing.Tracer
	l       *zap.Logger
}

func (i *instrumentedAdapter) opName(name string) string {
	return strings.Join([]string{"storage", i.String(), name}, ".")
}

func (i *instrumentedAdapter) spanFromContext(ctx context.Context, name string) opentracing.Span {
	parent := opentracing.SpanFromContext(ctx)
	var span opentracing.Span
	if parent != nil {
		span = i.tr.StartSpan(name, opentracing.ChildOf(parent.Context()))
	} else {
		span = i.tr.StartSpan(name)
	}
	return span
}

func (i *instrumentedAdapter) String() string {
	return i.adapter.String()
}

func (i *instrumentedAdapter) Exists(ctx context.Context, ws model.WorkspaceID) (bool, error) {
	span := i.spanFromContext(ctx, i.opName("Exists"))
	defer span.Finish()
	i.l.Debug("storage exists", zap.Stringer("workspace", ws))
	return i.adapter.Exists(ctx, ws)
}

func (i *instrumentedAdapter) Make(ctx context.Context, ws model.WorkspaceID) error {
	span := i.spanFromContext(ctx, i.opName("Make"))
	defer span.Finish()
	i.l.Debug("storage make", zap.Stringer("workspace", ws))
	return i.adapter.Make(ctx, ws)
}

func (i *instrumentedAdapter) DeleteBucket(ctx context.Context, ws model.WorkspaceID) error {
	span := i.spanFromContext(ctx, i.opName("DeleteBucket"))
	defer span.Finish()
	i.l.Debug("storage delete bucket", zap.Stringer("workspace", ws))
	return i.adapter.DeleteBucket(ctx, ws)
}

func (i *instrumentedAdapter) Stat(ctx context.Context, ws model.WorkspaceID, id string) (*model.BlobInfo, error) {
	span := i.spanFromContext(ctx, i.opName("Stat"))
	defer span.Finish()
	i.l.Debug("storage stat", zap.Stringer("workspace", ws), zap.String("id", id))
	return i.adapter.Stat(ctx, ws, id)
}

func (i *instrumentedAdapter) Get(ctx context.Context, ws model.WorkspaceID, id string) (io.ReadCloser, error) {
	span := i.spanFromContext(ctx, i.opName("Get"))
	defer span.Finish()
	i.l.Debug("storage get", zap.Stringer("workspace", ws), zap.String("id", id))
	return i.adapter.Get(ctx, ws, id)
}

func (i *instrumentedAdapter) Partial(ctx context.Context, ws model.WorkspaceID, id string, offset, length int64) (io.ReadCloser, error) {
	span := i.spanFromContext(ctx, i.opName("Partial"))
	defer span.Finish()
	i.l.Debug("storage partial", zap.Stringer("workspace", ws), zap.String("id", id),
		zap.Int64("offset", offset), zap.Int64("length", length))
	return i.adapter.Partial(ctx, ws, id, offset, length)
}

func (i *instrumentedAdapter) Put(ctx context.Context, ws model.WorkspaceID, id string, rdr io.Reader, contentType string, size int64) (*model.BlobInfo, error) {
	span := i.spanFromContext(ctx, i.opName("Put"))
	defer span.Finish()
	i.l.Debug("storage put", zap.Stringer("workspace", ws), zap.String("id", id), zap.Int64("size", size))
	return i.adapter.Put(ctx, ws, id, rdr, contentType, size)
}

func (i *instrumentedAdapter) Remove(ctx context.Context, ws model.WorkspaceID, ids []string) error {
	span := i.spanFromContext(ctx, i.opName("Remove"))
	defer span.Finish()
	i.l.Debug("storage remove", zap.Stringer("workspace", ws), zap.Int("count", len(ids)))
	return i.adapter.Remove(ctx, ws, ids)
}

func (i *instrumentedAdapter) List(ctx context.Context, ws model.WorkspaceID) (BlobIterator, error) {
	span := i.spanFromContext(ctx, i.opName("List"))
	defer span.Finish()
	i.l.Debug("storage list", zap.Stringer("workspace", ws))
	return i.adapter.List(ctx, ws)
}
