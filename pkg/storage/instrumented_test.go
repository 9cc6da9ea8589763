// Copyright © 2025 Tessera Systems

package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessera-io/transactor/pkg/model"
	"go.uber.org/zap"
)

type nullAdapter struct{}

func (nullAdapter) String() string { return "null" }

func (nullAdapter) Exists(context.Context, model.WorkspaceID) (bool, error) { return true, nil }

func (nullAdapter) Make(context.Context, model.WorkspaceID) error { return nil }

func (nullAdapter) DeleteBucket(context.Context, model.WorkspaceID) error { return nil }
func (nullAdapter) Stat(context.Context, model.WorkspaceID, string) (*model.BlobInfo, error) {
	return &model.BlobInfo{}, nil
}
func (nullAdapter) Get(context.Context, model.WorkspaceID, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}
func (nullAdapter) Partial(context.Context, model.WorkspaceID, string, int64, int64) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}
func (nullAdapter) Put(context.Context, model.WorkspaceID, string, io.Reader, string, int64) (*model.BlobInfo, error) {
	return &model.BlobInfo{}, nil
}
func (nullAdapter) Remove(context.Context, model.WorkspaceID, []string) error { return nil }

func (nullAdapter) List(context.Context, model.WorkspaceID) (BlobIterator, error) {
	return nil, nil
}

func TestInstrumentSpansPerOperation(t *testing.T) {
	ctx := context.Background()
	tr := mocktracer.New()
	wrapped := Instrument(tr, zap.NewNop(), nullAdapter{})

	assert.Equal(t, "null", wrapped.String())
	_, err := wrapped.Stat(ctx, "acme", "blob-1")
	require.NoError(t, err)
	_, err = wrapped.Put(ctx, "acme", "blob-1", bytes.NewReader([]byte("x")), "text/plain", 1)
	require.NoError(t, err)
	require.NoError(t, wrapped.Remove(ctx, "acme", []string{"blob-1"}))

	names := make([]string, 0, 3)
	for _, span := range tr.FinishedSpans() {
		names = append(names, span.OperationName)
	}
	assert.Equal(t, []string{"storage.null.Stat", "storage.null.Put", "storage.null.Remove"}, names)
}

func TestInstrumentNilTracerIsNoop(t *testing.T) {
	wrapped := Instrument(nil, nil, nullAdapter{})
	ok, err := wrapped.Exists(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, ok)
}
