// Copyright © 2025 Tessera Systems

package storage

import (
	"context"
	"io"

	"github.com/tessera-io/transactor/pkg/model"
)

type errString string

func (e errString) Error() string { return string(e) }

const (
	ErrNotFound     errString = "not found"
	ErrForbidden    errString = "forbidden"
	ErrNotSupported errString = "not supported"
	ErrExists       errString = "exists already"
	ErrNoBucket     errString = "workspace bucket does not exist"
	ErrBadConfig    errString = "invalid storage configuration"
)

// ListBatchSize bounds how many blob infos an iterator yields per call.
const ListBatchSize = 1000

// Adapter implementations know how to store and retrieve blobs for a
// workspace-scoped bucket.
//
// Typically this is something object-store-like. Examples are S3, GCS,
// local FS. Implementations of this interface are assumed to be fairly
// simple; nothing here tracks which adapter owns a blob, that is the
// aggregator's job.
type Adapter interface {
	String() string

	// bucket lifecycle
	Exists(ctx context.Context, ws model.WorkspaceID) (bool, error)
	Make(ctx context.Context, ws model.WorkspaceID) error
	DeleteBucket(ctx context.Context, ws model.WorkspaceID) error

	// blob operations
	Stat(ctx context.Context, ws model.WorkspaceID, id string) (*model.BlobInfo, error)
	Get(ctx context.Context, ws model.WorkspaceID, id string) (io.ReadCloser, error)
	Partial(ctx context.Context, ws model.WorkspaceID, id string, offset, length int64) (io.ReadCloser, error)
	Put(ctx context.Context, ws model.WorkspaceID, id string, rdr io.Reader, contentType string, size int64) (*model.BlobInfo, error)
	Remove(ctx context.Context, ws model.WorkspaceID, ids []string) error
	List(ctx context.Context, ws model.WorkspaceID) (BlobIterator, error)
}

// BlobIterator streams blob metadata out of a bucket listing. Next returns
// a nil batch once the listing is exhausted.
type BlobIterator interface {
	Next(ctx context.Context) ([]*model.BlobInfo, error)
	Close(ctx context.Context) error
}

// Copy pipes a single blob between two adapters, preserving content type.
func Copy(ctx context.Context, src Adapter, srcWs model.WorkspaceID, dst Adapter, dstWs model.WorkspaceID, info *model.BlobInfo) (*model.BlobInfo, error) {
	rdr, err := src.Get(ctx, srcWs, info.ID)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	return dst.Put(ctx, dstWs, info.ID, rdr, info.ContentType, info.Size)
}
