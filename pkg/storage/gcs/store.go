// Copyright © 2025 Tessera Systems

package gcs

import (
	"context"
	"io"
	"strconv"
	"strings"

	gcsStorage "cloud.google.com/go/storage"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Option alters the configuration of a GCS adapter.
type Option func(*gcs)

// Name sets the registered provider name reported in blob infos.
func Name(name string) Option {
	return func(g *gcs) { g.name = name }
}

// BucketPrefix prepends a fixed prefix to the per-workspace bucket name.
func BucketPrefix(prefix string) Option {
	return func(g *gcs) { g.bucketPrefix = prefix }
}

// Project sets the GCP project used when provisioning workspace buckets.
func Project(id string) Option {
	return func(g *gcs) { g.projectID = id }
}

// Credential points at a service account credentials file.
func Credential(path string) Option {
	return func(g *gcs) { g.clientOpts = append(g.clientOpts, option.WithCredentialsFile(path)) }
}

// New builds a Google Cloud Storage backed adapter.
func New(ctx context.Context, options ...Option) (storage.Adapter, error) {
	g := new(gcs)
	for _, apply := range options {
		apply(g)
	}
	var err error
	g.client, err = gcsStorage.NewClient(ctx, g.clientOpts...)
	if err != nil {
		return nil, err
	}
	return g, nil
}

type gcs struct {
	name         string
	bucketPrefix string
	projectID    string
	clientOpts   []option.ClientOption
	client       *gcsStorage.Client
}

func (g *gcs) String() string {
	return "gcs://" + g.bucketPrefix
}

func (g *gcs) bucket(ws model.WorkspaceID) *gcsStorage.BucketHandle {
	return g.client.Bucket(strings.ToLower(g.bucketPrefix + string(ws)))
}

func (g *gcs) Exists(ctx context.Context, ws model.WorkspaceID) (bool, error) {
	_, err := g.bucket(ws).Attrs(ctx)
	if err != nil {
		if err == gcsStorage.ErrBucketNotExist {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (g *gcs) Make(ctx context.Context, ws model.WorkspaceID) error {
	err := g.bucket(ws).Create(ctx, g.projectID, nil)
	if err != nil && strings.Contains(err.Error(), "conflict") {
		return nil
	}
	return err
}

func (g *gcs) DeleteBucket(ctx context.Context, ws model.WorkspaceID) error {
	it, err := g.List(ctx, ws)
	if err != nil {
		return err
	}
	for {
		batch, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		ids := make([]string, 0, len(batch))
		for _, info := range batch {
			ids = append(ids, info.ID)
		}
		if err = g.Remove(ctx, ws, ids); err != nil {
			return err
		}
	}
	return g.bucket(ws).Delete(ctx)
}

func (g *gcs) Stat(ctx context.Context, ws model.WorkspaceID, id string) (*model.BlobInfo, error) {
	attrs, err := g.bucket(ws).Object(id).Attrs(ctx)
	if err != nil {
		if err == gcsStorage.ErrObjectNotExist {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return attrsToInfo(g.name, attrs), nil
}

func attrsToInfo(provider string, attrs *gcsStorage.ObjectAttrs) *model.BlobInfo {
	return &model.BlobInfo{
		ID:           attrs.Name,
		Size:         attrs.Size,
		ETag:         attrs.Etag,
		ContentType:  attrs.ContentType,
		Version:      strconv.FormatInt(attrs.Generation, 10),
		Provider:     provider,
		LastModified: attrs.Updated,
	}
}

func (g *gcs) Get(ctx context.Context, ws model.WorkspaceID, id string) (io.ReadCloser, error) {
	rdr, err := g.bucket(ws).Object(id).NewReader(ctx)
	if err != nil {
		if err == gcsStorage.ErrObjectNotExist {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return rdr, nil
}

func (g *gcs) Partial(ctx context.Context, ws model.WorkspaceID, id string, offset, length int64) (io.ReadCloser, error) {
	rdr, err := g.bucket(ws).Object(id).NewRangeReader(ctx, offset, length)
	if err != nil {
		if err == gcsStorage.ErrObjectNotExist {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return rdr, nil
}

func (g *gcs) Put(ctx context.Context, ws model.WorkspaceID, id string, rdr io.Reader, contentType string, size int64) (*model.BlobInfo, error) {
	writer := g.bucket(ws).Object(id).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := storage.PipeIO(writer, rdr); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return attrsToInfo(g.name, writer.Attrs()), nil
}

func (g *gcs) Remove(ctx context.Context, ws model.WorkspaceID, ids []string) error {
	for _, id := range ids {
		err := g.bucket(ws).Object(id).Delete(ctx)
		if err != nil && err != gcsStorage.ErrObjectNotExist {
			return err
		}
	}
	return nil
}

func (g *gcs) List(ctx context.Context, ws model.WorkspaceID) (storage.BlobIterator, error) {
	return &gcsIterator{
		provider: g.name,
		objects:  g.bucket(ws).Objects(ctx, nil),
	}, nil
}

type gcsIterator struct {
	provider string
	objects  *gcsStorage.ObjectIterator
	done     bool
}

func (it *gcsIterator) Next(ctx context.Context) ([]*model.BlobInfo, error) {
	if it.done {
		return nil, nil
	}
	batch := make([]*model.BlobInfo, 0, storage.ListBatchSize)
	for len(batch) < storage.ListBatchSize {
		attrs, err := it.objects.Next()
		if err == iterator.Done {
			it.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		batch = append(batch, attrsToInfo(it.provider, attrs))
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return batch, nil
}

func (it *gcsIterator) Close(ctx context.Context) error {
	it.done = true
	return nil
}
