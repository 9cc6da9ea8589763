// Copyright © 2025 Tessera Systems

package localfs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/storage"
)

// New creates a local file system backed storage adapter. Each workspace
// maps to a directory, each blob to a file, with a sibling ".ctype" file
// holding the declared content type.
func New(name string, fs afero.Fs) storage.Adapter {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(".transactor", "blobs"))
	}
	return &localFS{name: name, fs: fs}
}

type localFS struct {
	name string
	fs   afero.Fs
}

const contentTypeSuffix = ".ctype"

func (l *localFS) String() string {
	const localfs = "localfs"
	switch fs := l.fs.(type) {
	case *afero.BasePathFs:
		pp, err := fs.RealPath("")
		if err != nil {
			return localfs
		}
		return localfs + "@" + pp
	default:
		return localfs
	}
}

func (l *localFS) Exists(ctx context.Context, ws model.WorkspaceID) (bool, error) {
	fi, err := l.fs.Stat(string(ws))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return fi.IsDir(), nil
}

func (l *localFS) Make(ctx context.Context, ws model.WorkspaceID) error {
	return l.fs.MkdirAll(string(ws), 0700)
}

func (l *localFS) DeleteBucket(ctx context.Context, ws model.WorkspaceID) error {
	return l.fs.RemoveAll(string(ws))
}

func (l *localFS) key(ws model.WorkspaceID, id string) string {
	return filepath.Join(string(ws), id)
}

func (l *localFS) Stat(ctx context.Context, ws model.WorkspaceID, id string) (*model.BlobInfo, error) {
	fi, err := l.fs.Stat(l.key(ws, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &model.BlobInfo{
		ID:           id,
		Size:         fi.Size(),
		ContentType:  l.contentType(ws, id),
		ETag:         etagFor(fi.Size(), fi.ModTime().UnixNano()),
		Provider:     l.name,
		LastModified: fi.ModTime(),
	}, nil
}

func (l *localFS) contentType(ws model.WorkspaceID, id string) string {
	b, err := afero.ReadFile(l.fs, l.key(ws, id)+contentTypeSuffix)
	if err == nil && len(b) > 0 {
		return string(b)
	}
	if ct := mime.TypeByExtension(filepath.Ext(id)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (l *localFS) Get(ctx context.Context, ws model.WorkspaceID, id string) (io.ReadCloser, error) {
	f, err := l.fs.Open(l.key(ws, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (l *localFS) Partial(ctx context.Context, ws model.WorkspaceID, id string, offset, length int64) (io.ReadCloser, error) {
	f, err := l.fs.Open(l.key(ws, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	if _, err = f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	if length < 0 {
		return f, nil
	}
	return &limitedReadCloser{r: io.LimitReader(f, length), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

func (l *localFS) Put(ctx context.Context, ws model.WorkspaceID, id string, rdr io.Reader, contentType string, size int64) (*model.BlobInfo, error) {
	key := l.key(ws, id)
	if err := l.fs.MkdirAll(filepath.Dir(key), 0700); err != nil {
		return nil, fmt.Errorf("ensuring directories for %q: %v", key, err)
	}
	target, err := l.fs.OpenFile(key, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("create record for %q: %v", key, err)
	}
	if _, err = storage.PipeIO(target, rdr); err != nil {
		_ = target.Close()
		return nil, fmt.Errorf("write record for %q: %v", key, err)
	}
	if err = target.Close(); err != nil {
		return nil, err
	}
	if contentType != "" {
		if err = afero.WriteFile(l.fs, key+contentTypeSuffix, []byte(contentType), 0600); err != nil {
			return nil, err
		}
	}
	return l.Stat(ctx, ws, id)
}

func (l *localFS) Remove(ctx context.Context, ws model.WorkspaceID, ids []string) error {
	for _, id := range ids {
		if err := l.fs.Remove(l.key(ws, id)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %q: %v", id, err)
		}
		_ = l.fs.Remove(l.key(ws, id) + contentTypeSuffix)
	}
	return nil
}

func (l *localFS) List(ctx context.Context, ws model.WorkspaceID) (storage.BlobIterator, error) {
	root := string(ws)
	var ids []string
	err := afero.Walk(l.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, contentTypeSuffix) {
			return nil
		}
		rel, e := filepath.Rel(root, path)
		if e != nil {
			return e
		}
		ids = append(ids, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &localIterator{fs: l, ws: ws, ids: ids}, nil
}

type localIterator struct {
	fs  *localFS
	ws  model.WorkspaceID
	ids []string
	pos int
}

func (it *localIterator) Next(ctx context.Context) ([]*model.BlobInfo, error) {
	if it.pos >= len(it.ids) {
		return nil, nil
	}
	end := it.pos + storage.ListBatchSize
	if end > len(it.ids) {
		end = len(it.ids)
	}
	batch := make([]*model.BlobInfo, 0, end-it.pos)
	for _, id := range it.ids[it.pos:end] {
		info, err := it.fs.Stat(ctx, it.ws, id)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		batch = append(batch, info)
	}
	it.pos = end
	return batch, nil
}

func (it *localIterator) Close(ctx context.Context) error {
	it.pos = len(it.ids)
	return nil
}

func etagFor(size, mtime int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d-%d", size, mtime)))
	return hex.EncodeToString(sum[:])
}
