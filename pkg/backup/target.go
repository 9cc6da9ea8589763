// Copyright © 2025 Tessera Systems

package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/storage"
)

// Target is where backup files live: a bucket on any storage adapter.
type Target struct {
	Adapter storage.Adapter
	Bucket  model.WorkspaceID
}

func (t Target) get(ctx context.Context, key string) (io.ReadCloser, error) {
	return t.Adapter.Get(ctx, t.Bucket, key)
}

func (t Target) put(ctx context.Context, key string, buf []byte) error {
	_, err := t.Adapter.Put(ctx, t.Bucket, key, bytes.NewReader(buf), "application/gzip", int64(len(buf)))
	return err
}

func (t Target) delete(ctx context.Context, keys []string) error {
	return t.Adapter.Remove(ctx, t.Bucket, keys)
}

// LoadInfo reads the root backup descriptor. A missing descriptor yields a
// fresh empty one.
func LoadInfo(ctx context.Context, target Target, ws model.WorkspaceID) (*model.BackupInfo, error) {
	rdr, err := target.get(ctx, model.GetBackupInfoPath(ws))
	if err != nil {
		if err == storage.ErrNotFound {
			return &model.BackupInfo{
				Workspace: ws,
				Version:   model.CurrentBackupVersion,
			}, nil
		}
		return nil, err
	}
	defer rdr.Close()
	gz, err := gzip.NewReader(rdr)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	info := new(model.BackupInfo)
	if err = json.NewDecoder(gz).Decode(info); err != nil {
		return nil, err
	}
	return info, nil
}

// SaveInfo writes the root backup descriptor.
func SaveInfo(ctx context.Context, target Target, info *model.BackupInfo) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(info); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return target.put(ctx, model.GetBackupInfoPath(info.Workspace), buf.Bytes())
}
