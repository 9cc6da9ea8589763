// Copyright © 2025 Tessera Systems

package aggregate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v3"
	"github.com/tessera-io/transactor/pkg/model"
)

// indexEntry is the authoritative record of which provider currently holds
// the canonical bytes of a blob.
type indexEntry struct {
	Provider    string `json:"provider"`
	Size        int64  `json:"size"`
	ETag        string `json:"etag,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// providerIndex persists blob→provider assignments in a local badger KV.
type providerIndex struct {
	db *badger.DB
}

func openIndex(pth string) (*providerIndex, error) {
	var opts badger.Options
	if pth == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.WARNING)
	} else {
		if err := os.MkdirAll(pth, 0700); err != nil {
			return nil, fmt.Errorf("openIndex: mkdir: %w", err)
		}
		opts = badger.LSMOnlyOptions(pth).WithLoggingLevel(badger.WARNING)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open KV: %w", err)
	}
	return &providerIndex{db: db}, nil
}

func (x *providerIndex) Close() error {
	return x.db.Close()
}

func indexKey(ws model.WorkspaceID, id string) []byte {
	return []byte("blob/" + string(ws) + "/" + id)
}

func (x *providerIndex) get(ws model.WorkspaceID, id string) (*indexEntry, error) {
	var entry *indexEntry
	err := x.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(ws, id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			entry = new(indexEntry)
			return json.Unmarshal(val, entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (x *providerIndex) set(ws model.WorkspaceID, id string, entry indexEntry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return x.db.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(ws, id), buf)
	})
}

func (x *providerIndex) delete(ws model.WorkspaceID, ids []string) error {
	return x.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := txn.Delete(indexKey(ws, id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// walk visits every indexed blob of a workspace.
func (x *providerIndex) walk(ws model.WorkspaceID, visit func(id string, entry indexEntry) error) error {
	prefix := indexKey(ws, "")
	return x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefix):])
			err := item.Value(func(val []byte) error {
				var entry indexEntry
				if e := json.Unmarshal(val, &entry); e != nil {
					return e
				}
				return visit(id, entry)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
