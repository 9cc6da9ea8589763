// Copyright © 2025 Tessera Systems

package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/storage"
)

// Memory is an in-memory pipeline, used for standalone serving and tests.
// Documents live in per-domain maps; blob bytes go through the injected
// storage adapter.
type Memory struct {
	ws    model.WorkspaceID
	blobs storage.Adapter
	arena *CursorArena

	mu      sync.RWMutex
	domains map[model.Domain]map[string]*model.Doc
	lastTx  string
	closed  bool
}

var _ Pipeline = &Memory{}

// NewMemory builds an empty in-memory pipeline for a workspace.
func NewMemory(ws model.WorkspaceID, blobs storage.Adapter) *Memory {
	return &Memory{
		ws:      ws,
		blobs:   blobs,
		arena:   NewCursorArena(),
		domains: map[model.Domain]map[string]*model.Doc{},
	}
}

func (m *Memory) Workspace() model.WorkspaceID { return m.ws }

func (m *Memory) Blobs() storage.Adapter { return m.blobs }

func (m *Memory) Domains(ctx context.Context) ([]model.Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	domains := make([]model.Domain, 0, len(m.domains))
	for domain, docs := range m.domains {
		if len(docs) > 0 {
			domains = append(domains, domain)
		}
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })
	return domains, nil
}

// HashDoc computes the content hash of a document from its canonical JSON
// form, ignoring any stored hash.
func HashDoc(doc *model.Doc) string {
	shadow := *doc
	shadow.Hash = ""
	buf, _ := json.Marshal(&shadow)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

type memoryIterator struct {
	infos []model.DocInfo
	pos   int
}

func (it *memoryIterator) Next(ctx context.Context, limit int) ([]model.DocInfo, error) {
	if it.pos >= len(it.infos) {
		return nil, nil
	}
	end := it.pos + limit
	if end > len(it.infos) {
		end = len(it.infos)
	}
	batch := it.infos[it.pos:end]
	it.pos = end
	return batch, nil
}

func (it *memoryIterator) Close(ctx context.Context) error {
	it.pos = len(it.infos)
	return nil
}

func (m *Memory) LoadChunk(ctx context.Context, domain model.Domain, idx int) (*ChunkResult, error) {
	if idx >= 0 {
		return m.arena.Load(ctx, idx)
	}
	m.mu.RLock()
	docs := m.domains[domain]
	infos := make([]model.DocInfo, 0, len(docs))
	for _, doc := range docs {
		infos = append(infos, model.DocInfo{ID: doc.ID, Hash: doc.Hash, Size: doc.Size})
	}
	m.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	newIdx := m.arena.Open(&memoryIterator{infos: infos})
	return m.arena.Load(ctx, newIdx)
}

func (m *Memory) CloseChunk(ctx context.Context, idx int) error {
	return m.arena.Close(ctx, idx)
}

func (m *Memory) LoadDocs(ctx context.Context, domain model.Domain, ids []string) ([]*model.Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]*model.Doc, 0, len(ids))
	for _, id := range ids {
		if doc, ok := m.domains[domain][id]; ok {
			clone := *doc
			docs = append(docs, &clone)
		}
	}
	return docs, nil
}

func (m *Memory) Upload(ctx context.Context, domain model.Domain, docs []*model.Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.domains[domain]
	if bucket == nil {
		bucket = map[string]*model.Doc{}
		m.domains[domain] = bucket
	}
	for _, doc := range docs {
		clone := *doc
		if clone.Hash == "" {
			clone.Hash = HashDoc(&clone)
		}
		bucket[clone.ID] = &clone
	}
	return nil
}

func (m *Memory) Clean(ctx context.Context, domain model.Domain, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.domains[domain]
	for _, id := range ids {
		delete(bucket, id)
	}
	return nil
}

func (m *Memory) FindAll(ctx context.Context, domain model.Domain) ([]*model.Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]*model.Doc, 0, len(m.domains[domain]))
	for _, doc := range m.domains[domain] {
		clone := *doc
		docs = append(docs, &clone)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (m *Memory) Tx(ctx context.Context, tx *model.Tx) error {
	doc := &model.Doc{ID: tx.ID, ModifiedOn: tx.ModifiedOn}
	if len(tx.Body) > 0 {
		doc.Attributes = map[string]interface{}{"body": string(tx.Body)}
	}
	if err := m.Upload(ctx, model.DomainTx, []*model.Doc{doc}); err != nil {
		return err
	}
	m.mu.Lock()
	m.lastTx = tx.ID
	m.mu.Unlock()
	return nil
}

func (m *Memory) LastTx(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTx, nil
}

func (m *Memory) Close(ctx context.Context) error {
	m.arena.CloseAll(ctx)
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
