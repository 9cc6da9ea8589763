// Copyright © 2025 Tessera Systems

package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/tessera-io/transactor/pkg/errors"
	"github.com/tessera-io/transactor/pkg/model"
)

// ErrUnknownCursor signals a LoadChunk against an index that was never
// allocated or already closed.
var ErrUnknownCursor = errors.New("unknown chunk cursor")

// DefaultChunkDocs bounds how many doc infos one chunk carries.
const DefaultChunkDocs = 500

// DefaultCursorIdle is how long an untouched cursor survives before the
// arena reclaims it. Disconnected clients leak cursors otherwise.
const DefaultCursorIdle = 5 * time.Minute

// DocIterator yields successive doc infos of a domain walk. A nil batch
// means exhaustion.
type DocIterator interface {
	Next(ctx context.Context, limit int) ([]model.DocInfo, error)
	Close(ctx context.Context) error
}

type cursor struct {
	it       DocIterator
	finished bool
	lastUsed time.Time
}

// CursorArena is the table of open chunk cursors keyed by allocated index.
// One reader per index; the arena serializes bookkeeping but not iteration.
type CursorArena struct {
	mu       sync.Mutex
	next     int
	cursors  map[int]*cursor
	idleTTL  time.Duration
	chunkDoc int
}

// NewCursorArena builds an empty arena.
func NewCursorArena() *CursorArena {
	return &CursorArena{
		cursors:  map[int]*cursor{},
		idleTTL:  DefaultCursorIdle,
		chunkDoc: DefaultChunkDocs,
	}
}

// Open registers an iterator and returns its allocated index.
func (a *CursorArena) Open(it DocIterator) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.next
	a.next++
	a.cursors[idx] = &cursor{it: it, lastUsed: time.Now()}
	return idx
}

// Load advances the cursor by one chunk. A finished cursor keeps answering
// with an empty, finished chunk without re-scanning.
func (a *CursorArena) Load(ctx context.Context, idx int) (*ChunkResult, error) {
	a.mu.Lock()
	c, ok := a.cursors[idx]
	if !ok {
		a.mu.Unlock()
		return nil, ErrUnknownCursor
	}
	c.lastUsed = time.Now()
	a.mu.Unlock()

	if c.finished {
		return &ChunkResult{Idx: idx, Docs: []model.DocInfo{}, Finished: true}, nil
	}
	docs, err := c.it.Next(ctx, a.chunkDoc)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		c.finished = true
		return &ChunkResult{Idx: idx, Docs: []model.DocInfo{}, Finished: true}, nil
	}
	finished := len(docs) < a.chunkDoc
	if finished {
		c.finished = true
	}
	return &ChunkResult{Idx: idx, Docs: docs, Finished: finished}, nil
}

// Close releases a cursor. Closing an unknown index is an error so leaked
// double-closes surface in tests.
func (a *CursorArena) Close(ctx context.Context, idx int) error {
	a.mu.Lock()
	c, ok := a.cursors[idx]
	delete(a.cursors, idx)
	a.mu.Unlock()
	if !ok {
		return ErrUnknownCursor
	}
	return c.it.Close(ctx)
}

// Expire reclaims cursors idle past the TTL and returns how many were
// dropped.
func (a *CursorArena) Expire(ctx context.Context, now time.Time) int {
	a.mu.Lock()
	var stale []int
	for idx, c := range a.cursors {
		if now.Sub(c.lastUsed) > a.idleTTL {
			stale = append(stale, idx)
		}
	}
	for _, idx := range stale {
		c := a.cursors[idx]
		delete(a.cursors, idx)
		_ = c.it.Close(ctx)
	}
	a.mu.Unlock()
	return len(stale)
}

// CloseAll drops every cursor, used on pipeline close.
func (a *CursorArena) CloseAll(ctx context.Context) {
	a.mu.Lock()
	cursors := a.cursors
	a.cursors = map[int]*cursor{}
	a.mu.Unlock()
	for _, c := range cursors {
		_ = c.it.Close(ctx)
	}
}
