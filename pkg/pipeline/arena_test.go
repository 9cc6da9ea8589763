// Copyright © 2025 Tessera Systems

package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessera-io/transactor/pkg/model"
)

func seedMemory(t *testing.T, n int) *Memory {
	m := NewMemory("w1", nil)
	docs := make([]*model.Doc, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, &model.Doc{ID: fmt.Sprintf("doc-%04d", i), Size: 10})
	}
	require.NoError(t, m.Upload(context.Background(), model.DomainDoc, docs))
	return m
}

func TestChunkCursorExhaustion(t *testing.T) {
	ctx := context.Background()
	m := seedMemory(t, 1200)

	res, err := m.LoadChunk(ctx, model.DomainDoc, -1)
	require.NoError(t, err)
	idx := res.Idx

	seen := map[string]string{}
	for _, d := range res.Docs {
		seen[d.ID] = d.Hash
	}
	for !res.Finished {
		res, err = m.LoadChunk(ctx, model.DomainDoc, idx)
		require.NoError(t, err)
		require.Equal(t, idx, res.Idx)
		for _, d := range res.Docs {
			_, dup := seen[d.ID]
			require.False(t, dup, "doc %s yielded twice", d.ID)
			seen[d.ID] = d.Hash
		}
	}
	assert.Len(t, seen, 1200)

	// a finished cursor answers empty without re-scanning
	res, err = m.LoadChunk(ctx, model.DomainDoc, idx)
	require.NoError(t, err)
	assert.True(t, res.Finished)
	assert.Empty(t, res.Docs)

	require.NoError(t, m.CloseChunk(ctx, idx))
	require.ErrorIs(t, m.CloseChunk(ctx, idx), ErrUnknownCursor)
}

func TestTwoIndependentCursors(t *testing.T) {
	ctx := context.Background()
	m := seedMemory(t, 600)

	r1, err := m.LoadChunk(ctx, model.DomainDoc, -1)
	require.NoError(t, err)
	r2, err := m.LoadChunk(ctx, model.DomainDoc, -1)
	require.NoError(t, err)
	require.NotEqual(t, r1.Idx, r2.Idx)

	// both cursors walk the full domain independently
	assert.Equal(t, r1.Docs[0].ID, r2.Docs[0].ID)

	require.NoError(t, m.CloseChunk(ctx, r1.Idx))
	require.NoError(t, m.CloseChunk(ctx, r2.Idx))
}

func TestCursorExpiry(t *testing.T) {
	ctx := context.Background()
	a := NewCursorArena()
	a.idleTTL = 10 * time.Millisecond

	idx := a.Open(&memoryIterator{infos: []model.DocInfo{{ID: "x"}}})
	dropped := a.Expire(ctx, time.Now())
	assert.Equal(t, 0, dropped)

	dropped = a.Expire(ctx, time.Now().Add(time.Second))
	assert.Equal(t, 1, dropped)
	_, err := a.Load(ctx, idx)
	require.ErrorIs(t, err, ErrUnknownCursor)
}

func TestLoadChunkUnknownCursor(t *testing.T) {
	m := seedMemory(t, 1)
	_, err := m.LoadChunk(context.Background(), model.DomainDoc, 42)
	require.ErrorIs(t, err, ErrUnknownCursor)
}
