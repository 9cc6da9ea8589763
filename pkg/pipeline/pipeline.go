// Copyright © 2025 Tessera Systems

// Package pipeline defines the per-workspace compute and storage engine
// consumed by sessions and by the backup tooling: bulk document access over
// domains plus a cursor-based chunk walk used for incremental digests.
package pipeline

import (
	"context"

	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/storage"
)

// ChunkResult is one page of a chunked domain walk. Idx identifies the
// server-side cursor; pass it back to continue the walk and hand it to
// CloseChunk exactly once when done.
type ChunkResult struct {
	Idx      int             `json:"idx"`
	Docs     []model.DocInfo `json:"docs"`
	Finished bool            `json:"finished"`
	_        struct{}
}

// Pipeline is the engine owned by a live workspace. Implementations are
// external collaborators; this package ships an in-memory one for
// standalone serving and tests.
type Pipeline interface {
	Workspace() model.WorkspaceID

	// Domains lists the domains that currently hold documents.
	Domains(ctx context.Context) ([]model.Domain, error)

	// LoadChunk continues the cursor identified by idx, or allocates a new
	// cursor when idx is negative.
	LoadChunk(ctx context.Context, domain model.Domain, idx int) (*ChunkResult, error)

	// CloseChunk releases cursor resources. Must be called exactly once per
	// allocated idx, including on error paths.
	CloseChunk(ctx context.Context, idx int) error

	LoadDocs(ctx context.Context, domain model.Domain, ids []string) ([]*model.Doc, error)
	Upload(ctx context.Context, domain model.Domain, docs []*model.Doc) error
	Clean(ctx context.Context, domain model.Domain, ids []string) error

	// FindAll returns every document of a domain. Bulk sessions use
	// LoadChunk instead; this serves small domains and request handling.
	FindAll(ctx context.Context, domain model.Domain) ([]*model.Doc, error)

	// Tx applies a transaction and records it in the tx domain.
	Tx(ctx context.Context, tx *model.Tx) error

	// LastTx reports the id of the most recent transaction, empty when the
	// workspace never saw one.
	LastTx(ctx context.Context) (string, error)

	// Blobs exposes the blob storage serving this workspace.
	Blobs() storage.Adapter

	Close(ctx context.Context) error
}

// Factory builds a pipeline for a workspace. Upgrade and backup runs get
// dedicated pipelines with relaxed model checks.
type Factory func(ctx context.Context, ws model.WorkspaceID, upgrade bool) (Pipeline, error)
