// Copyright © 2025 Tessera Systems

package model

import (
	"encoding/json"
	"fmt"
)

// WorkspaceID is the identifier of a logical tenant.
type WorkspaceID string

func (w WorkspaceID) String() string { return string(w) }

// Domain partitions a workspace's documents by storage concern.
type Domain string

const (
	// DomainTx holds the transaction log.
	DomainTx Domain = "tx"

	// DomainModel holds the schema/model documents. Never cloned.
	DomainModel Domain = "model"

	// DomainDoc holds regular documents.
	DomainDoc Domain = "doc"

	// DomainBlob holds blob descriptor documents whose raw bytes live in
	// object storage.
	DomainBlob Domain = "blob"

	// DomainTransient holds short-lived documents excluded from clone and
	// backup.
	DomainTransient Domain = "transient"
)

// ClassBlob marks documents whose payload bytes live in a storage adapter.
const ClassBlob = "core:class:Blob"

// Doc is a schemaless document. Hash and Size describe the current content
// and drive the incremental backup digest.
type Doc struct {
	ID         string                 `json:"id"`
	Class      string                 `json:"class,omitempty"`
	Hash       string                 `json:"hash,omitempty"`
	Size       int64                  `json:"size,omitempty"`
	CreatedOn  int64                  `json:"createdOn,omitempty"`
	ModifiedOn int64                  `json:"modifiedOn,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	_          struct{}
}

// IsBlob reports whether the document's payload lives in blob storage.
func (d *Doc) IsBlob() bool { return d.Class == ClassBlob }

// DocInfo is the digest-relevant projection of a Doc, as produced by chunk
// cursors.
type DocInfo struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	_    struct{}
}

// Tx is a single transaction broadcast to workspace sessions.
type Tx struct {
	ID         string          `json:"id"`
	Workspace  WorkspaceID     `json:"workspace,omitempty"`
	ObjectID   string          `json:"objectId,omitempty"`
	Domain     Domain          `json:"domain,omitempty"`
	ModifiedBy string          `json:"modifiedBy,omitempty"`
	ModifiedOn int64           `json:"modifiedOn,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	_          struct{}
}

// WorkspaceInfo is what the accounts service knows about a workspace.
type WorkspaceInfo struct {
	Workspace     WorkspaceID `json:"workspace"`
	WorkspaceURL  string      `json:"workspaceUrl,omitempty"`
	WorkspaceName string      `json:"workspaceName,omitempty"`
	Branding      string      `json:"branding,omitempty"`
	Creating      bool        `json:"creating,omitempty"`
	Disabled      bool        `json:"disabled,omitempty"`
	_             struct{}
}

func (w WorkspaceInfo) String() string {
	return fmt.Sprintf("%s (%s)", w.Workspace, w.WorkspaceURL)
}
