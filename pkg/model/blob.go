// Copyright © 2025 Tessera Systems

package model

import "time"

// BlobInfo describes a stored blob. Provider names the storage backend
// currently holding the canonical bytes; it must match a backend registered
// with the aggregator.
type BlobInfo struct {
	ID           string    `json:"id"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag,omitempty"`
	ContentType  string    `json:"contentType,omitempty"`
	Version      string    `json:"version,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	LastModified time.Time `json:"lastModified,omitempty"`
	_            struct{}
}
