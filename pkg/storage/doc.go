// Copyright © 2025 Tessera Systems

// Package storage provides the interface to handle workspace-scoped blob
// storage backends.
//
// This package supports the following backends:
//   - GCS (Google)
//   - S3 and S3-compatible endpoints (AWS, MinIO)
//   - local file system
//
// The aggregate subpackage combines several named backends behind the same
// interface, tracking which backend holds the canonical copy of each blob.
package storage
