// Package model describes the wire and on-disk entities shared by the
// transactor server, the backup tooling and the storage layer:
// workspaces, documents, blobs and backup descriptors.
package model
