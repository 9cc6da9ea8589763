/*
Package transactor provides server and CLI tooling to manage workspace
sessions and backups.

A transactor serves websocket sessions scoped to a workspace, funnels
document transactions through a per-workspace pipeline, and keeps chunked
incremental backups of workspace data across pluggable storage backends
(local FS, S3, GCS).
*/
package transactor
