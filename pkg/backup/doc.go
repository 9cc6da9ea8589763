// Copyright © 2025 Tessera Systems

// Package backup implements chunked, digest-based incremental workspace
// snapshotting, restore, workspace-to-workspace clone and snapshot chain
// compaction.
//
// On-disk layout, per workspace, inside a backup bucket:
//
//	<ws>/backup.json.gz            gzipped JSON BackupInfo
//	<ws>/<date>/<domain>.snp.gz    gzipped line-oriented incremental digest
//	<ws>/<date>/<domain>-<n>.tar.gz gzipped POSIX tar with document bodies
//
// A snapshot file lists the added entries ("id;hash" lines preceded by a
// decimal count), then updated entries, then removed ids. Replaying a
// domain's chain in chronological order reconstructs the live digest.
package backup
