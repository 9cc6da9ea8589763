// Copyright © 2025 Tessera Systems

package model

import (
	"fmt"
	"strings"
)

const (
	backupInfoFile = "backup.json.gz"

	snapshotSuffix = ".snp.gz"
	storageSuffix  = ".tar.gz"
)

// GetBackupInfoPath yields the key of the root backup descriptor for a
// workspace.
func GetBackupInfoPath(ws WorkspaceID) string {
	return fmt.Sprint(ws, "/", backupInfoFile)
}

// GetSnapshotPath yields the key of an incremental digest file for one
// domain within one backup run.
func GetSnapshotPath(ws WorkspaceID, domain Domain, date int64) string {
	return fmt.Sprint(ws, "/", date, "/", domain, snapshotSuffix)
}

// GetStoragePath yields the key of the index-th storage archive for one
// domain within one backup run.
func GetStoragePath(ws WorkspaceID, domain Domain, date int64, index int) string {
	return fmt.Sprint(ws, "/", date, "/", domain, "-", index, storageSuffix)
}

// IsSnapshotPath reports whether a backup key names an incremental digest
// file.
func IsSnapshotPath(key string) bool {
	return strings.HasSuffix(key, snapshotSuffix)
}

// IsStoragePath reports whether a backup key names a storage archive.
func IsStoragePath(key string) bool {
	return strings.HasSuffix(key, storageSuffix)
}
