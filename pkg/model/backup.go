// Copyright © 2025 Tessera Systems

package model

const (
	// CurrentBackupVersion is the format version stamped into backup.json.gz.
	CurrentBackupVersion = 1
)

// BackupInfo is the root descriptor of a workspace backup: an ordered chain
// of snapshots plus the transaction id observed at the last successful run.
type BackupInfo struct {
	Workspace WorkspaceID      `json:"workspace"`
	Version   int              `json:"version"`
	LastTxID  string           `json:"lastTxId,omitempty"`
	Snapshots []BackupSnapshot `json:"snapshots"`
	_         struct{}
}

// BackupSnapshot records one backup run: per-domain incremental data keyed
// by domain name.
type BackupSnapshot struct {
	Date    int64                  `json:"date"`
	Domains map[Domain]*DomainData `json:"domains"`
	_       struct{}
}

// DomainData lists the files a single backup run produced for one domain.
// Snapshot files carry the incremental digest (added/updated/removed),
// storage files carry the document and blob bytes.
type DomainData struct {
	// Snapshot is the legacy single JSON digest, kept for format
	// compatibility with version 0 archives.
	Snapshot string `json:"snapshot,omitempty"`

	Snapshots    []string `json:"snapshots,omitempty"`
	StorageFiles []string `json:"storage,omitempty"`
	Added        int      `json:"added"`
	Updated      int      `json:"updated"`
	Removed      int      `json:"removed"`
	_            struct{}
}

// Changed reports whether the run recorded any digest movement.
func (d *DomainData) Changed() bool {
	return d.Added > 0 || d.Updated > 0 || d.Removed > 0
}
