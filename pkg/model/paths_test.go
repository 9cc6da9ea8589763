package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupPaths(t *testing.T) {
	ws := WorkspaceID("acme")

	assert.Equal(t, "acme/backup.json.gz", GetBackupInfoPath(ws))
	assert.Equal(t, "acme/1700000000/doc.snp.gz", GetSnapshotPath(ws, DomainDoc, 1700000000))
	assert.Equal(t, "acme/1700000000/blob-3.tar.gz", GetStoragePath(ws, DomainBlob, 1700000000, 3))

	require.True(t, IsSnapshotPath(GetSnapshotPath(ws, DomainDoc, 1)))
	require.False(t, IsStoragePath(GetSnapshotPath(ws, DomainDoc, 1)))
	require.True(t, IsStoragePath(GetStoragePath(ws, DomainDoc, 1, 0)))
}

func TestDomainDataChanged(t *testing.T) {
	var d DomainData
	assert.False(t, d.Changed())
	d.Removed = 2
	assert.True(t, d.Changed())
}
