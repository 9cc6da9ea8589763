// Copyright © 2025 Tessera Systems

package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/pipeline"
	"github.com/tessera-io/transactor/pkg/storage/localfs"
)

const (
	testWs     = model.WorkspaceID("acme")
	backupsBkt = model.WorkspaceID("backups")
)

func testTarget(t *testing.T) Target {
	t.Helper()
	adapter := localfs.New("backup", afero.NewMemMapFs())
	require.NoError(t, adapter.Make(context.Background(), backupsBkt))
	return Target{Adapter: adapter, Bucket: backupsBkt}
}

func testPipeline(t *testing.T, ws model.WorkspaceID) *pipeline.Memory {
	t.Helper()
	blobs := localfs.New("blobs", afero.NewMemMapFs())
	require.NoError(t, blobs.Make(context.Background(), ws))
	return pipeline.NewMemory(ws, blobs)
}

func uploadDocs(t *testing.T, p *pipeline.Memory, domain model.Domain, n int, prefix string) {
	t.Helper()
	ctx := context.Background()
	docs := make([]*model.Doc, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, &model.Doc{
			ID:         prefix + strconv.Itoa(i),
			Class:      "core:class:Thing",
			Size:       64,
			Attributes: map[string]interface{}{"n": i},
		})
	}
	require.NoError(t, p.Upload(ctx, domain, docs))
}

func uploadBlob(t *testing.T, p *pipeline.Memory, id string, payload []byte, ctype string) {
	t.Helper()
	ctx := context.Background()
	_, err := p.Blobs().Put(ctx, p.Workspace(), id, bytes.NewReader(payload), ctype, int64(len(payload)))
	require.NoError(t, err)
	require.NoError(t, p.Upload(ctx, model.DomainBlob, []*model.Doc{{
		ID:         id,
		Class:      model.ClassBlob,
		Size:       int64(len(payload)),
		Attributes: map[string]interface{}{"contentType": ctype},
	}}))
}

func commitTx(t *testing.T, p *pipeline.Memory, id string) {
	t.Helper()
	require.NoError(t, p.Tx(context.Background(), &model.Tx{ID: id, Workspace: p.Workspace()}))
}

func TestBackupSkipsWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	p := testPipeline(t, testWs)
	uploadDocs(t, p, model.DomainDoc, 5, "doc-")
	commitTx(t, p, "tx-1")

	res, err := Backup(ctx, p, target)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 5, res.Domains[model.DomainDoc].Added)

	res, err = Backup(ctx, p, target)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	res, err = Backup(ctx, p, target, Force(true))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	// Forced rerun finds no digest movement.
	assert.Empty(t, res.Domains)
}

func TestBackupIncremental(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	p := testPipeline(t, testWs)
	uploadDocs(t, p, model.DomainDoc, 10, "doc-")
	commitTx(t, p, "tx-1")

	res, err := Backup(ctx, p, target)
	require.NoError(t, err)
	require.Equal(t, 10, res.Domains[model.DomainDoc].Added)

	// Mutate: one update, two additions, one removal.
	require.NoError(t, p.Upload(ctx, model.DomainDoc, []*model.Doc{
		{ID: "doc-3", Class: "core:class:Thing", Size: 64, Attributes: map[string]interface{}{"n": 333}},
	}))
	uploadDocs(t, p, model.DomainDoc, 2, "extra-")
	require.NoError(t, p.Clean(ctx, model.DomainDoc, []string{"doc-7"}))
	commitTx(t, p, "tx-2")

	res, err = Backup(ctx, p, target)
	require.NoError(t, err)
	data := res.Domains[model.DomainDoc]
	require.NotNil(t, data)
	assert.Equal(t, 2, data.Added)
	assert.Equal(t, 1, data.Updated)
	assert.Equal(t, 1, data.Removed)

	// The folded digest chain must replay to the live state.
	info, err := LoadInfo(ctx, target, testWs)
	require.NoError(t, err)
	require.Len(t, info.Snapshots, 2)
	assert.Equal(t, "tx-2", info.LastTxID)

	folded, err := LoadDigest(ctx, target, info, model.DomainDoc, 0)
	require.NoError(t, err)
	live, _, err := liveDigest(ctx, p, model.DomainDoc)
	require.NoError(t, err)
	assert.Equal(t, live, folded)
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	src := testPipeline(t, testWs)
	uploadDocs(t, src, model.DomainDoc, 8, "doc-")
	uploadBlob(t, src, "img-1", []byte("payload-bytes"), "image/png")
	commitTx(t, src, "tx-1")

	_, err := Backup(ctx, src, target)
	require.NoError(t, err)

	dst := testPipeline(t, testWs)
	res, err := Restore(ctx, dst, target)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Restored[model.DomainDoc])
	assert.Equal(t, 1, res.Restored[model.DomainBlob])

	want, err := src.FindAll(ctx, model.DomainDoc)
	require.NoError(t, err)
	got, err := dst.FindAll(ctx, model.DomainDoc)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Hash, got[i].Hash)
	}

	rdr, err := dst.Blobs().Get(ctx, testWs, "img-1")
	require.NoError(t, err)
	payload, err := io.ReadAll(rdr)
	require.NoError(t, err)
	require.NoError(t, rdr.Close())
	assert.Equal(t, []byte("payload-bytes"), payload)
}

func TestRestoreMerge(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	src := testPipeline(t, testWs)
	uploadDocs(t, src, model.DomainDoc, 3, "doc-")
	commitTx(t, src, "tx-1")
	_, err := Backup(ctx, src, target)
	require.NoError(t, err)

	dst := testPipeline(t, testWs)
	uploadDocs(t, dst, model.DomainDoc, 1, "local-")

	res, err := Restore(ctx, dst, target, Merge(true))
	require.NoError(t, err)
	assert.Zero(t, res.Cleaned[model.DomainDoc])
	docs, err := dst.FindAll(ctx, model.DomainDoc)
	require.NoError(t, err)
	assert.Len(t, docs, 4)

	res, err = Restore(ctx, dst, target)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cleaned[model.DomainDoc])
	docs, err = dst.FindAll(ctx, model.DomainDoc)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestRestoreAtDate(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	src := testPipeline(t, testWs)
	uploadDocs(t, src, model.DomainDoc, 3, "doc-")
	commitTx(t, src, "tx-1")
	first, err := Backup(ctx, src, target)
	require.NoError(t, err)

	uploadDocs(t, src, model.DomainDoc, 2, "later-")
	commitTx(t, src, "tx-2")
	_, err = Backup(ctx, src, target)
	require.NoError(t, err)

	dst := testPipeline(t, testWs)
	res, err := Restore(ctx, dst, target, Date(first.Date))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Restored[model.DomainDoc])
	docs, err := dst.FindAll(ctx, model.DomainDoc)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestRestoreNoBackup(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	dst := testPipeline(t, testWs)
	_, err := Restore(ctx, dst, target)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestBackupBlobPolicies(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	p := testPipeline(t, testWs)
	uploadBlob(t, p, "small", []byte("ok"), "image/png")
	uploadBlob(t, p, "huge", bytes.Repeat([]byte("x"), 2048), "image/png")
	uploadBlob(t, p, "video", []byte("mp4"), "video/mp4")
	commitTx(t, p, "tx-1")

	res, err := Backup(ctx, p, target,
		BlobSizeLimit(1024),
		SkipContentTypes([]string{"video/*"}),
	)
	require.NoError(t, err)
	data := res.Domains[model.DomainBlob]
	require.NotNil(t, data)
	// Skipped blobs stay out of the digest so a later run retries them.
	assert.Equal(t, 1, data.Added)

	info, err := LoadInfo(ctx, target, testWs)
	require.NoError(t, err)
	digest, err := LoadDigest(ctx, target, info, model.DomainBlob, 0)
	require.NoError(t, err)
	assert.Contains(t, digest, "small")
	assert.NotContains(t, digest, "huge")
	assert.NotContains(t, digest, "video")
}

func TestCompactCollapsesChain(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	src := testPipeline(t, testWs)

	for i := 0; i < 3; i++ {
		uploadDocs(t, src, model.DomainDoc, 2, "gen"+strconv.Itoa(i)+"-")
		commitTx(t, src, "tx-"+strconv.Itoa(i))
		_, err := Backup(ctx, src, target)
		require.NoError(t, err)
	}
	require.NoError(t, src.Clean(ctx, model.DomainDoc, []string{"gen0-0"}))
	commitTx(t, src, "tx-final")
	_, err := Backup(ctx, src, target)
	require.NoError(t, err)

	require.NoError(t, Compact(ctx, target, testWs))
	info, err := LoadInfo(ctx, target, testWs)
	require.NoError(t, err)
	require.Len(t, info.Snapshots, 1)
	assert.Equal(t, "tx-final", info.LastTxID)
	assert.Equal(t, 5, info.Snapshots[0].Domains[model.DomainDoc].Added)

	dst := testPipeline(t, testWs)
	res, err := Restore(ctx, dst, target)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Restored[model.DomainDoc])
}

func TestAutoCompaction(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	p := testPipeline(t, testWs)

	var compacted bool
	for i := 0; i < 4; i++ {
		uploadDocs(t, p, model.DomainDoc, 1, "gen"+strconv.Itoa(i)+"-")
		commitTx(t, p, "tx-"+strconv.Itoa(i))
		res, err := Backup(ctx, p, target, CompactThreshold(3))
		require.NoError(t, err)
		compacted = compacted || res.Compacted
	}
	require.True(t, compacted)
	info, err := LoadInfo(ctx, target, testWs)
	require.NoError(t, err)
	assert.True(t, len(info.Snapshots) < 3)
}

func TestClone(t *testing.T) {
	ctx := context.Background()
	src := testPipeline(t, testWs)
	uploadDocs(t, src, model.DomainDoc, 6, "doc-")
	uploadDocs(t, src, model.DomainModel, 2, "schema-")
	uploadBlob(t, src, "img-1", []byte("blob-payload"), "image/png")

	dst := testPipeline(t, model.WorkspaceID("copy"))
	uploadDocs(t, dst, model.DomainDoc, 2, "stale-")

	res, err := Clone(ctx, src, dst)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Copied[model.DomainDoc])
	assert.Equal(t, 1, res.Blobs)
	// The model domain never travels.
	assert.NotContains(t, res.Copied, model.DomainModel)

	docs, err := dst.FindAll(ctx, model.DomainDoc)
	require.NoError(t, err)
	require.Len(t, docs, 6)
	for _, doc := range docs {
		assert.NotContains(t, doc.ID, "stale-")
	}
	schema, err := dst.FindAll(ctx, model.DomainModel)
	require.NoError(t, err)
	assert.Empty(t, schema)

	rdr, err := dst.Blobs().Get(ctx, dst.Workspace(), "img-1")
	require.NoError(t, err)
	payload, err := io.ReadAll(rdr)
	require.NoError(t, err)
	require.NoError(t, rdr.Close())
	assert.Equal(t, []byte("blob-payload"), payload)
}

func TestCloneSelfRejected(t *testing.T) {
	src := testPipeline(t, testWs)
	_, err := Clone(context.Background(), src, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSelfClone)
}

func TestCloneNormalizeDates(t *testing.T) {
	ctx := context.Background()
	src := testPipeline(t, testWs)
	require.NoError(t, src.Upload(ctx, model.DomainDoc, []*model.Doc{
		{ID: "old", CreatedOn: 1000, ModifiedOn: 2000},
	}))
	dst := testPipeline(t, model.WorkspaceID("copy"))

	_, err := Clone(ctx, src, dst, NormalizeDates(true))
	require.NoError(t, err)
	docs, err := dst.FindAll(ctx, model.DomainDoc)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Greater(t, docs[0].CreatedOn, int64(2000))
	assert.Equal(t, docs[0].CreatedOn, docs[0].ModifiedOn)
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	change := &DigestChange{
		Added:   Digest{"a": "h1", "b": "h2"},
		Updated: Digest{"c": "h3"},
		Removed: []string{"d", "e"},
	}
	require.NoError(t, writeSnapshotFile(ctx, target, "ws/1/doc.snp.gz", change))

	got, err := readSnapshotFile(ctx, target, "ws/1/doc.snp.gz")
	require.NoError(t, err)
	assert.Equal(t, change.Added, got.Added)
	assert.Equal(t, change.Updated, got.Updated)
	assert.Equal(t, change.Removed, got.Removed)
}

func TestReadSnapshotFileMalformed(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	// A truncated body: counts promise more lines than present.
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("2\na;h1\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, target.put(ctx, "ws/1/doc.snp.gz", buf.Bytes()))

	_, err = readSnapshotFile(ctx, target, "ws/1/doc.snp.gz")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadSnapshot)
}

func TestLoadInfoMissingIsEmpty(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	info, err := LoadInfo(ctx, target, testWs)
	require.NoError(t, err)
	assert.Equal(t, testWs, info.Workspace)
	assert.Equal(t, model.CurrentBackupVersion, info.Version)
	assert.Empty(t, info.Snapshots)
}

func TestStorageFileLayout(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	p := testPipeline(t, testWs)
	uploadDocs(t, p, model.DomainDoc, 4, "doc-")
	uploadBlob(t, p, "img-1", []byte("raw"), "image/png")
	commitTx(t, p, "tx-1")

	res, err := Backup(ctx, p, target)
	require.NoError(t, err)
	files := res.Domains[model.DomainBlob].StorageFiles
	require.NotEmpty(t, files)
	require.True(t, model.IsStoragePath(files[0]))

	// Blob payload entries trail their descriptor in the tar stream.
	var names []string
	require.NoError(t, walkArchive(ctx, target, files[0], func(name string, data []byte) error {
		names = append(names, name)
		if name == "img-1.json" {
			doc := new(model.Doc)
			require.NoError(t, json.Unmarshal(data, doc))
			assert.True(t, doc.IsBlob())
		}
		if name == "img-1" {
			assert.Equal(t, []byte("raw"), data)
		}
		return nil
	}))
	assert.Equal(t, []string{"img-1.json", "img-1"}, names)
}

func TestBackupTimeoutFlushesPartial(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	p := testPipeline(t, testWs)
	uploadDocs(t, p, model.DomainDoc, 20, "doc-")
	commitTx(t, p, "tx-1")

	// An already expired deadline: the run defers everything but still
	// persists a consistent descriptor.
	res, err := Backup(ctx, p, target, Timeout(-time.Second))
	require.NoError(t, err)
	assert.True(t, res.Expired)

	info, err := LoadInfo(ctx, target, testWs)
	require.NoError(t, err)
	assert.Empty(t, info.LastTxID)

	// The next run picks the deferred work up.
	res, err = Backup(ctx, p, target)
	require.NoError(t, err)
	assert.False(t, res.Expired)
	assert.Equal(t, 20, res.Domains[model.DomainDoc].Added)
}

// slowChunkPipeline delays the chunk walk of one domain, so a run can hit
// its deadline mid-domain instead of before the first one.
type slowChunkPipeline struct {
	*pipeline.Memory
	domain model.Domain
	delay  time.Duration
}

func (p *slowChunkPipeline) LoadChunk(ctx context.Context, domain model.Domain, idx int) (*pipeline.ChunkResult, error) {
	if domain == p.domain {
		time.Sleep(p.delay)
	}
	return p.Memory.LoadChunk(ctx, domain, idx)
}

func TestBackupTimeoutMidDomainWithholdsLastTx(t *testing.T) {
	ctx := context.Background()
	target := testTarget(t)
	mem := testPipeline(t, testWs)
	uploadDocs(t, mem, model.DomainDoc, 5, "doc-")
	commitTx(t, mem, "tx-1")

	// The tx domain sorts last; its digest walk outlives the deadline, so
	// the run expires with that domain's whole change set still pending.
	slow := &slowChunkPipeline{Memory: mem, domain: model.DomainTx, delay: 250 * time.Millisecond}
	res, err := Backup(ctx, slow, target, Timeout(100*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, res.Expired)
	assert.Contains(t, res.Domains, model.DomainDoc)
	assert.NotContains(t, res.Domains, model.DomainTx)

	info, err := LoadInfo(ctx, target, testWs)
	require.NoError(t, err)
	assert.Empty(t, info.LastTxID)

	// The next run must not short-circuit: the tx domain is still owed.
	res, err = Backup(ctx, mem, target)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.False(t, res.Expired)
	assert.Equal(t, 1, res.Domains[model.DomainTx].Added)

	info, err = LoadInfo(ctx, target, testWs)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", info.LastTxID)
}
