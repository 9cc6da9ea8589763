// Copyright © 2025 Tessera Systems

package remote

import (
	"context"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessera-io/transactor/pkg/auth"
	"github.com/tessera-io/transactor/pkg/backup"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/pipeline"
	"github.com/tessera-io/transactor/pkg/storage"
	"github.com/tessera-io/transactor/pkg/storage/localfs"
	"github.com/tessera-io/transactor/pkg/transactor"
)

var remoteSecret = []byte("remote-test-secret")

type serverEnv struct {
	srv   *httptest.Server
	blobs storage.Adapter
	pipes []*pipeline.Memory
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	env := &serverEnv{
		blobs: localfs.New("blobs", afero.NewMemMapFs()),
	}
	factory := func(ctx context.Context, ws model.WorkspaceID, upgrade bool) (pipeline.Pipeline, error) {
		if err := env.blobs.Make(ctx, ws); err != nil {
			return nil, err
		}
		p := pipeline.NewMemory(ws, env.blobs)
		env.pipes = append(env.pipes, p)
		return p, nil
	}
	m := transactor.NewManager(factory, transactor.WithSecret(remoteSecret))
	env.srv = httptest.NewServer(transactor.Handler(m))
	t.Cleanup(env.srv.Close)
	return env
}

func (e *serverEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

func dialClient(t *testing.T, env *serverEnv, ws model.WorkspaceID) *Client {
	t.Helper()
	token, err := auth.Sign(&auth.Claims{
		Email:     auth.SystemAccount,
		Workspace: ws,
		Extra:     map[string]string{"mode": "backup"},
	}, remoteSecret, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, env.wsURL(), token, ws, env.blobs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestRemoteRoundTrip(t *testing.T) {
	env := newServerEnv(t)
	c := dialClient(t, env, "acme")
	ctx := context.Background()

	docs := make([]*model.Doc, 0, 12)
	for i := 0; i < 12; i++ {
		docs = append(docs, &model.Doc{ID: "doc-" + strconv.Itoa(i), Size: 32})
	}
	require.NoError(t, c.Upload(ctx, model.DomainDoc, docs))

	domains, err := c.Domains(ctx)
	require.NoError(t, err)
	assert.Contains(t, domains, model.DomainDoc)

	got, err := c.FindAll(ctx, model.DomainDoc)
	require.NoError(t, err)
	assert.Len(t, got, 12)

	loaded, err := c.LoadDocs(ctx, model.DomainDoc, []string{"doc-0", "doc-7"})
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	require.NoError(t, c.Tx(ctx, &model.Tx{ID: "tx-1"}))
	last, err := c.LastTx(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", last)

	require.NoError(t, c.Clean(ctx, model.DomainDoc, []string{"doc-0"}))
	got, err = c.FindAll(ctx, model.DomainDoc)
	require.NoError(t, err)
	assert.Len(t, got, 11)
}

func TestRemoteChunkWalk(t *testing.T) {
	env := newServerEnv(t)
	c := dialClient(t, env, "acme")
	ctx := context.Background()

	docs := make([]*model.Doc, 0, 1100)
	for i := 0; i < 1100; i++ {
		docs = append(docs, &model.Doc{ID: "doc-" + strconv.Itoa(i)})
	}
	require.NoError(t, c.Upload(ctx, model.DomainDoc, docs))

	res, err := c.LoadChunk(ctx, model.DomainDoc, -1)
	require.NoError(t, err)
	idx := res.Idx
	seen := 0
	for {
		seen += len(res.Docs)
		if res.Finished {
			break
		}
		res, err = c.LoadChunk(ctx, model.DomainDoc, idx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1100, seen)
	require.NoError(t, c.CloseChunk(ctx, idx))
}

func TestBackupOverRemotePipeline(t *testing.T) {
	env := newServerEnv(t)
	c := dialClient(t, env, "acme")
	ctx := context.Background()

	docs := make([]*model.Doc, 0, 30)
	for i := 0; i < 30; i++ {
		docs = append(docs, &model.Doc{ID: "doc-" + strconv.Itoa(i), Size: 16})
	}
	require.NoError(t, c.Upload(ctx, model.DomainDoc, docs))
	require.NoError(t, c.Tx(ctx, &model.Tx{ID: "tx-1"}))

	backups := localfs.New("backup", afero.NewMemMapFs())
	require.NoError(t, backups.Make(ctx, "backups"))
	target := backup.Target{Adapter: backups, Bucket: "backups"}

	res, err := backup.Backup(ctx, c, target)
	require.NoError(t, err)
	assert.Equal(t, 30, res.Domains[model.DomainDoc].Added)

	info, err := backup.LoadInfo(ctx, target, "acme")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", info.LastTxID)
}
