// Copyright © 2025 Tessera Systems

package transactor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessera-io/transactor/pkg/accounts"
	"github.com/tessera-io/transactor/pkg/auth"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/pipeline"
	"github.com/tessera-io/transactor/pkg/storage/localfs"
)

var managerSecret = []byte("manager-test-secret")

type testEnv struct {
	m  *Manager
	mu sync.Mutex
	// every pipeline the factory produced, in creation order
	pipelines []*pipeline.Memory
}

func newTestEnv(t *testing.T, opts ...ManagerOption) *testEnv {
	t.Helper()
	env := &testEnv{}
	factory := func(ctx context.Context, ws model.WorkspaceID, upgrade bool) (pipeline.Pipeline, error) {
		blobs := localfs.New("blobs", afero.NewMemMapFs())
		if err := blobs.Make(ctx, ws); err != nil {
			return nil, err
		}
		p := pipeline.NewMemory(ws, blobs)
		env.mu.Lock()
		env.pipelines = append(env.pipelines, p)
		env.mu.Unlock()
		return p, nil
	}
	env.m = NewManager(factory, append([]ManagerOption{WithSecret(managerSecret)}, opts...)...)
	return env
}

func (e *testEnv) pipelineCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pipelines)
}

func signToken(t *testing.T, email string, ws model.WorkspaceID, extra map[string]string) string {
	t.Helper()
	token, err := auth.Sign(&auth.Claims{Email: email, Workspace: ws, Extra: extra}, managerSecret, 0)
	require.NoError(t, err)
	return token
}

func addSession(t *testing.T, env *testEnv, conn Conn, email, sessionID string, extra map[string]string) *Session {
	t.Helper()
	s, err := env.m.AddSession(context.Background(), conn, AddSessionParams{
		Token:     signToken(t, email, "acme", extra),
		SessionID: sessionID,
	})
	require.NoError(t, err)
	return s
}

func TestAddSessionAdmitsAndRegisters(t *testing.T) {
	env := newTestEnv(t)
	conn := &fakeConn{}
	s := addSession(t, env, conn, "user@example.com", "sess-1", nil)

	assert.NotEmpty(t, s.InstanceID)
	assert.False(t, s.reconnect)
	require.NotNil(t, env.m.Workspace("acme"))
	assert.Equal(t, []model.WorkspaceID{"acme"}, env.m.WorkspaceNames())

	s.Handle(context.Background(), &Request{ID: HelloID, Method: "hello"})
	frames := conn.sent()
	require.NotEmpty(t, frames)
	hello, ok := frames[len(frames)-1].Result.(helloResult)
	require.True(t, ok)
	assert.Equal(t, s.InstanceID, hello.InstanceID)
	assert.False(t, hello.Reconnect)
}

func TestSessionTakeover(t *testing.T) {
	env := newTestEnv(t)
	conn1 := &fakeConn{}
	s1 := addSession(t, env, conn1, "user@example.com", "sess-1", nil)

	conn2 := &fakeConn{}
	s2 := addSession(t, env, conn2, "user@example.com", "sess-1", nil)

	assert.True(t, conn1.isClosed())
	assert.True(t, s1.Closed())
	assert.True(t, s2.reconnect)
	assert.NotEqual(t, s1.InstanceID, s2.InstanceID)

	frames := conn1.sent()
	require.NotEmpty(t, frames)
	assert.Equal(t, "takeover", frames[len(frames)-1].Error.Code)
}

func TestModelVersionGate(t *testing.T) {
	env := newTestEnv(t, WithModelVersion("v7"))

	_, err := env.m.AddSession(context.Background(), &fakeConn{}, AddSessionParams{
		Token:        signToken(t, "user@example.com", "acme", nil),
		SessionID:    "sess-1",
		ModelVersion: "v6",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpgradeRequired)

	// The backup client bypasses the gate.
	_, err = env.m.AddSession(context.Background(), &fakeConn{}, AddSessionParams{
		Token:        signToken(t, auth.SystemAccount, "acme", map[string]string{"mode": "backup"}),
		SessionID:    "sess-2",
		ModelVersion: "v6",
	})
	require.NoError(t, err)
}

func TestWorkspaceCreatingGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": model.WorkspaceInfo{Workspace: "acme", Creating: true},
		})
	}))
	defer srv.Close()

	env := newTestEnv(t, WithAccounts(accounts.New(srv.URL)))
	_, err := env.m.AddSession(context.Background(), &fakeConn{}, AddSessionParams{
		Token:     signToken(t, "user@example.com", "acme", nil),
		SessionID: "sess-1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkspaceCreating)

	// The system account may enter a creating workspace.
	_, err = env.m.AddSession(context.Background(), &fakeConn{}, AddSessionParams{
		Token:     signToken(t, auth.SystemAccount, "acme", nil),
		SessionID: "sess-2",
	})
	require.NoError(t, err)
}

func TestUpgradeSwitchExclusivity(t *testing.T) {
	env := newTestEnv(t)
	conn1, conn2 := &fakeConn{}, &fakeConn{}
	addSession(t, env, conn1, "alice@example.com", "sess-1", nil)
	addSession(t, env, conn2, "bob@example.com", "sess-2", nil)

	ws := env.m.Workspace("acme")
	oldPipe, err := ws.Pipeline(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, env.pipelineCount())

	upConn := &fakeConn{}
	upSession := addSession(t, env, upConn, auth.SystemAccount, "sess-up", map[string]string{"model": "upgrade"})
	require.NotNil(t, upSession)

	// Every prior session got the explicit upgrade notice before close.
	for _, conn := range []*fakeConn{conn1, conn2} {
		require.True(t, conn.isClosed())
		frames := conn.sent()
		require.NotEmpty(t, frames)
		notice := frames[len(frames)-1].Error
		require.NotNil(t, notice)
		assert.Equal(t, "upgrade", notice.Code)
		assert.True(t, notice.Upgrade)
	}

	// One live pipeline at a time: the switch closed the old one and
	// built exactly one successor.
	assert.True(t, ws.Upgrading())
	require.Equal(t, 2, env.pipelineCount())
	newPipe, err := ws.Pipeline(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, oldPipe, newPipe)

	// Normal clients are turned away mid-upgrade.
	_, err = env.m.AddSession(context.Background(), &fakeConn{}, AddSessionParams{
		Token:     signToken(t, "carol@example.com", "acme", nil),
		SessionID: "sess-3",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpgradeInProgress)

	// A second upgrade connection joins the existing pipeline.
	_, err = env.m.AddSession(context.Background(), &fakeConn{}, AddSessionParams{
		Token:     signToken(t, auth.SystemAccount, "acme", map[string]string{"model": "upgrade"}),
		SessionID: "sess-up2",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, env.pipelineCount())
}

func TestUpgradeFinishesOnDisconnect(t *testing.T) {
	env := newTestEnv(t)
	addSession(t, env, &fakeConn{}, "alice@example.com", "sess-1", nil)

	upSession := addSession(t, env, &fakeConn{}, auth.SystemAccount, "sess-up", map[string]string{"model": "upgrade"})
	ws := env.m.Workspace("acme")
	require.True(t, ws.Upgrading())
	require.Equal(t, 2, env.pipelineCount())

	// The upgrade client disconnecting returns the workspace to live:
	// the flag clears and a fresh normal pipeline build replaces the
	// upgrade one.
	env.m.RemoveSession(upSession)
	assert.False(t, ws.Upgrading())
	require.Eventually(t, func() bool { return env.pipelineCount() == 3 },
		time.Second, 10*time.Millisecond)

	// Reconnecting clients are admitted again on the same workspace
	// instead of being told an upgrade is still running.
	s := addSession(t, env, &fakeConn{}, "alice@example.com", "sess-1", nil)
	require.NotNil(t, s)
	assert.Same(t, ws, env.m.Workspace("acme"))
}

func TestHangCloseSparesSystemAccount(t *testing.T) {
	env := newTestEnv(t)
	userConn, sysConn := &fakeConn{}, &fakeConn{}
	user := addSession(t, env, userConn, "user@example.com", "sess-user", nil)
	system := addSession(t, env, sysConn, auth.SystemAccount, "sess-sys", nil)

	past := time.Now().Add(-100 * time.Second).UnixNano()
	user.lastRequest.Store(past)
	system.lastRequest.Store(past)

	env.m.tick(time.Now())

	assert.True(t, userConn.isClosed())
	assert.False(t, sysConn.isClosed())
	frames := userConn.sent()
	require.NotEmpty(t, frames)
	assert.Equal(t, "hang", frames[len(frames)-1].Error.Code)
}

func TestPingBand(t *testing.T) {
	env := newTestEnv(t)
	conn := &fakeConn{}
	s := addSession(t, env, conn, "user@example.com", "sess-1", nil)
	s.lastRequest.Store(time.Now().Add(-30 * time.Second).UnixNano())

	env.m.tick(time.Now())

	assert.False(t, conn.isClosed())
	frames := conn.sent()
	require.NotEmpty(t, frames)
	ping, ok := frames[len(frames)-1].Result.(map[string]bool)
	require.True(t, ok)
	assert.True(t, ping["ping"])
}

func TestSoftShutdownCountdown(t *testing.T) {
	env := newTestEnv(t, WithSoftShutdownTicks(2))
	conn := &fakeConn{}
	s := addSession(t, env, conn, "user@example.com", "sess-1", nil)

	env.m.RemoveSession(s)
	require.NotNil(t, env.m.Workspace("acme"))

	env.m.tick(time.Now())
	require.NotNil(t, env.m.Workspace("acme"))
	env.m.tick(time.Now())

	assert.Eventually(t, func() bool {
		return env.m.Workspace("acme") == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSoftShutdownAbortedByReconnect(t *testing.T) {
	env := newTestEnv(t, WithSoftShutdownTicks(3))
	conn := &fakeConn{}
	s := addSession(t, env, conn, "user@example.com", "sess-1", nil)

	env.m.RemoveSession(s)
	env.m.tick(time.Now())

	// Reconnect mid-countdown keeps the workspace alive.
	addSession(t, env, &fakeConn{}, "user@example.com", "sess-1", nil)
	for i := 0; i < 5; i++ {
		env.m.tick(time.Now())
	}
	time.Sleep(50 * time.Millisecond)
	assert.NotNil(t, env.m.Workspace("acme"))
}

func TestCloseWorkspaceIdentityCheck(t *testing.T) {
	env := newTestEnv(t)
	addSession(t, env, &fakeConn{}, "user@example.com", "sess-1", nil)
	old := env.m.Workspace("acme")
	require.NotNil(t, old)

	// Simulate a reconnect race: a fresh workspace got installed under
	// the same key while the old one was closing.
	replacement := newWorkspace(env.m, "acme", old.Info(), false, false)
	env.m.mu.Lock()
	env.m.workspaces["acme"] = replacement
	env.m.mu.Unlock()

	env.m.closeWorkspace(old)
	assert.Same(t, replacement, env.m.Workspace("acme"))
}

func TestBroadcast(t *testing.T) {
	env := newTestEnv(t)
	connA, connB := &fakeConn{}, &fakeConn{}
	addSession(t, env, connA, "alice@example.com", "sess-a", nil)
	addSession(t, env, connB, "bob@example.com", "sess-b", nil)

	txs := []*model.Tx{{ID: "tx-1", Workspace: "acme"}}
	env.m.Broadcast("acme", txs, nil)

	receives := func(conn *fakeConn) func() bool {
		return func() bool {
			for _, frame := range conn.sent() {
				if result, ok := frame.Result.(map[string]interface{}); ok {
					if _, ok = result["txs"]; ok {
						return true
					}
				}
			}
			return false
		}
	}
	assert.Eventually(t, receives(connA), time.Second, 5*time.Millisecond)
	assert.Eventually(t, receives(connB), time.Second, 5*time.Millisecond)
}

func TestBroadcastTargetsAndExcludes(t *testing.T) {
	env := newTestEnv(t)
	connA, connB := &fakeConn{}, &fakeConn{}
	addSession(t, env, connA, "alice@example.com", "sess-a", nil)
	addSession(t, env, connB, "bob@example.com", "sess-b", nil)

	env.m.Broadcast("acme", []*model.Tx{{ID: "tx-1"}}, []string{"alice@example.com"})

	hasTxFrame := func(conn *fakeConn) bool {
		for _, frame := range conn.sent() {
			if result, ok := frame.Result.(map[string]interface{}); ok {
				if _, ok = result["txs"]; ok {
					return true
				}
			}
		}
		return false
	}
	assert.Eventually(t, func() bool { return hasTxFrame(connA) }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, hasTxFrame(connB))
}

func TestBroadcastSuppressedDuringUpgrade(t *testing.T) {
	env := newTestEnv(t)
	conn := &fakeConn{}
	addSession(t, env, conn, "alice@example.com", "sess-a", nil)

	ws := env.m.Workspace("acme")
	ws.mu.Lock()
	ws.upgrading = true
	ws.mu.Unlock()

	before := len(conn.sent())
	env.m.Broadcast("acme", []*model.Tx{{ID: "tx-1"}}, nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, len(conn.sent()))
}

func TestBroadcastFailureIsolation(t *testing.T) {
	env := newTestEnv(t)
	broken, healthy := &fakeConn{failSend: true}, &fakeConn{}
	addSession(t, env, broken, "alice@example.com", "sess-a", nil)
	addSession(t, env, healthy, "bob@example.com", "sess-b", nil)

	env.m.Broadcast("acme", []*model.Tx{{ID: "tx-1"}}, nil)

	assert.Eventually(t, func() bool {
		for _, frame := range healthy.sent() {
			if result, ok := frame.Result.(map[string]interface{}); ok {
				if _, ok = result["txs"]; ok {
					return true
				}
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSessionDispatch(t *testing.T) {
	env := newTestEnv(t)
	conn := &fakeConn{}
	s := addSession(t, env, conn, "user@example.com", "sess-1", nil)
	ctx := context.Background()

	params, _ := json.Marshal(map[string]interface{}{
		"domain": "doc",
		"docs":   []*model.Doc{{ID: "d1"}, {ID: "d2"}},
	})
	s.Handle(ctx, &Request{ID: 1, Method: "upload", Params: params})

	findParams, _ := json.Marshal(map[string]string{"domain": "doc"})
	s.Handle(ctx, &Request{ID: 2, Method: "find", Params: findParams})

	var found []interface{}
	for _, frame := range conn.sent() {
		if frame.ID == 2 && frame.Chunk != nil {
			found = append(found, frame.Result.([]interface{})...)
		}
	}
	assert.Len(t, found, 2)

	s.Handle(ctx, &Request{ID: 3, Method: "nope"})
	frames := conn.sent()
	last := frames[len(frames)-1]
	require.NotNil(t, last.Error)
	assert.Equal(t, "unknown_method", last.Error.Code)
}

func TestForceCloseRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	conn := &fakeConn{}
	s := addSession(t, env, conn, "user@example.com", "sess-1", nil)

	params, _ := json.Marshal(map[string]string{"workspace": "acme"})
	s.Handle(context.Background(), &Request{ID: 1, Method: "forceClose", Params: params})
	frames := conn.sent()
	last := frames[len(frames)-1]
	require.NotNil(t, last.Error)
	assert.Equal(t, "forbidden", last.Error.Code)

	adminConn := &fakeConn{}
	admin := addSession(t, env, adminConn, "ops@example.com", "sess-2", map[string]string{"admin": "true"})
	admin.Handle(context.Background(), &Request{ID: 1, Method: "forceClose", Params: params})

	assert.Eventually(t, func() bool {
		return env.m.Workspace("acme") == nil
	}, 2*time.Second, 10*time.Millisecond)
}
