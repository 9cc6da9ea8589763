// Copyright © 2025 Tessera Systems

package transactor

import (
	"context"
	"sync"
	"time"

	"github.com/tessera-io/transactor/pkg/errors"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/pipeline"
	"go.uber.org/zap"
)

// ErrPipelineNotReady signals a pipeline that failed to come up or close
// within its timeout.
var ErrPipelineNotReady = errors.New("pipeline not ready")

// Workspace is one live tenant: its lazily-built pipeline and the sessions
// attached to it. At most one pipeline instance is ever live per workspace;
// an upgrade switch closes the old one before building its successor.
type Workspace struct {
	name model.WorkspaceID
	info *model.WorkspaceInfo
	m    *Manager

	mu           sync.Mutex
	pipe         pipeline.Pipeline
	pipeErr      error
	pipeReady    chan struct{}
	upgrading    bool
	backup       bool
	softShutdown int
	sessions     map[string]*Session
}

func newWorkspace(m *Manager, name model.WorkspaceID, info *model.WorkspaceInfo, upgrade, backup bool) *Workspace {
	ws := &Workspace{
		name:      name,
		info:      info,
		m:         m,
		pipeReady: make(chan struct{}),
		upgrading: upgrade,
		backup:    backup,
		sessions:  map[string]*Session{},
	}
	go ws.buildPipeline(upgrade)
	return ws
}

// Name is the workspace identifier.
func (ws *Workspace) Name() model.WorkspaceID { return ws.name }

// Info is the resolved login info.
func (ws *Workspace) Info() *model.WorkspaceInfo { return ws.info }

// Upgrading reports whether the workspace is serving an upgrade session.
func (ws *Workspace) Upgrading() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.upgrading
}

func (ws *Workspace) buildPipeline(upgrade bool) {
	ctx, cancel := context.WithTimeout(context.Background(), ws.m.settings.readyTimeout)
	defer cancel()
	pipe, err := ws.m.factory(ctx, ws.name, upgrade)

	ws.mu.Lock()
	ws.pipe = pipe
	ws.pipeErr = err
	ready := ws.pipeReady
	ws.mu.Unlock()
	close(ready)

	if err != nil {
		ws.m.settings.l.Error("pipeline construction failed",
			zap.String("workspace", ws.name.String()),
			zap.Error(err),
		)
	}
}

// Pipeline waits for the workspace pipeline, bounded by the ready timeout.
func (ws *Workspace) Pipeline(ctx context.Context) (pipeline.Pipeline, error) {
	ws.mu.Lock()
	ready := ws.pipeReady
	ws.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ErrPipelineNotReady.Wrap(ctx.Err())
	case <-time.After(ws.m.settings.readyTimeout):
		return nil, ErrPipelineNotReady.WrapMessage("workspace %s", ws.name)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.pipeErr != nil {
		return nil, ErrPipelineNotReady.Wrap(ws.pipeErr)
	}
	return ws.pipe, nil
}

// closePipeline closes the current pipeline, bounded by the close timeout.
// Close failures are logged and swallowed: teardown is best effort.
func (ws *Workspace) closePipeline() {
	pipe, err := ws.Pipeline(context.Background())
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ws.m.settings.closeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- pipe.Close(ctx) }()
	select {
	case cerr := <-done:
		if cerr != nil {
			ws.m.settings.l.Warn("pipeline close failed",
				zap.String("workspace", ws.name.String()),
				zap.Error(cerr),
			)
		}
	case <-ctx.Done():
		ws.m.settings.l.Warn("pipeline close timed out",
			zap.String("workspace", ws.name.String()))
	}
}

// resetPipeline installs a fresh pipeline build after an upgrade switch.
// Callers must have closed the previous pipeline first.
func (ws *Workspace) resetPipeline(upgrade bool) {
	ws.mu.Lock()
	ws.pipe = nil
	ws.pipeErr = nil
	ws.pipeReady = make(chan struct{})
	ws.mu.Unlock()
	go ws.buildPipeline(upgrade)
}

// finishUpgrade clears the upgrading flag once no upgrade session remains,
// reporting whether the workspace transitions back to live.
func (ws *Workspace) finishUpgrade() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !ws.upgrading {
		return false
	}
	for _, s := range ws.sessions {
		if s.claims.IsUpgrade() {
			return false
		}
	}
	ws.upgrading = false
	return true
}

func (ws *Workspace) addSession(s *Session) {
	ws.mu.Lock()
	ws.sessions[s.ID] = s
	ws.softShutdown = 0
	ws.mu.Unlock()
}

// takeSession returns and unregisters the session currently under the id.
func (ws *Workspace) takeSession(id string) *Session {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	s := ws.sessions[id]
	delete(ws.sessions, id)
	return s
}

func (ws *Workspace) removeSession(s *Session) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.sessions[s.ID] != s {
		return
	}
	delete(ws.sessions, s.ID)
	if len(ws.sessions) == 0 {
		ws.softShutdown = ws.m.settings.softShutdown
	}
}

func (ws *Workspace) sessionList() []*Session {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]*Session, 0, len(ws.sessions))
	for _, s := range ws.sessions {
		out = append(out, s)
	}
	return out
}

// drainSessions unregisters and returns every session, for an upgrade
// switch or forced close.
func (ws *Workspace) drainSessions() []*Session {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]*Session, 0, len(ws.sessions))
	for _, s := range ws.sessions {
		out = append(out, s)
	}
	ws.sessions = map[string]*Session{}
	return out
}

// countdown decrements the soft shutdown counter on an empty tick and
// reports whether close should start.
func (ws *Workspace) countdown() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.sessions) > 0 {
		return false
	}
	if ws.softShutdown <= 0 {
		ws.softShutdown = ws.m.settings.softShutdown
	}
	ws.softShutdown--
	return ws.softShutdown <= 0
}
