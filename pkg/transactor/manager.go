// Copyright © 2025 Tessera Systems

// Package transactor implements the session manager: the registry of live
// workspaces, each with a lazily built pipeline and its attached client
// sessions, plus the lifecycle machinery around them. Admission handles
// connection takeover, the model version gate, and the upgrade switch;
// a periodic tick drives hang detection, keepalives and workspace soft
// shutdown.
package transactor

import (
	"context"
	"sync"
	"time"

	"github.com/tessera-io/transactor/pkg/accounts"
	"github.com/tessera-io/transactor/pkg/auth"
	"github.com/tessera-io/transactor/pkg/errors"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/pipeline"
	"go.uber.org/zap"
)

var (
	// ErrUpgradeRequired signals a client whose model version is stale.
	// The handler answers with an upgrade frame instead of a session.
	ErrUpgradeRequired = errors.New("client model version requires upgrade")

	// ErrUpgradeInProgress signals a normal connection against a
	// workspace that is mid-upgrade; the client should retry later.
	ErrUpgradeInProgress = errors.New("workspace upgrade in progress")

	// ErrWorkspaceCreating signals a workspace still being provisioned.
	ErrWorkspaceCreating = errors.New("workspace is being created")

	// ErrWorkspaceDisabled signals a disabled workspace.
	ErrWorkspaceDisabled = errors.New("workspace is disabled")

	// ErrUnauthorized signals a token that resolves to no workspace the
	// caller may use.
	ErrUnauthorized = errors.New("unauthorized workspace access")
)

// Manager owns the live workspace map and every client session. It is
// constructed at server start and torn down at shutdown; handlers receive
// it by injection.
type Manager struct {
	settings *managerSettings
	factory  pipeline.Factory
	metrics  *metrics
	status   *taskQueue

	mu         sync.Mutex
	workspaces map[model.WorkspaceID]*Workspace
	sockets    map[string]*Session
}

// NewManager builds a session manager around a pipeline factory.
func NewManager(factory pipeline.Factory, opts ...ManagerOption) *Manager {
	s := defaultManagerSettings(opts)
	return &Manager{
		settings:   s,
		factory:    factory,
		metrics:    newMetrics(s.registry),
		status:     newTaskQueue(),
		workspaces: map[model.WorkspaceID]*Workspace{},
		sockets:    map[string]*Session{},
	}
}

// AddSessionParams carries what a connecting client advertises besides its
// token.
type AddSessionParams struct {
	Token        string
	SessionID    string
	ModelVersion string
	_            struct{}
}

// AddSession admits one client connection and returns its session.
//
// The contract, in order: verify the token; resolve workspace info from
// the accounts service (or synthesize it); gate on creating/disabled
// state; gate on the model version unless the caller is itself the
// upgrade or backup client; take over a previous session under the same
// id; create the workspace (and its pipeline) if absent; and handle the
// upgrade states: the upgrade client joining a mid-upgrade workspace
// waits for the pipeline, a normal client is told to retry, and an
// upgrade client hitting a live workspace triggers the switch.
func (m *Manager) AddSession(ctx context.Context, conn Conn, params AddSessionParams) (*Session, error) {
	claims, err := auth.Parse(params.Token, m.settings.secret)
	if err != nil {
		return nil, ErrUnauthorized.Wrap(err)
	}
	info, err := m.settings.accounts.WorkspaceInfo(ctx, params.Token, claims)
	if err != nil {
		if errors.Is(err, accounts.ErrUnknownWorkspace) && claims.IsAdmin() {
			info = &model.WorkspaceInfo{Workspace: claims.Workspace, WorkspaceURL: claims.Workspace.String()}
		} else {
			return nil, ErrUnauthorized.Wrap(err)
		}
	}
	if info.Creating && !claims.IsSystem() {
		return nil, ErrWorkspaceCreating.WrapMessage("%s", info.Workspace)
	}
	if info.Disabled && !claims.IsSystem() {
		return nil, ErrWorkspaceDisabled.WrapMessage("%s", info.Workspace)
	}
	if m.settings.modelVersion != "" &&
		params.ModelVersion != m.settings.modelVersion &&
		!claims.IsUpgrade() && !claims.IsBackup() {
		return nil, ErrUpgradeRequired.WrapMessage("client %q, server %q",
			params.ModelVersion, m.settings.modelVersion)
	}

	name := info.Workspace
	l := m.settings.l.With(
		zap.String("workspace", name.String()),
		zap.String("session", params.SessionID),
		zap.String("email", claims.Email),
	)

	m.mu.Lock()
	ws, live := m.workspaces[name]
	if !live {
		ws = newWorkspace(m, name, info, claims.IsUpgrade(), claims.IsBackup())
		m.workspaces[name] = ws
		m.metrics.workspaces.Inc()
		l.Info("workspace opened",
			zap.Bool("upgrade", claims.IsUpgrade()),
			zap.Bool("backup", claims.IsBackup()),
		)
	}
	m.mu.Unlock()

	reconnect := false
	if prior := ws.takeSession(params.SessionID); prior != nil {
		// Connection takeover: the old socket goes away first.
		prior.close(&WireError{Code: "takeover", Message: "session reconnected elsewhere"})
		m.unregisterSocket(prior)
		reconnect = true
		l.Debug("session taken over")
	}

	if live {
		switch {
		case ws.Upgrading() && !claims.IsUpgrade():
			return nil, ErrUpgradeInProgress.WrapMessage("%s", name)
		case !ws.Upgrading() && claims.IsUpgrade():
			if err = m.upgradeSwitch(ws); err != nil {
				return nil, err
			}
		}
	}

	// The session is only admitted against a ready pipeline.
	if _, err = ws.Pipeline(ctx); err != nil {
		return nil, err
	}

	s := newSession(m, ws, conn, params.SessionID, claims, reconnect)
	ws.addSession(s)
	m.mu.Lock()
	m.sockets[s.InstanceID] = s
	m.mu.Unlock()
	m.metrics.sessions.Inc()
	l.Info("session admitted", zap.String("instance", s.InstanceID))

	m.setOnlineStatus(ws, claims.Email, true)
	return s, nil
}

// upgradeSwitch transitions a live workspace into upgrade mode: every
// existing session gets an explicit upgrade notice and is closed, the old
// pipeline is closed, and a fresh upgrade pipeline build starts. Only then
// is the upgrade session admitted by the caller.
func (m *Manager) upgradeSwitch(ws *Workspace) error {
	ws.mu.Lock()
	if ws.upgrading {
		ws.mu.Unlock()
		return nil
	}
	ws.upgrading = true
	ws.mu.Unlock()

	for _, s := range ws.drainSessions() {
		s.close(&WireError{Code: "upgrade", Message: "workspace upgrading, reconnect later", Upgrade: true})
		m.unregisterSocket(s)
		m.metrics.sessions.Dec()
	}
	ws.closePipeline()
	ws.resetPipeline(true)
	m.metrics.upgrades.Inc()
	m.settings.l.Info("workspace switched to upgrade mode",
		zap.String("workspace", ws.name.String()))
	return nil
}

// RemoveSession detaches a session whose connection ended. The last
// session leaving arms the workspace soft shutdown countdown; the last
// upgrade session leaving returns the workspace to live service.
func (m *Manager) RemoveSession(s *Session) {
	s.close(nil)
	s.ws.removeSession(s)
	if m.unregisterSocket(s) {
		m.metrics.sessions.Dec()
	}
	if s.claims.IsUpgrade() {
		m.finishUpgrade(s.ws)
	}
	m.setOnlineStatus(s.ws, s.claims.Email, false)
}

// finishUpgrade transitions an upgraded workspace back to live once its
// last upgrade session is gone: the upgrade pipeline closes and a normal
// build replaces it, so reconnecting clients are admitted again.
func (m *Manager) finishUpgrade(ws *Workspace) {
	if !ws.finishUpgrade() {
		return
	}
	ws.closePipeline()
	ws.resetPipeline(false)
	m.settings.l.Info("workspace upgrade finished",
		zap.String("workspace", ws.name.String()))
}

func (m *Manager) unregisterSocket(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sockets[s.InstanceID] != s {
		return false
	}
	delete(m.sockets, s.InstanceID)
	return true
}

// setOnlineStatus updates the user's online status document. Updates for
// one user are serialized through the task queue so concurrent sessions
// never interleave the read-modify-write.
func (m *Manager) setOnlineStatus(ws *Workspace, email string, online bool) {
	key := ws.name.String() + "/" + email
	m.status.Enqueue(key, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pipe, err := ws.Pipeline(ctx)
		if err != nil {
			return
		}
		doc := &model.Doc{
			ID:    "status:" + email,
			Class: "core:class:OnlineStatus",
			Attributes: map[string]interface{}{
				"email":  email,
				"online": online,
			},
			ModifiedOn: time.Now().Unix(),
		}
		if err = pipe.Upload(ctx, model.DomainTransient, []*model.Doc{doc}); err != nil {
			m.settings.l.Warn("online status update failed",
				zap.String("workspace", ws.name.String()),
				zap.String("email", email),
				zap.Error(err),
			)
		}
	})
}

// broadcast fans transactions out to a workspace's sessions. Suppressed
// while the workspace is upgrading, since its sessions are being torn
// down. Delivery is fire and forget per socket; one slow or broken socket
// never blocks the others.
func (m *Manager) broadcast(ws *Workspace, txs []*model.Tx, targets, excludeSessions []string) {
	if ws.Upgrading() {
		return
	}
	targetSet := toSet(targets)
	excludeSet := toSet(excludeSessions)
	for _, s := range ws.sessionList() {
		if _, skip := excludeSet[s.ID]; skip {
			continue
		}
		if len(targetSet) > 0 {
			if _, ok := targetSet[s.claims.Email]; !ok {
				continue
			}
		}
		recipient := s
		go func() {
			recipient.send(newResponse(0, map[string]interface{}{"txs": txs}))
			m.metrics.broadcasts.Inc()
		}()
	}
}

// Broadcast fans transactions out to the named workspace, restricted to
// target user emails when given.
func (m *Manager) Broadcast(name model.WorkspaceID, txs []*model.Tx, targets []string) {
	m.mu.Lock()
	ws := m.workspaces[name]
	m.mu.Unlock()
	if ws == nil {
		return
	}
	m.broadcast(ws, txs, targets, nil)
}

// ForceClose tears a workspace down immediately, including mid-upgrade.
func (m *Manager) ForceClose(name model.WorkspaceID) {
	m.mu.Lock()
	ws := m.workspaces[name]
	m.mu.Unlock()
	if ws == nil {
		return
	}
	for _, s := range ws.drainSessions() {
		s.close(&WireError{Code: "close", Message: "workspace closed by administrator"})
		if m.unregisterSocket(s) {
			m.metrics.sessions.Dec()
		}
	}
	go m.closeWorkspace(ws)
}

// Run drives the lifecycle tick until the context ends, then closes every
// workspace.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.settings.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

// tick is one pass of idle/hang detection, keepalives, stale request
// warnings, counter rolls and soft shutdown countdowns.
func (m *Manager) tick(now time.Time) {
	m.mu.Lock()
	workspaces := make([]*Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		workspaces = append(workspaces, ws)
	}
	m.mu.Unlock()

	for _, ws := range workspaces {
		for _, s := range ws.sessionList() {
			idle := s.idleFor(now)
			switch {
			case idle > s.hangTimeout():
				m.settings.l.Warn("closing hung session",
					zap.String("workspace", ws.name.String()),
					zap.String("session", s.ID),
					zap.Duration("idle", idle),
				)
				s.close(&WireError{Code: "hang", Message: "session closed after inactivity"})
				ws.removeSession(s)
				if m.unregisterSocket(s) {
					m.metrics.sessions.Dec()
				}
				if s.claims.IsUpgrade() {
					go m.finishUpgrade(ws)
				}
				m.metrics.hangClosed.Inc()
				continue
			case idle > m.settings.pingAfter:
				s.send(newResponse(0, map[string]bool{"ping": true}))
			}
			if stale := s.staleInflight(now, m.settings.staleWarn); len(stale) > 0 {
				m.settings.l.Warn("requests outstanding beyond threshold",
					zap.String("workspace", ws.name.String()),
					zap.String("session", s.ID),
					zap.Strings("methods", stale),
				)
			}
			s.maybeRollCounters(now, m.settings.counterWindow)
		}
		if ws.countdown() {
			go m.closeWorkspace(ws)
		}
	}
}

// closeWorkspace runs the async close sequence: wait on the pipeline,
// close it, then remove the workspace from the live map guarded by an
// identity check. A reconnect may have recreated the workspace under the
// same key while the pipeline was closing; in that case the map entry is
// left alone.
func (m *Manager) closeWorkspace(ws *Workspace) {
	ws.closePipeline()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workspaces[ws.name] != ws {
		m.settings.l.Debug("workspace recreated during close, keeping new instance",
			zap.String("workspace", ws.name.String()))
		return
	}
	// A session that arrived after the close decision wins.
	if len(ws.sessionList()) > 0 {
		return
	}
	delete(m.workspaces, ws.name)
	m.metrics.workspaces.Dec()
	m.settings.l.Info("workspace closed", zap.String("workspace", ws.name.String()))
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	workspaces := make([]*Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		workspaces = append(workspaces, ws)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ws := range workspaces {
		for _, s := range ws.drainSessions() {
			s.close(&WireError{Code: "close", Message: "server shutting down"})
			if m.unregisterSocket(s) {
				m.metrics.sessions.Dec()
			}
		}
		wg.Add(1)
		go func(ws *Workspace) {
			defer wg.Done()
			m.closeWorkspace(ws)
		}(ws)
	}
	wg.Wait()
}

// WorkspaceNames lists the live workspaces.
func (m *Manager) WorkspaceNames() []model.WorkspaceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]model.WorkspaceID, 0, len(m.workspaces))
	for name := range m.workspaces {
		names = append(names, name)
	}
	return names
}

// Workspace returns the live workspace under the name, nil when absent.
func (m *Manager) Workspace(name model.WorkspaceID) *Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workspaces[name]
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}
