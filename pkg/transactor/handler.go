// Copyright © 2025 Tessera Systems

package transactor

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tessera-io/transactor/pkg/errors"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// wsConn adapts a gorilla websocket connection to the Conn contract.
// Gorilla allows one concurrent writer only, so writes serialize on a
// mutex.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) Send(resp *Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteJSON(resp)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

// Handler serves the session websocket endpoint. The token travels as a
// bearer Authorization header or a token query parameter; session id and
// client model version travel as query parameters.
func Handler(m *Manager) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		// Browsers connect cross-origin from the workspace URL.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); token == "" && strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		sessionID := r.URL.Query().Get("session")
		if token == "" || sessionID == "" {
			http.Error(w, "missing token or session", http.StatusBadRequest)
			return
		}

		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &wsConn{c: raw}

		s, err := m.AddSession(r.Context(), conn, AddSessionParams{
			Token:        token,
			SessionID:    sessionID,
			ModelVersion: r.URL.Query().Get("model"),
		})
		if err != nil {
			_ = conn.Send(newErrorResponse(0, admissionError(err)))
			_ = conn.Close()
			return
		}
		serveSession(m, s, conn)
	})
}

// admissionError maps admission failures onto protocol-level frames: the
// client reacts to these rather than treating them as transport faults.
func admissionError(err error) *WireError {
	switch {
	case errors.Is(err, ErrUpgradeRequired):
		return &WireError{Code: "upgrade_required", Message: err.Error(), Upgrade: true}
	case errors.Is(err, ErrUpgradeInProgress):
		return &WireError{Code: "upgrade_in_progress", Message: err.Error(), Retry: true}
	case errors.Is(err, ErrWorkspaceCreating):
		return &WireError{Code: "creating", Message: err.Error(), Retry: true}
	case errors.Is(err, ErrWorkspaceDisabled):
		return &WireError{Code: "disabled", Message: err.Error()}
	case errors.Is(err, ErrPipelineNotReady):
		return &WireError{Code: "pipeline", Message: err.Error(), Retry: true}
	default:
		return &WireError{Code: "unauthorized", Message: err.Error()}
	}
}

// serveSession pumps request frames until the connection drops. Each
// request runs in its own goroutine so a slow operation never blocks the
// read loop, at the cost of out-of-order completion.
func serveSession(m *Manager, s *Session, conn Conn) {
	ws := s.Workspace()
	defer m.RemoveSession(s)
	wc := conn.(*wsConn)
	for {
		req := new(Request)
		if err := wc.c.ReadJSON(req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.settings.l.Debug("session read ended",
					zap.String("workspace", ws.Name().String()),
					zap.String("session", s.ID),
					zap.Error(err),
				)
			}
			return
		}
		go s.Handle(context.Background(), req)
	}
}
