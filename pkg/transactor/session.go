// Copyright © 2025 Tessera Systems

package transactor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tessera-io/transactor/internal/rand"
	"github.com/tessera-io/transactor/pkg/auth"
	"github.com/tessera-io/transactor/pkg/model"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type inflightCall struct {
	method string
	start  time.Time
}

// Session is one client connection's server-side state, owned by exactly
// one workspace at a time. A reconnect under the same session id closes the
// previous socket and produces a fresh instance id.
type Session struct {
	ID         string
	InstanceID string

	claims    *auth.Claims
	ws        *Workspace
	conn      Conn
	m         *Manager
	reconnect bool

	binary     bool
	compressed bool

	lastRequest *atomic.Int64
	closed      *atomic.Bool

	requests         *atomic.Int64
	txs              *atomic.Int64
	trailingRequests *atomic.Int64
	trailingTxs      *atomic.Int64

	mu       sync.Mutex
	inflight map[int64]inflightCall
	lastRoll time.Time
}

func newSession(m *Manager, ws *Workspace, conn Conn, id string, claims *auth.Claims, reconnect bool) *Session {
	return &Session{
		ID:               id,
		InstanceID:       rand.LetterString(16),
		claims:           claims,
		ws:               ws,
		conn:             conn,
		m:                m,
		reconnect:        reconnect,
		lastRequest:      atomic.NewInt64(time.Now().UnixNano()),
		closed:           atomic.NewBool(false),
		requests:         atomic.NewInt64(0),
		txs:              atomic.NewInt64(0),
		trailingRequests: atomic.NewInt64(0),
		trailingTxs:      atomic.NewInt64(0),
		inflight:         map[int64]inflightCall{},
		lastRoll:         time.Now(),
	}
}

// Email is the authenticated principal.
func (s *Session) Email() string { return s.claims.Email }

// Workspace is the owning workspace.
func (s *Session) Workspace() *Workspace { return s.ws }

func (s *Session) touch() {
	s.lastRequest.Store(time.Now().UnixNano())
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastRequest.Load()))
}

// hangTimeout is the silence budget for this session; the system account
// gets a much longer one so long-running tooling is not cut off.
func (s *Session) hangTimeout() time.Duration {
	d := s.m.settings.hangTimeout
	if s.claims.IsSystem() {
		d *= time.Duration(s.m.settings.systemHangFactor)
	}
	return d
}

func (s *Session) beginRequest(id int64, method string) {
	s.requests.Inc()
	s.mu.Lock()
	s.inflight[id] = inflightCall{method: method, start: time.Now()}
	s.mu.Unlock()
}

func (s *Session) endRequest(id int64) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// staleInflight lists methods of requests outstanding beyond the threshold.
func (s *Session) staleInflight(now time.Time, threshold time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []string
	for _, call := range s.inflight {
		if now.Sub(call.start) > threshold {
			stale = append(stale, call.method)
		}
	}
	return stale
}

// maybeRollCounters folds the current request/tx counters into the trailing
// window bucket once per window. Observability bookkeeping only.
func (s *Session) maybeRollCounters(now time.Time, window time.Duration) {
	s.mu.Lock()
	if now.Sub(s.lastRoll) < window {
		s.mu.Unlock()
		return
	}
	s.lastRoll = now
	s.mu.Unlock()
	s.trailingRequests.Store(s.requests.Swap(0))
	s.trailingTxs.Store(s.txs.Swap(0))
}

// Stats reports the trailing window counters.
func (s *Session) Stats() (requests, txs int64) {
	return s.trailingRequests.Load(), s.trailingTxs.Load()
}

// close sends an optional notice frame and tears the connection down, once.
func (s *Session) close(notice *WireError) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if notice != nil {
		_ = s.conn.Send(newErrorResponse(0, notice))
	}
	_ = s.conn.Close()
}

// Closed reports whether the session was torn down.
func (s *Session) Closed() bool { return s.closed.Load() }

func (s *Session) send(resp *Response) {
	if err := s.conn.Send(resp); err != nil {
		s.m.settings.l.Warn("session send failed",
			zap.String("session", s.ID),
			zap.String("workspace", s.ws.name.String()),
			zap.Error(err),
		)
	}
}

type helloParams struct {
	Binary     bool `json:"binary"`
	Compressed bool `json:"compressed"`
}

type helloResult struct {
	InstanceID   string `json:"instanceId"`
	Reconnect    bool   `json:"reconnect"`
	ModelVersion string `json:"modelVersion,omitempty"`
	Binary       bool   `json:"binary"`
	Compressed   bool   `json:"compressed"`
}

type domainParams struct {
	Domain model.Domain `json:"domain"`
	Idx    *int         `json:"idx,omitempty"`
	IDs    []string     `json:"ids,omitempty"`
	Docs   []*model.Doc `json:"docs,omitempty"`
}

// Handle dispatches one request frame and sends its response. Requests on
// one session may complete out of order; every response is sent
// independently on completion.
func (s *Session) Handle(ctx context.Context, req *Request) {
	s.touch()
	s.m.metrics.requests.WithLabelValues(req.Method).Inc()

	if req.ID == HelloID || req.Method == "hello" {
		s.handleHello(req)
		return
	}
	s.beginRequest(req.ID, req.Method)
	defer s.endRequest(req.ID)

	if req.Method == "forceClose" {
		s.handleForceClose(req)
		return
	}

	pipe, err := s.ws.Pipeline(ctx)
	if err != nil {
		s.send(newErrorResponse(req.ID, &WireError{Code: "pipeline", Message: err.Error(), Retry: true}))
		return
	}

	switch req.Method {
	case "ping":
		s.send(newResponse(req.ID, map[string]bool{"pong": true}))

	case "domains":
		domains, derr := pipe.Domains(ctx)
		if derr != nil {
			s.send(newErrorResponse(req.ID, &WireError{Code: "domains", Message: derr.Error()}))
			return
		}
		s.send(newResponse(req.ID, map[string][]model.Domain{"domains": domains}))

	case "tx":
		tx := new(model.Tx)
		if err = json.Unmarshal(req.Params, tx); err != nil {
			s.sendBadParams(req, err)
			return
		}
		tx.Workspace = s.ws.name
		if tx.ModifiedBy == "" {
			tx.ModifiedBy = s.claims.Email
		}
		if err = pipe.Tx(ctx, tx); err != nil {
			s.send(newErrorResponse(req.ID, &WireError{Code: "tx", Message: err.Error()}))
			return
		}
		s.txs.Inc()
		s.send(newResponse(req.ID, map[string]string{"id": tx.ID}))
		s.m.broadcast(s.ws, []*model.Tx{tx}, nil, []string{s.ID})

	case "find":
		var params domainParams
		if err = json.Unmarshal(req.Params, &params); err != nil {
			s.sendBadParams(req, err)
			return
		}
		docs, ferr := pipe.FindAll(ctx, params.Domain)
		if ferr != nil {
			s.send(newErrorResponse(req.ID, &WireError{Code: "find", Message: ferr.Error()}))
			return
		}
		items := make([]interface{}, len(docs))
		for i, doc := range docs {
			items[i] = doc
		}
		if err = sendChunked(s.conn, req.ID, items, s.m.settings.chunkBudget); err != nil {
			s.m.settings.l.Warn("chunked send failed",
				zap.String("session", s.ID), zap.Error(err))
		}

	case "loadChunk":
		var params domainParams
		if err = json.Unmarshal(req.Params, &params); err != nil {
			s.sendBadParams(req, err)
			return
		}
		idx := -1
		if params.Idx != nil {
			idx = *params.Idx
		}
		res, cerr := pipe.LoadChunk(ctx, params.Domain, idx)
		if cerr != nil {
			s.send(newErrorResponse(req.ID, &WireError{Code: "loadChunk", Message: cerr.Error()}))
			return
		}
		s.send(newResponse(req.ID, res))

	case "closeChunk":
		var params domainParams
		if err = json.Unmarshal(req.Params, &params); err != nil || params.Idx == nil {
			s.sendBadParams(req, err)
			return
		}
		if cerr := pipe.CloseChunk(ctx, *params.Idx); cerr != nil {
			s.send(newErrorResponse(req.ID, &WireError{Code: "closeChunk", Message: cerr.Error()}))
			return
		}
		s.send(newResponse(req.ID, map[string]bool{"closed": true}))

	case "loadDocs":
		var params domainParams
		if err = json.Unmarshal(req.Params, &params); err != nil {
			s.sendBadParams(req, err)
			return
		}
		docs, lerr := pipe.LoadDocs(ctx, params.Domain, params.IDs)
		if lerr != nil {
			s.send(newErrorResponse(req.ID, &WireError{Code: "loadDocs", Message: lerr.Error()}))
			return
		}
		s.send(newResponse(req.ID, docs))

	case "upload":
		var params domainParams
		if err = json.Unmarshal(req.Params, &params); err != nil {
			s.sendBadParams(req, err)
			return
		}
		if uerr := pipe.Upload(ctx, params.Domain, params.Docs); uerr != nil {
			s.send(newErrorResponse(req.ID, &WireError{Code: "upload", Message: uerr.Error()}))
			return
		}
		s.send(newResponse(req.ID, map[string]int{"uploaded": len(params.Docs)}))

	case "clean":
		var params domainParams
		if err = json.Unmarshal(req.Params, &params); err != nil {
			s.sendBadParams(req, err)
			return
		}
		if cerr := pipe.Clean(ctx, params.Domain, params.IDs); cerr != nil {
			s.send(newErrorResponse(req.ID, &WireError{Code: "clean", Message: cerr.Error()}))
			return
		}
		s.send(newResponse(req.ID, map[string]int{"cleaned": len(params.IDs)}))

	case "lastTx":
		id, terr := pipe.LastTx(ctx)
		if terr != nil {
			s.send(newErrorResponse(req.ID, &WireError{Code: "lastTx", Message: terr.Error()}))
			return
		}
		s.send(newResponse(req.ID, map[string]string{"id": id}))

	default:
		s.send(newErrorResponse(req.ID, &WireError{Code: "unknown_method", Message: "unknown method " + req.Method}))
	}
}

func (s *Session) handleHello(req *Request) {
	var params helloParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	s.binary = params.Binary
	s.compressed = params.Compressed
	s.send(newResponse(HelloID, helloResult{
		InstanceID:   s.InstanceID,
		Reconnect:    s.reconnect,
		ModelVersion: s.m.settings.modelVersion,
		Binary:       s.binary,
		Compressed:   s.compressed,
	}))
}

func (s *Session) handleForceClose(req *Request) {
	if !s.claims.IsAdmin() && !s.claims.IsSystem() {
		s.send(newErrorResponse(req.ID, &WireError{Code: "forbidden", Message: "forceClose requires the admin claim"}))
		return
	}
	var params struct {
		Workspace model.WorkspaceID `json:"workspace"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Workspace == "" {
		s.sendBadParams(req, err)
		return
	}
	s.m.ForceClose(params.Workspace)
	s.send(newResponse(req.ID, map[string]bool{"closed": true}))
}

func (s *Session) sendBadParams(req *Request, err error) {
	msg := "bad params"
	if err != nil {
		msg = err.Error()
	}
	s.send(newErrorResponse(req.ID, &WireError{Code: "bad_params", Message: msg}))
}
