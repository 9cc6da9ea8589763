// Copyright © 2025 Tessera Systems

// Package remote implements the pipeline contract over the session
// websocket protocol, so backup tooling can drive a live workspace the
// same way an in-process caller would. Blob bytes do not travel over the
// socket: the client reads and writes blob storage directly.
package remote

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tessera-io/transactor/internal/rand"
	"github.com/tessera-io/transactor/pkg/errors"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/pipeline"
	"github.com/tessera-io/transactor/pkg/storage"
	"github.com/tessera-io/transactor/pkg/transactor"
	"go.uber.org/zap"
)

var (
	// ErrClosed signals an operation on a closed client.
	ErrClosed = errors.New("remote pipeline closed")

	// ErrUpgradeRequired signals that the server rejected the client's
	// model version.
	ErrUpgradeRequired = errors.New("server requires model upgrade")
)

const defaultCallTimeout = 2 * time.Minute

// Client is a pipeline served by a remote transactor over websocket.
type Client struct {
	ws    model.WorkspaceID
	blobs storage.Adapter
	l     *zap.Logger
	conn  *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *transactor.Response
	chunks  map[int64][]json.RawMessage
	closed  bool
	done    chan struct{}
}

var _ pipeline.Pipeline = &Client{}

// Option tunes the remote client.
type Option func(*Client)

// Logger injects a logging facility.
func Logger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.l = l
		}
	}
}

// Dial connects to a transactor endpoint and performs the hello
// negotiation. The URL carries the ws or wss scheme and the session
// endpoint path; token is the caller's signed session token.
func Dial(ctx context.Context, url, token string, ws model.WorkspaceID, blobs storage.Adapter, opts ...Option) (*Client, error) {
	c := &Client{
		ws:      ws,
		blobs:   blobs,
		l:       zap.NewNop(),
		pending: map[int64]chan *transactor.Response{},
		chunks:  map[int64][]json.RawMessage{},
		done:    make(chan struct{}),
	}
	for _, apply := range opts {
		apply(c)
	}

	endpoint := url + "?token=" + token + "&session=cli-" + rand.LetterString(12)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.New("dial transactor").Wrap(err)
	}
	c.conn = conn
	go c.readLoop()

	if _, err = c.call(ctx, transactor.HelloID, "hello", map[string]bool{"binary": false}); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		resp := new(transactor.Response)
		if err := c.conn.ReadJSON(resp); err != nil {
			c.failAll(err)
			return
		}
		if resp.Error != nil && resp.ID == 0 {
			// Server-initiated close notice (hang, takeover, upgrade).
			c.l.Warn("server closed session", zap.String("code", resp.Error.Code))
			c.failAll(resp.Error)
			return
		}
		if resp.ID == 0 {
			// Broadcast or keepalive frame, nothing waits on it.
			continue
		}
		c.dispatch(resp)
	}
}

// dispatch routes one frame to its waiting caller, buffering chunk frames
// until the final one arrives.
func (c *Client) dispatch(resp *transactor.Response) {
	c.mu.Lock()
	ch, waiting := c.pending[resp.ID]
	if !waiting {
		c.mu.Unlock()
		return
	}
	if resp.Chunk != nil && !resp.Chunk.Final {
		if raw, err := json.Marshal(resp.Result); err == nil {
			c.chunks[resp.ID] = append(c.chunks[resp.ID], raw)
		}
		c.mu.Unlock()
		return
	}
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	ch <- resp
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[int64]chan *transactor.Response{}
	c.closed = true
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	if err != nil && len(pending) > 0 {
		c.l.Debug("remote pipeline connection ended", zap.Error(err))
	}
}

// call sends one request and waits for its (final) response frame.
func (c *Client) call(ctx context.Context, id int64, method string, params interface{}) (*transactor.Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if id == 0 {
		c.nextID++
		id = c.nextID
	}
	ch := make(chan *transactor.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		var err error
		if raw, err = json.Marshal(params); err != nil {
			return nil, err
		}
	}
	req := &transactor.Request{ID: id, Method: method, Params: raw, Time: time.Now().UnixMilli()}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	timeout := defaultCallTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			if resp.Error.Upgrade {
				return nil, ErrUpgradeRequired.WrapMessage("%s", resp.Error.Message)
			}
			return nil, errors.New("remote call failed").WrapMessage("%s: %s", method, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, errors.Newf("remote call %s timed out", method)
	}
}

func decodeResult(resp *transactor.Response, out interface{}) error {
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Workspace is the workspace this client drives.
func (c *Client) Workspace() model.WorkspaceID { return c.ws }

// Blobs is the blob storage backing the workspace.
func (c *Client) Blobs() storage.Adapter { return c.blobs }

// Domains lists the domains holding documents on the server.
func (c *Client) Domains(ctx context.Context) ([]model.Domain, error) {
	resp, err := c.call(ctx, 0, "domains", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Domains []model.Domain `json:"domains"`
	}
	if err = decodeResult(resp, &out); err != nil {
		return nil, err
	}
	return out.Domains, nil
}

// LoadChunk continues (or opens, for a negative idx) a chunk cursor.
func (c *Client) LoadChunk(ctx context.Context, domain model.Domain, idx int) (*pipeline.ChunkResult, error) {
	resp, err := c.call(ctx, 0, "loadChunk", map[string]interface{}{"domain": domain, "idx": idx})
	if err != nil {
		return nil, err
	}
	res := new(pipeline.ChunkResult)
	if err = decodeResult(resp, res); err != nil {
		return nil, err
	}
	return res, nil
}

// CloseChunk releases a cursor.
func (c *Client) CloseChunk(ctx context.Context, idx int) error {
	_, err := c.call(ctx, 0, "closeChunk", map[string]int{"idx": idx})
	return err
}

// LoadDocs bulk-fetches documents.
func (c *Client) LoadDocs(ctx context.Context, domain model.Domain, ids []string) ([]*model.Doc, error) {
	resp, err := c.call(ctx, 0, "loadDocs", map[string]interface{}{"domain": domain, "ids": ids})
	if err != nil {
		return nil, err
	}
	var docs []*model.Doc
	if err = decodeResult(resp, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Upload bulk-replaces documents.
func (c *Client) Upload(ctx context.Context, domain model.Domain, docs []*model.Doc) error {
	_, err := c.call(ctx, 0, "upload", map[string]interface{}{"domain": domain, "docs": docs})
	return err
}

// Clean bulk-deletes documents.
func (c *Client) Clean(ctx context.Context, domain model.Domain, ids []string) error {
	_, err := c.call(ctx, 0, "clean", map[string]interface{}{"domain": domain, "ids": ids})
	return err
}

// FindAll fetches every document of a domain, reassembling the server's
// chunked response.
func (c *Client) FindAll(ctx context.Context, domain model.Domain) ([]*model.Doc, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	resp, err := c.call(ctx, id, "find", map[string]model.Domain{"domain": domain})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	buffered := c.chunks[id]
	delete(c.chunks, id)
	c.mu.Unlock()

	var docs []*model.Doc
	for _, raw := range buffered {
		var page []*model.Doc
		if err = json.Unmarshal(raw, &page); err != nil {
			return nil, err
		}
		docs = append(docs, page...)
	}
	var last []*model.Doc
	if err = decodeResult(resp, &last); err != nil {
		return nil, err
	}
	return append(docs, last...), nil
}

// Tx applies a transaction on the server.
func (c *Client) Tx(ctx context.Context, tx *model.Tx) error {
	_, err := c.call(ctx, 0, "tx", tx)
	return err
}

// LastTx reports the most recent transaction id.
func (c *Client) LastTx(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, 0, "lastTx", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err = decodeResult(resp, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Close tears the connection down.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
	}
	return err
}
