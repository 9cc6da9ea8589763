// Copyright © 2025 Tessera Systems

package transactor

import (
	"encoding/json"
	"time"
)

// HelloID is the reserved request id used by the hello negotiation frame.
const HelloID = -1

// DefaultChunkByteBudget bounds the serialized size of one response chunk.
const DefaultChunkByteBudget = 32 * 1024

// Request is the client-to-server envelope.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Time   int64           `json:"time,omitempty"`
	_      struct{}
}

// Response is the server-to-client envelope.
type Response struct {
	ID     int64       `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *WireError  `json:"error,omitempty"`
	Time   int64       `json:"time"`
	Chunk  *ChunkMeta  `json:"chunk,omitempty"`
	_      struct{}
}

// WireError is a protocol-level error surfaced to the client, as opposed to
// an exception tearing the connection down.
type WireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Upgrade bool   `json:"upgrade,omitempty"`
	Retry   bool   `json:"retry,omitempty"`
	_       struct{}
}

func (e *WireError) Error() string { return e.Message }

// ChunkMeta orders the frames of a split response. Final marks the last
// frame, which also carries the aggregate metadata.
type ChunkMeta struct {
	Index int  `json:"index"`
	Final bool `json:"final"`
	Total int  `json:"total,omitempty"`
	_     struct{}
}

// Conn abstracts the client transport so sessions can be driven by a
// websocket in production and an in-memory pipe in tests.
type Conn interface {
	// Send writes one response frame. Implementations must be safe for
	// concurrent use: broadcasts and request replies interleave.
	Send(resp *Response) error
	Close() error
}

func newResponse(id int64, result interface{}) *Response {
	return &Response{ID: id, Result: result, Time: time.Now().UnixMilli()}
}

func newErrorResponse(id int64, werr *WireError) *Response {
	return &Response{ID: id, Error: werr, Time: time.Now().UnixMilli()}
}

// sendChunked delivers a large result list as ordered chunk frames whose
// serialized payload stays under the byte budget. Zero items still produce
// one final frame so the client always sees a terminator.
func sendChunked(conn Conn, id int64, items []interface{}, budget int) error {
	var (
		chunk      []interface{}
		chunkBytes int
		index      int
	)
	flush := func(final bool) error {
		meta := &ChunkMeta{Index: index, Final: final}
		if final {
			meta.Total = len(items)
		}
		resp := newResponse(id, chunk)
		resp.Chunk = meta
		if err := conn.Send(resp); err != nil {
			return err
		}
		index++
		chunk = nil
		chunkBytes = 0
		return nil
	}
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if len(chunk) > 0 && chunkBytes+len(raw) > budget {
			if err = flush(false); err != nil {
				return err
			}
		}
		chunk = append(chunk, item)
		chunkBytes += len(raw)
	}
	return flush(true)
}
