// Copyright © 2025 Tessera Systems

package transactor

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	frames   []*Response
	closed   bool
	failSend bool
}

func (c *fakeConn) Send(resp *Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return fmt.Errorf("send failed")
	}
	c.frames = append(c.frames, resp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sent() []*Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Response, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestSendChunkedSplitsByBudget(t *testing.T) {
	conn := &fakeConn{}
	items := make([]interface{}, 1000)
	for i := range items {
		items[i] = map[string]interface{}{"id": fmt.Sprintf("doc-%04d", i), "payload": "0123456789abcdef"}
	}

	require.NoError(t, sendChunked(conn, 7, items, 32*1024))
	frames := conn.sent()
	require.Greater(t, len(frames), 1)

	var reassembled []interface{}
	for i, frame := range frames {
		require.NotNil(t, frame.Chunk)
		assert.Equal(t, i, frame.Chunk.Index)
		assert.Equal(t, int64(7), frame.ID)
		last := i == len(frames)-1
		assert.Equal(t, last, frame.Chunk.Final)
		if last {
			assert.Equal(t, len(items), frame.Chunk.Total)
		}
		reassembled = append(reassembled, frame.Result.([]interface{})...)
	}
	assert.Equal(t, items, reassembled)
}

func TestSendChunkedEmptyResult(t *testing.T) {
	conn := &fakeConn{}
	require.NoError(t, sendChunked(conn, 1, nil, 1024))
	frames := conn.sent()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Chunk.Final)
	assert.Zero(t, frames[0].Chunk.Total)
}

func TestSendChunkedOversizedItemTravelsAlone(t *testing.T) {
	conn := &fakeConn{}
	big := map[string]string{"blob": string(make([]byte, 4096))}
	items := []interface{}{big, big, big}
	require.NoError(t, sendChunked(conn, 2, items, 1024))
	frames := conn.sent()
	require.Len(t, frames, 3)
	for _, frame := range frames {
		assert.Len(t, frame.Result.([]interface{}), 1)
	}
}
