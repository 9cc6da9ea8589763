// Copyright © 2025 Tessera Systems

package storage

import (
	"io"
	"sync"
)

var pipeBuffers = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 32*1024)
		return &b
	},
}

// PipeIO copies a reader to a writer using pooled buffers.
func PipeIO(writer io.Writer, reader io.Reader) (n int64, err error) {
	pb := pipeBuffers.Get().(*[]byte)
	defer pipeBuffers.Put(pb)
	return io.CopyBuffer(writer, reader, *pb)
}
