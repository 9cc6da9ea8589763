// Copyright © 2025 Tessera Systems

package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tessera-io/transactor/pkg/model"
)

const jsonEntrySuffix = ".json"

// archiveWriter packs document descriptors and raw blob bytes into gzipped
// POSIX tar storage files, rolling to a new file once the accumulated
// payload passes the roll threshold.
type archiveWriter struct {
	target    Target
	ws        model.WorkspaceID
	domain    model.Domain
	date      int64
	rollBytes int64

	index   int
	buf     bytes.Buffer
	gz      *gzip.Writer
	tw      *tar.Writer
	written int64
	files   []string
}

func newArchiveWriter(target Target, ws model.WorkspaceID, domain model.Domain, date, rollBytes int64) *archiveWriter {
	return &archiveWriter{
		target:    target,
		ws:        ws,
		domain:    domain,
		date:      date,
		rollBytes: rollBytes,
	}
}

func (w *archiveWriter) ensureOpen() {
	if w.tw != nil {
		return
	}
	w.buf.Reset()
	w.gz = gzip.NewWriter(&w.buf)
	w.tw = tar.NewWriter(w.gz)
	w.written = 0
}

func (w *archiveWriter) addEntry(name string, data []byte) error {
	w.ensureOpen()
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     int64(len(data)),
		Mode:     0644,
		ModTime:  time.Unix(w.date, 0),
		Format:   tar.FormatPAX,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := w.tw.Write(data); err != nil {
		return err
	}
	w.written += int64(len(data))
	return nil
}

// addDoc appends the JSON descriptor entry for a document.
func (w *archiveWriter) addDoc(id string, doc []byte) error {
	return w.addEntry(id+jsonEntrySuffix, doc)
}

// addBlob appends the raw payload entry for a blob document.
func (w *archiveWriter) addBlob(id string, data []byte) error {
	return w.addEntry(id, data)
}

// maybeRoll flushes the current storage file once it is full.
func (w *archiveWriter) maybeRoll(ctx context.Context) error {
	if w.tw == nil || w.written < w.rollBytes {
		return nil
	}
	return w.flush(ctx)
}

// flush persists the in-progress storage file, if any.
func (w *archiveWriter) flush(ctx context.Context) error {
	if w.tw == nil {
		return nil
	}
	if err := w.tw.Close(); err != nil {
		return err
	}
	if err := w.gz.Close(); err != nil {
		return err
	}
	key := model.GetStoragePath(w.ws, w.domain, w.date, w.index)
	if err := w.target.put(ctx, key, w.buf.Bytes()); err != nil {
		return err
	}
	w.files = append(w.files, key)
	w.index++
	w.tw = nil
	w.gz = nil
	return nil
}

// walkArchive streams every entry of a storage file to the visit callback.
// Returning io.EOF from visit stops the walk early without error.
func walkArchive(ctx context.Context, target Target, key string, visit func(name string, data []byte) error) error {
	rdr, err := target.get(ctx, key)
	if err != nil {
		return err
	}
	defer rdr.Close()
	gz, err := gzip.NewReader(rdr)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		if err = visit(hdr.Name, data); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// entryDocID splits a tar entry name into the document id and whether the
// entry is the JSON descriptor (as opposed to raw blob bytes).
func entryDocID(name string) (id string, isDoc bool) {
	if strings.HasSuffix(name, jsonEntrySuffix) {
		return strings.TrimSuffix(name, jsonEntrySuffix), true
	}
	return name, false
}
