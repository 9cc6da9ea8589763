// Copyright © 2025 Tessera Systems

package backup

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/tessera-io/transactor/pkg/errors"
	"github.com/tessera-io/transactor/pkg/model"
)

// Digest maps document id to content hash for one domain.
type Digest map[string]string

// DigestChange is the incremental digest movement of one backup run.
type DigestChange struct {
	Added   Digest
	Updated Digest
	Removed []string
}

// ErrBadSnapshot signals a malformed incremental digest file.
var ErrBadSnapshot = errors.New("malformed snapshot file")

// Apply folds one change into the digest: added then updated entries win,
// removed ids drop out.
func (d Digest) Apply(change *DigestChange) {
	for id, hash := range change.Added {
		d[id] = hash
	}
	for id, hash := range change.Updated {
		d[id] = hash
	}
	for _, id := range change.Removed {
		delete(d, id)
	}
}

// LoadDigest folds a domain's snapshot chain in chronological order,
// optionally stopping after the snapshot at upTo (0 means the whole chain).
func LoadDigest(ctx context.Context, target Target, info *model.BackupInfo, domain model.Domain, upTo int64) (Digest, error) {
	digest := Digest{}
	for _, snapshot := range info.Snapshots {
		if upTo > 0 && snapshot.Date > upTo {
			break
		}
		data, ok := snapshot.Domains[domain]
		if !ok {
			continue
		}
		for _, file := range data.Snapshots {
			change, err := readSnapshotFile(ctx, target, file)
			if err != nil {
				return nil, err
			}
			digest.Apply(change)
		}
	}
	return digest, nil
}

// writeSnapshotFile persists one incremental digest in the line-oriented
// format: added count, "id;hash" lines, updated count and lines, removed
// count and bare id lines.
func writeSnapshotFile(ctx context.Context, target Target, key string, change *DigestChange) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	w := bufio.NewWriter(gz)

	writeHashed := func(entries Digest) error {
		if _, err := fmt.Fprintf(w, "%d\n", len(entries)); err != nil {
			return err
		}
		for id, hash := range entries {
			if _, err := fmt.Fprintf(w, "%s;%s\n", id, hash); err != nil {
				return err
			}
		}
		return nil
	}
	if err := writeHashed(change.Added); err != nil {
		return err
	}
	if err := writeHashed(change.Updated); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%d\n", len(change.Removed)); err != nil {
		return err
	}
	for _, id := range change.Removed {
		if _, err := fmt.Fprintf(w, "%s\n", id); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return target.put(ctx, key, buf.Bytes())
}

func readSnapshotFile(ctx context.Context, target Target, key string) (*DigestChange, error) {
	rdr, err := target.get(ctx, key)
	if err != nil {
		return nil, errors.New("missing snapshot file").WrapMessage("%s: %v", key, err)
	}
	defer rdr.Close()
	gz, err := gzip.NewReader(rdr)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	nextLine := func() (string, error) {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", ErrBadSnapshot.WrapMessage("unexpected end of %s", key)
		}
		return scanner.Text(), nil
	}
	readCount := func() (int, error) {
		line, err := nextLine()
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			return 0, ErrBadSnapshot.WrapMessage("bad count in %s: %v", key, err)
		}
		return n, nil
	}
	readHashed := func() (Digest, error) {
		n, err := readCount()
		if err != nil {
			return nil, err
		}
		entries := make(Digest, n)
		for i := 0; i < n; i++ {
			line, err := nextLine()
			if err != nil {
				return nil, err
			}
			sep := strings.LastIndexByte(line, ';')
			if sep < 0 {
				return nil, ErrBadSnapshot.WrapMessage("bad entry %q in %s", line, key)
			}
			entries[line[:sep]] = line[sep+1:]
		}
		return entries, nil
	}

	change := new(DigestChange)
	if change.Added, err = readHashed(); err != nil {
		return nil, err
	}
	if change.Updated, err = readHashed(); err != nil {
		return nil, err
	}
	removed, err := readCount()
	if err != nil {
		return nil, err
	}
	change.Removed = make([]string, 0, removed)
	for i := 0; i < removed; i++ {
		line, err := nextLine()
		if err != nil {
			return nil, err
		}
		change.Removed = append(change.Removed, line)
	}
	return change, nil
}

// liveDigest walks a domain through the chunk cursor protocol and returns
// the current id to hash map plus the declared sizes.
func liveDigest(ctx context.Context, p chunkSource, domain model.Domain) (Digest, map[string]int64, error) {
	digest := Digest{}
	sizes := map[string]int64{}
	res, err := p.LoadChunk(ctx, domain, -1)
	if err != nil {
		return nil, nil, err
	}
	idx := res.Idx
	defer func() {
		_ = p.CloseChunk(ctx, idx)
	}()
	for {
		for _, doc := range res.Docs {
			digest[doc.ID] = doc.Hash
			sizes[doc.ID] = doc.Size
		}
		if res.Finished {
			return digest, sizes, nil
		}
		if res, err = p.LoadChunk(ctx, domain, idx); err != nil {
			return nil, nil, err
		}
	}
}
