// Copyright © 2025 Tessera Systems

package backup

import (
	"time"

	"go.uber.org/zap"
)

const (
	defaultGroupBytes       = 2 * 1024 * 1024
	defaultTarRollBytes     = 32 * 1024 * 1024
	defaultBlobSizeLimit    = 512 * 1024 * 1024
	defaultCleanBatch       = 10000
	defaultUploadBytes      = 2 * 1024 * 1024
	defaultCompactThreshold = 5
	defaultCopyConcurrency  = 4
	defaultRetries          = 3
)

type settings struct {
	l                *zap.Logger
	force            bool
	timeout          time.Duration
	blobSizeLimit    int64
	skipContentTypes []string
	tarRollBytes     int64
	groupBytes       int64
	uploadBytes      int64
	date             int64
	merge            bool
	cleanBatch       int
	compactThreshold int
	normalizeDates   bool
	copyConcurrency  int64
	retries          int
}

func defaultSettings(opts []Option) *settings {
	s := &settings{
		l:                zap.NewNop(),
		blobSizeLimit:    defaultBlobSizeLimit,
		tarRollBytes:     defaultTarRollBytes,
		groupBytes:       defaultGroupBytes,
		uploadBytes:      defaultUploadBytes,
		cleanBatch:       defaultCleanBatch,
		compactThreshold: defaultCompactThreshold,
		copyConcurrency:  defaultCopyConcurrency,
		retries:          defaultRetries,
	}
	for _, apply := range opts {
		apply(s)
	}
	return s
}

// Option is a functor to tune a backup, restore, clone or compaction run.
type Option func(*settings)

// Logger injects a logging facility.
func Logger(l *zap.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.l = l
		}
	}
}

// Force runs the backup even when the last transaction id is unchanged.
func Force(force bool) Option {
	return func(s *settings) { s.force = force }
}

// Timeout bounds a backup run by wall clock. On expiry the run stops
// starting new work but flushes what it already produced.
func Timeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// BlobSizeLimit skips blobs larger than the limit.
func BlobSizeLimit(n int64) Option {
	return func(s *settings) {
		if n > 0 {
			s.blobSizeLimit = n
		}
	}
}

// SkipContentTypes skips blobs whose content type starts with any of the
// given prefixes (a trailing "*" is tolerated).
func SkipContentTypes(types []string) Option {
	return func(s *settings) { s.skipContentTypes = types }
}

// TarRollBytes tunes when a storage file rolls over.
func TarRollBytes(n int64) Option {
	return func(s *settings) {
		if n > 0 {
			s.tarRollBytes = n
		}
	}
}

// RetrievalGroupBytes bounds the cumulative declared size of one LoadDocs
// batch.
func RetrievalGroupBytes(n int64) Option {
	return func(s *settings) {
		if n > 0 {
			s.groupBytes = n
		}
	}
}

// Date restores the digest as of the given snapshot date instead of the
// latest one.
func Date(d int64) Option {
	return func(s *settings) { s.date = d }
}

// Merge suppresses the removal pass on restore (additive-only).
func Merge(merge bool) Option {
	return func(s *settings) { s.merge = merge }
}

// CleanBatch tunes how many ids one clean call carries.
func CleanBatch(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.cleanBatch = n
		}
	}
}

// CompactThreshold tunes how many snapshots accumulate before automatic
// compaction.
func CompactThreshold(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.compactThreshold = n
		}
	}
}

// NormalizeDates rewrites createdOn/modifiedOn on cloned documents to the
// clone time.
func NormalizeDates(normalize bool) Option {
	return func(s *settings) { s.normalizeDates = normalize }
}

// CopyConcurrency bounds simultaneous blob transfers during clone.
func CopyConcurrency(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.copyConcurrency = int64(n)
		}
	}
}
