// Copyright © 2025 Tessera Systems

// Package config resolves storage backend configuration from the
// STORAGE_CONFIG environment variable.
//
// The format is a ";"-separated list of entries:
//
//	kind(,name)?|uri|contentTypes
//
// where kind is one of "fs", "s3", "gcs"; uri carries backend-specific
// location plus query parameters; contentTypes is an optional
// ","-separated list of content type patterns the backend prefers. The
// entry named "default", or failing that the last entry, becomes the
// default (write) backend.
package config

import (
	"context"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"github.com/tessera-io/transactor/pkg/errors"
	"github.com/tessera-io/transactor/pkg/storage"
	"github.com/tessera-io/transactor/pkg/storage/aggregate"
	"github.com/tessera-io/transactor/pkg/storage/gcs"
	"github.com/tessera-io/transactor/pkg/storage/localfs"
	"github.com/tessera-io/transactor/pkg/storage/sthree"
	"go.uber.org/zap"
)

// EnvStorageConfig names the environment variable holding the backend list.
const EnvStorageConfig = "STORAGE_CONFIG"

// ErrEmptyStorageConfig signals a missing or blank STORAGE_CONFIG.
var ErrEmptyStorageConfig = errors.New("no storage backends configured")

// StorageEntry is one parsed STORAGE_CONFIG entry.
type StorageEntry struct {
	Kind         string
	Name         string
	URI          *url.URL
	Params       map[string]string
	ContentTypes []string
	Default      bool
}

// ParseStorageEnv parses the STORAGE_CONFIG environment variable.
func ParseStorageEnv() ([]StorageEntry, error) {
	return ParseStorage(os.Getenv(EnvStorageConfig))
}

// ParseStorage parses a raw storage configuration string.
func ParseStorage(raw string) ([]StorageEntry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyStorageConfig
	}
	var entries []StorageEntry
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, "|", 3)
		if len(fields) < 2 {
			return nil, errors.Newf("malformed storage entry %q: want kind(,name)?|uri|contentTypes", part)
		}
		kindAndName := strings.SplitN(fields[0], ",", 2)
		entry := StorageEntry{
			Kind:   strings.TrimSpace(kindAndName[0]),
			Name:   strings.TrimSpace(kindAndName[0]),
			Params: map[string]string{},
		}
		if len(kindAndName) == 2 {
			entry.Name = strings.TrimSpace(kindAndName[1])
		}
		if entry.Kind == "" {
			return nil, errors.Newf("malformed storage entry %q: empty kind", part)
		}
		uri, err := url.Parse(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, errors.Newf("malformed storage uri in %q", part).Wrap(err)
		}
		entry.URI = uri
		for key, values := range uri.Query() {
			if len(values) > 0 {
				entry.Params[key] = values[len(values)-1]
			}
		}
		if len(fields) == 3 {
			for _, ct := range strings.Split(fields[2], ",") {
				if ct = strings.TrimSpace(ct); ct != "" {
					entry.ContentTypes = append(entry.ContentTypes, ct)
				}
			}
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyStorageConfig
	}

	defaultIdx := len(entries) - 1
	for i, e := range entries {
		if e.Name == "default" {
			defaultIdx = i
			break
		}
	}
	entries[defaultIdx].Default = true
	return entries, nil
}

// BuildAggregator constructs the multi-provider aggregator described by the
// parsed entries. The default entry is registered first so the aggregator
// writes through it. Every adapter is wrapped with per-operation tracing and
// debug logging; spans are no-ops until a global tracer is registered.
func BuildAggregator(ctx context.Context, entries []StorageEntry, indexPath string, l *zap.Logger) (*aggregate.Aggregator, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyStorageConfig
	}
	opts := []aggregate.Option{
		aggregate.IndexPath(indexPath),
		aggregate.Logger(l),
	}
	ordered := make([]StorageEntry, 0, len(entries))
	for _, e := range entries {
		if e.Default {
			ordered = append(ordered, e)
		}
	}
	for _, e := range entries {
		if !e.Default {
			ordered = append(ordered, e)
		}
	}
	for _, e := range ordered {
		adapter, err := buildAdapter(ctx, e)
		if err != nil {
			return nil, err
		}
		adapter = storage.Instrument(opentracing.GlobalTracer(), l, adapter)
		opts = append(opts, aggregate.Backend(e.Name, adapter))
	}
	return aggregate.New(opts...)
}

func buildAdapter(ctx context.Context, e StorageEntry) (storage.Adapter, error) {
	switch e.Kind {
	case "fs":
		root := e.URI.Path
		if root == "" {
			root = e.URI.Opaque
		}
		if root == "" {
			return nil, errors.Newf("fs storage entry %q: missing root path", e.Name)
		}
		return localfs.New(e.Name, afero.NewBasePathFs(afero.NewOsFs(), root)), nil

	case "s3":
		cfg := aws.NewConfig()
		if e.URI.Host != "" {
			scheme := e.URI.Scheme
			if scheme == "" {
				scheme = "https"
			}
			cfg = cfg.WithEndpoint(scheme + "://" + e.URI.Host)
		}
		if user := e.URI.User; user != nil {
			secret, _ := user.Password()
			cfg = cfg.WithCredentials(credentials.NewStaticCredentials(user.Username(), secret, ""))
		}
		if region := e.Params["region"]; region != "" {
			cfg = cfg.WithRegion(region)
		} else {
			cfg = cfg.WithRegion("us-east-1")
		}
		if cast.ToBool(e.Params["pathStyle"]) {
			cfg = cfg.WithS3ForcePathStyle(true)
		}
		return sthree.New(
			sthree.Name(e.Name),
			sthree.BucketPrefix(e.Params["bucketPrefix"]),
			sthree.AWSConfig(cfg),
		), nil

	case "gcs":
		gcsOpts := []gcs.Option{
			gcs.Name(e.Name),
			gcs.BucketPrefix(e.Params["bucketPrefix"]),
			gcs.Project(e.Params["project"]),
		}
		if cred := e.Params["credentials"]; cred != "" {
			gcsOpts = append(gcsOpts, gcs.Credential(cred))
		}
		return gcs.New(ctx, gcsOpts...)

	default:
		return nil, errors.Newf("unknown storage kind %q", e.Kind)
	}
}
