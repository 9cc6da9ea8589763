// Copyright © 2025 Tessera Systems

package sthree

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/storage"
)

const pageSize = 1000

// Option alters the configuration of an S3 adapter.
type Option func(*s3FS)

// Name sets the registered provider name reported in blob infos.
func Name(name string) Option {
	return func(fs *s3FS) {
		fs.name = name
	}
}

// BucketPrefix prepends a fixed prefix to the per-workspace bucket name.
func BucketPrefix(prefix string) Option {
	return func(fs *s3FS) {
		fs.bucketPrefix = prefix
	}
}

// AWSConfig overrides the AWS client configuration. Point Endpoint at a
// MinIO or other S3-compatible server together with S3ForcePathStyle.
func AWSConfig(cfg *aws.Config) Option {
	return func(fs *s3FS) {
		fs.awsConfig = cfg
	}
}

// New builds an S3 backed storage adapter.
func New(options ...Option) storage.Adapter {
	fs := new(s3FS)
	for _, apply := range options {
		apply(fs)
	}
	fs.s3 = s3.New(session.Must(session.NewSession(fs.awsConfig)))
	fs.uploader = s3manager.NewUploaderWithClient(fs.s3)
	return fs
}

type s3FS struct {
	name         string
	bucketPrefix string
	awsConfig    *aws.Config
	s3           *s3.S3
	uploader     *s3manager.Uploader
}

func (s *s3FS) String() string {
	return "s3://" + s.bucketPrefix
}

func (s *s3FS) bucket(ws model.WorkspaceID) string {
	// bucket names must be lowercase
	return strings.ToLower(s.bucketPrefix + string(ws))
}

func (s *s3FS) Exists(ctx context.Context, ws model.WorkspaceID) (bool, error) {
	_, err := s.s3.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket(ws)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head bucket: %v", err)
	}
	return true, nil
}

func (s *s3FS) Make(ctx context.Context, ws model.WorkspaceID) error {
	_, err := s.s3.CreateBucketWithContext(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket(ws)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeBucketAlreadyOwnedByYou, s3.ErrCodeBucketAlreadyExists:
				return nil
			}
		}
		return err
	}
	return nil
}

func (s *s3FS) DeleteBucket(ctx context.Context, ws model.WorkspaceID) error {
	it, err := s.List(ctx, ws)
	if err != nil {
		return err
	}
	for {
		batch, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		ids := make([]string, 0, len(batch))
		for _, info := range batch {
			ids = append(ids, info.ID)
		}
		if err = s.Remove(ctx, ws, ids); err != nil {
			return err
		}
	}
	_, err = s.s3.DeleteBucketWithContext(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(s.bucket(ws)),
	})
	return err
}

func (s *s3FS) Stat(ctx context.Context, ws model.WorkspaceID, id string) (*model.BlobInfo, error) {
	head, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket(ws)),
		Key:    aws.String(id),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get head request: %v", err)
	}
	info := &model.BlobInfo{
		ID:          id,
		Size:        aws.Int64Value(head.ContentLength),
		ETag:        strings.Trim(aws.StringValue(head.ETag), `"`),
		ContentType: aws.StringValue(head.ContentType),
		Provider:    s.name,
	}
	if head.VersionId != nil {
		info.Version = *head.VersionId
	}
	if head.LastModified != nil {
		info.LastModified = *head.LastModified
	}
	return info, nil
}

func (s *s3FS) Get(ctx context.Context, ws model.WorkspaceID, id string) (io.ReadCloser, error) {
	obj, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket(ws)),
		Key:    aws.String(id),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return obj.Body, nil
}

func (s *s3FS) Partial(ctx context.Context, ws model.WorkspaceID, id string, offset, length int64) (io.ReadCloser, error) {
	rng := fmt.Sprintf("bytes=%d-", offset)
	if length >= 0 {
		rng = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
	obj, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket(ws)),
		Key:    aws.String(id),
		Range:  aws.String(rng),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return obj.Body, nil
}

func (s *s3FS) Put(ctx context.Context, ws model.WorkspaceID, id string, rdr io.Reader, contentType string, size int64) (*model.BlobInfo, error) {
	input := &s3manager.UploadInput{
		Bucket: aws.String(s.bucket(ws)),
		Key:    aws.String(id),
		Body:   rdr,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return nil, err
	}
	return s.Stat(ctx, ws, id)
}

func (s *s3FS) Remove(ctx context.Context, ws model.WorkspaceID, ids []string) error {
	for len(ids) > 0 {
		n := len(ids)
		if n > pageSize {
			n = pageSize
		}
		objects := make([]*s3.ObjectIdentifier, 0, n)
		for _, id := range ids[:n] {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(id)})
		}
		_, err := s.s3.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket(ws)),
			Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		ids = ids[n:]
	}
	return nil
}

func (s *s3FS) List(ctx context.Context, ws model.WorkspaceID) (storage.BlobIterator, error) {
	return &s3Iterator{fs: s, ws: ws}, nil
}

type s3Iterator struct {
	fs    *s3FS
	ws    model.WorkspaceID
	token *string
	done  bool
}

func (it *s3Iterator) Next(ctx context.Context) ([]*model.BlobInfo, error) {
	if it.done {
		return nil, nil
	}
	out, err := it.fs.s3.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:            aws.String(it.fs.bucket(it.ws)),
		MaxKeys:           aws.Int64(pageSize),
		ContinuationToken: it.token,
	})
	if err != nil {
		return nil, err
	}
	batch := make([]*model.BlobInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		info := &model.BlobInfo{
			ID:       aws.StringValue(obj.Key),
			Size:     aws.Int64Value(obj.Size),
			ETag:     strings.Trim(aws.StringValue(obj.ETag), `"`),
			Provider: it.fs.name,
		}
		if obj.LastModified != nil {
			info.LastModified = *obj.LastModified
		}
		batch = append(batch, info)
	}
	if aws.BoolValue(out.IsTruncated) {
		it.token = out.NextContinuationToken
	} else {
		it.done = true
	}
	if len(batch) == 0 && it.done {
		return nil, nil
	}
	return batch, nil
}

func (it *s3Iterator) Close(ctx context.Context) error {
	it.done = true
	return nil
}

func isNotFound(err error) bool {
	if rerr, ok := err.(awserr.RequestFailure); ok {
		return rerr.StatusCode() == 404
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return true
		}
	}
	return false
}
