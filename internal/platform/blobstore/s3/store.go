// Package s3 implements blobstore.BlobStore on an S3-compatible bucket (AWS
// S3 or MinIO). Thumbnails are written under an optional key prefix.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/byluca/ct-medical-images/internal/platform/blobstore"
)

// Store is a single-bucket blob store.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// Config holds construction parameters. Credentials come from the default
// AWS chain (environment, shared config, instance role).
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional; set for MinIO and other S3-compatible servers
	Prefix    string
	PathStyle bool
}

// New creates an S3 blob store from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *Store) location(key string) string {
	return "s3://" + s.bucket + "/" + s.objectKey(key)
}

// Put uploads content, overwriting any object already stored under key.
func (s *Store) Put(ctx context.Context, meta blobstore.BlobMetadata, content io.Reader) (*blobstore.BlobMetadata, error) {
	data, err := blobstore.Prepare(&meta, content)
	if err != nil {
		return nil, err
	}

	objKey := s.objectKey(meta.Key)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &objKey,
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(meta.ContentType),
		ContentLength: aws.Int64(meta.Size),
		Metadata:      map[string]string{"sha256": meta.Hash},
	})
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", objKey, err)
	}
	meta.Location = s.location(meta.Key)
	return &meta, nil
}

func (s *Store) Download(ctx context.Context, key string) (io.ReadCloser, *blobstore.BlobMetadata, error) {
	if err := blobstore.ValidateKey(key); err != nil {
		return nil, nil, err
	}
	objKey := s.objectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &objKey})
	if err != nil {
		return nil, nil, mapErr(err)
	}
	meta := &blobstore.BlobMetadata{
		Key:         key,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		Hash:        out.Metadata["sha256"],
		Location:    s.location(key),
	}
	if out.LastModified != nil {
		meta.CreatedAt = out.LastModified.UTC()
	}
	return out.Body, meta, nil
}

func (s *Store) GetMetadata(ctx context.Context, key string) (*blobstore.BlobMetadata, error) {
	if err := blobstore.ValidateKey(key); err != nil {
		return nil, err
	}
	objKey := s.objectKey(key)
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &objKey})
	if err != nil {
		return nil, mapErr(err)
	}
	meta := &blobstore.BlobMetadata{
		Key:         key,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
		Hash:        out.Metadata["sha256"],
		Location:    s.location(key),
	}
	if out.LastModified != nil {
		meta.CreatedAt = out.LastModified.UTC()
	}
	return meta, nil
}

func mapErr(err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return blobstore.ErrBlobNotFound
	}
	return err
}
