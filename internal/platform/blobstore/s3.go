package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds construction parameters for an S3-compatible backend
// (AWS S3 or MinIO). Credentials come from the default AWS chain.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3API is the subset of the S3 client used by S3BlobStore.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3BlobStore stores payloads as objects in a single bucket, keyed by
// BlobMetadata.Key. Metadata travels as object user metadata.
type S3BlobStore struct {
	client S3API
	bucket string
}

// NewS3BlobStore loads the default AWS configuration and builds a store.
func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
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
	return NewS3BlobStoreWithClient(client, cfg.Bucket), nil
}

// NewS3BlobStoreWithClient wraps an existing client, mainly for tests.
func NewS3BlobStoreWithClient(client S3API, bucket string) *S3BlobStore {
	return &S3BlobStore{client: client, bucket: bucket}
}

const (
	metaFileName  = "file-name"
	metaKind      = "kind"
	metaHash      = "sha256"
	metaCreatedBy = "created-by"
	metaCreatedAt = "created-at"
	metaSize      = "size"
)

func (s *S3BlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if meta.FileName == "" {
		return nil, ErrMissingFileName
	}
	data, hash, err := readBounded(content)
	if err != nil {
		return nil, err
	}
	meta = prepare(meta, data, hash)

	userMeta := map[string]string{
		metaFileName:  meta.FileName,
		metaKind:      meta.Kind,
		metaHash:      meta.Hash,
		metaCreatedBy: meta.CreatedBy,
		metaCreatedAt: meta.CreatedAt.Format(time.RFC3339),
		metaSize:      strconv.FormatInt(meta.Size, 10),
	}
	for k, v := range meta.Tags {
		userMeta["tag-"+k] = v
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(meta.Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(meta.ContentType),
		Metadata:    userMeta,
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", meta.Key, err)
	}

	out := meta
	return &out, nil
}

func (s *S3BlobStore) Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, metadataFromObject(key, out), nil
}

func metadataFromObject(key string, out *s3.GetObjectOutput) *BlobMetadata {
	meta := &BlobMetadata{
		Key:         key,
		ContentType: aws.ToString(out.ContentType),
		Tags:        make(map[string]string),
	}
	if out.ContentLength != nil {
		meta.Size = *out.ContentLength
	}
	for k, v := range out.Metadata {
		switch k {
		case metaFileName:
			meta.FileName = v
		case metaKind:
			meta.Kind = v
		case metaHash:
			meta.Hash = v
		case metaCreatedBy:
			meta.CreatedBy = v
		case metaCreatedAt:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				meta.CreatedAt = t
			}
		case metaSize:
		default:
			if len(k) > 4 && k[:4] == "tag-" {
				meta.Tags[k[4:]] = v
			}
		}
	}
	if meta.CreatedAt.IsZero() && out.LastModified != nil {
		meta.CreatedAt = *out.LastModified
	}
	return meta
}

func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *S3BlobStore) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	return nil
}
