// Package s3store provides a BlobStorage implementation backed by S3 or an
// S3-compatible object store. Blob expiry is left to bucket lifecycle rules.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/haukened/segvault/internal/domain"
	"github.com/haukened/segvault/internal/store"
)

var _ store.BlobStorage = (*BlobStore)(nil)

// Config describes the bucket and credentials. Empty credentials fall back
// to the default AWS provider chain.
type Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ForcePathStyle  bool
	KMSKeyARN       string
}

type awsS3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// BlobStore implements store.BlobStorage on an S3 bucket.
type BlobStore struct {
	bucket string
	prefix string
	kmsKey string
	api    awsS3API
}

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3 region required")
	}
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newWithAPI(cfg, client), nil
}

func newWithAPI(cfg Config, api awsS3API) *BlobStore {
	return &BlobStore{bucket: cfg.Bucket, prefix: cfg.Prefix, kmsKey: cfg.KMSKeyARN, api: api}
}

func (b *BlobStore) objectKey(name string) (string, error) {
	if _, err := domain.ParseBlobName(name); err != nil {
		return "", fmt.Errorf("blob %q: %w", name, err)
	}
	return b.prefix + name, nil
}

// Upload puts data under name, replacing any previous object.
func (b *BlobStore) Upload(ctx context.Context, name string, data []byte) error {
	key, err := b.objectKey(name)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if b.kmsKey != "" {
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(b.kmsKey)
	}
	if _, err := b.api.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Download fetches the whole object.
func (b *BlobStore) Download(ctx context.Context, name string) ([]byte, error) {
	return b.get(ctx, name, nil)
}

// ReadRange fetches bytes [start, end] inclusive with an HTTP Range request.
func (b *BlobStore) ReadRange(ctx context.Context, name string, start, end int64) ([]byte, error) {
	if end < start {
		if _, err := b.objectKey(name); err != nil {
			return nil, err
		}
		return []byte{}, nil
	}
	rng := fmt.Sprintf("bytes=%d-%d", start, end)
	data, err := b.get(ctx, name, &rng)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != end-start+1 {
		return nil, fmt.Errorf("range [%d,%d] of %s returned %d bytes: %w", start, end, name, len(data), io.ErrUnexpectedEOF)
	}
	return data, nil
}

func (b *BlobStore) get(ctx context.Context, name string, rng *string) ([]byte, error) {
	key, err := b.objectKey(name)
	if err != nil {
		return nil, err
	}
	resp, err := b.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  rng,
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("get object %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", key, err)
	}
	return data, nil
}
