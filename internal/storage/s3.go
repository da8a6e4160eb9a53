package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// NewS3Client creates a client for an S3-compatible endpoint.
func NewS3Client(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client for %s: %w", endpoint, err)
	}
	return client, nil
}

// S3Backend stores objects in one bucket, named by the pool path.
type S3Backend struct {
	client *minio.Client
	bucket string
}

// NewS3Backend creates a backend for bucket.
func NewS3Backend(client *minio.Client, bucket string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket}
}

// Write uploads data in a single PUT.
func (b *S3Backend) Write(ctx context.Context, name string, data []byte) error {
	key, err := cleanName(name)
	if err != nil {
		return err
	}
	_, err = b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType(key)})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

// Open issues a GET, ranged when rng is set.
func (b *S3Backend) Open(ctx context.Context, name string, rng *ByteRange) (io.ReadCloser, error) {
	key, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	opts := minio.GetObjectOptions{}
	if rng != nil {
		if err := opts.SetRange(rng.Start, rng.End); err != nil {
			return nil, fmt.Errorf("setting range on s3://%s/%s: %w", b.bucket, key, err)
		}
	}
	obj, err := b.client.GetObject(ctx, b.bucket, key, opts)
	if err != nil {
		return nil, b.mapErr(err, "getting", key)
	}
	return obj, nil
}

// Stat issues a HEAD.
func (b *S3Backend) Stat(ctx context.Context, name string) (ObjectInfo, error) {
	key, err := cleanName(name)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, b.mapErr(err, "stat", key)
	}
	return ObjectInfo{Size: info.Size, ModTime: info.LastModified, ContentType: info.ContentType}, nil
}

// Delete removes the object.
func (b *S3Backend) Delete(ctx context.Context, name string) error {
	key, err := cleanName(name)
	if err != nil {
		return err
	}
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return b.mapErr(err, "removing", key)
	}
	return nil
}

// Walk lists every object in the bucket.
func (b *S3Backend) Walk(ctx context.Context) (Usage, error) {
	var u Usage
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return Usage{}, fmt.Errorf("listing s3://%s: %w", b.bucket, obj.Err)
		}
		u.Files++
		u.Bytes += obj.Size
	}
	return u, nil
}

func (b *S3Backend) mapErr(err error, op, key string) error {
	if code := minio.ToErrorResponse(err).Code; code == "NoSuchKey" || code == "NotFound" {
		return fmt.Errorf("%w: s3://%s/%s", ErrNotFound, b.bucket, key)
	}
	return fmt.Errorf("%s s3://%s/%s: %w", op, b.bucket, key, err)
}
