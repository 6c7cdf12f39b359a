package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// BlobWriter stores transcript documents and returns where they were written.
type BlobWriter interface {
	PutDocument(ctx context.Context, path string, body []byte) (string, error)
}

// S3Client abstracts the S3 API operations used by [S3Blobs].
// The [s3.Client] type satisfies this interface.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Blobs writes transcript documents to Amazon S3 or any S3-compatible
// object store.
//
// Paths are mapped to object keys under an optional prefix. Returned
// locations are s3://bucket/key, or baseURL/key when a public base URL is
// configured.
type S3Blobs struct {
	client  S3Client
	bucket  string
	prefix  string
	baseURL string
}

var _ BlobWriter = (*S3Blobs)(nil)

// NewS3Blobs creates an S3-backed [BlobWriter]. The client should be
// pre-configured (credentials, region, endpoint). Pass "" for no prefix or
// base URL.
func NewS3Blobs(client S3Client, bucket, prefix, baseURL string) *S3Blobs {
	return &S3Blobs{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (b *S3Blobs) key(path string) string {
	if b.prefix == "" {
		return path
	}
	return b.prefix + "/" + path
}

// PutDocument uploads body as a JSON object at path, replacing any previous
// version.
func (b *S3Blobs) PutDocument(ctx context.Context, path string, body []byte) (string, error) {
	key := b.key(path)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("s3 blobs: put %s: %s: %w", key, apiErr.ErrorCode(), err)
		}
		return "", fmt.Errorf("s3 blobs: put %s: %w", key, err)
	}
	if b.baseURL != "" {
		return b.baseURL + "/" + key, nil
	}
	return "s3://" + b.bucket + "/" + key, nil
}
