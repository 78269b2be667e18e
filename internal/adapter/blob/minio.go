// Package blob issues presigned download URLs for converted files. The
// orchestrator never reads or writes objects itself; the processor uploads
// results and hands back the storage key.
package blob

import (
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/clipforge/orchestrator/internal/domain"
)

// MinioSigner implements domain.URLSigner on a MinIO/S3 bucket.
type MinioSigner struct {
	client         *minio.Client
	bucket         string
	presignTimeout time.Duration
}

// NewMinioSigner dials the blob store endpoint.
func NewMinioSigner(endpoint, accessKey, secretKey, bucket string, useSSL bool, presignTimeout time.Duration) (*MinioSigner, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("op=blob.NewMinioSigner: %w", err)
	}
	return &MinioSigner{client: client, bucket: bucket, presignTimeout: presignTimeout}, nil
}

// SignedURL returns a time-bounded GET URL for the object at storageKey.
func (s *MinioSigner) SignedURL(ctx domain.Context, storageKey string, ttl time.Duration) (string, error) {
	ctx, cancel := withTimeout(ctx, s.presignTimeout)
	defer cancel()

	reqParams := make(url.Values)
	u, err := s.client.PresignedGetObject(ctx, s.bucket, storageKey, ttl, reqParams)
	if err != nil {
		return "", fmt.Errorf("op=blob.SignedURL key=%s: %w: %v", storageKey, domain.NewError(domain.KindStorageReadFailed), err)
	}
	return u.String(), nil
}
