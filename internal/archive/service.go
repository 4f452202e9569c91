// Package archive stores finished audit exports in S3-compatible object
// storage and hands out signed URLs for retrieving them.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/quorumhq/quorum/internal/audit"
)

// Validation errors
var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	ErrEmptyExport       = errors.New("export is empty")
	ErrInvalidPartition  = errors.New("invalid partition name")
)

// formatExtensions maps export formats to their file extensions.
var formatExtensions = map[audit.ExportFormat]string{
	audit.ExportFormatCSV:  ".csv",
	audit.ExportFormatJSON: ".json",
}

// formatContentTypes maps export formats to their MIME types.
var formatContentTypes = map[audit.ExportFormat]string{
	audit.ExportFormatCSV:  "text/csv",
	audit.ExportFormatJSON: "application/json",
}

// StoredExport describes an export that was written to the bucket.
type StoredExport struct {
	Key         string    `json:"key"`          // Object key in the bucket
	SizeBytes   int64     `json:"size_bytes"`   // Size of the stored object
	ContentType string    `json:"content_type"` // MIME type of the stored object
	StoredAt    time.Time `json:"stored_at"`    // When the object was written
}

// SignedFetchResponse contains a signed GET URL and its expiry.
type SignedFetchResponse struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service writes audit exports to an S3-compatible bucket.
type Service struct {
	s3Client      *s3.Client
	presignClient *s3.PresignClient
	bucketName    string
	urlExpiry     time.Duration
	timeNow       func() time.Time // For testability
}

// ServiceConfig holds configuration for the archive service.
type ServiceConfig struct {
	BucketName       string
	AccessKeyID      string
	SecretAccessKey  string
	Endpoint         string
	URLExpiryMinutes int // Default: 15 minutes
}

// NewService creates a new archive service with the given configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	if cfg.URLExpiryMinutes <= 0 {
		cfg.URLExpiryMinutes = 15
	}

	// S3-compatible stores like R2 want path-style addressing and a fixed
	// endpoint instead of region discovery.
	s3Client := s3.New(s3.Options{
		Region: "auto",
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})

	presignClient := s3.NewPresignClient(s3Client)

	return &Service{
		s3Client:      s3Client,
		presignClient: presignClient,
		bucketName:    cfg.BucketName,
		urlExpiry:     time.Duration(cfg.URLExpiryMinutes) * time.Minute,
		timeNow:       time.Now,
	}, nil
}

// ContentTypeForFormat returns the MIME type for an export format.
func ContentTypeForFormat(format audit.ExportFormat) (string, error) {
	ct, ok := formatContentTypes[format]
	if !ok {
		return "", ErrUnsupportedFormat
	}
	return ct, nil
}

// GenerateObjectKey creates a unique object key for an export.
// Pattern: exports/{partition}/{timestamp}-{uuid}.{ext}
func GenerateObjectKey(partition string, format audit.ExportFormat, at time.Time) (string, error) {
	ext, ok := formatExtensions[format]
	if !ok {
		return "", ErrUnsupportedFormat
	}

	sanitized := sanitizePathComponent(partition)
	if sanitized == "" {
		return "", ErrInvalidPartition
	}

	key := fmt.Sprintf("exports/%s/%s-%s%s",
		sanitized,
		at.UTC().Format("20060102T150405Z"),
		uuid.New().String(),
		ext,
	)
	return key, nil
}

// sanitizePathComponent removes potentially dangerous characters from path components.
func sanitizePathComponent(s string) string {
	// Only allow alphanumeric, hyphens, and underscores
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Store writes an export to the bucket and returns its key and metadata.
func (s *Service) Store(ctx context.Context, partition string, format audit.ExportFormat, data []byte) (*StoredExport, error) {
	if len(data) == 0 {
		return nil, ErrEmptyExport
	}

	contentType, err := ContentTypeForFormat(format)
	if err != nil {
		return nil, err
	}

	storedAt := s.timeNow().UTC()
	key, err := GenerateObjectKey(partition, format, storedAt)
	if err != nil {
		return nil, err
	}

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store export: %w", err)
	}

	return &StoredExport{
		Key:         key,
		SizeBytes:   int64(len(data)),
		ContentType: contentType,
		StoredAt:    storedAt,
	}, nil
}

// SignedFetchURL generates a pre-signed GET URL for a stored export.
func (s *Service) SignedFetchURL(ctx context.Context, key string) (*SignedFetchResponse, error) {
	if key == "" {
		return nil, errors.New("object key is required")
	}

	presignedReq, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.urlExpiry
	})
	if err != nil {
		return nil, fmt.Errorf("failed to presign request: %w", err)
	}

	return &SignedFetchResponse{
		URL:       presignedReq.URL,
		Key:       key,
		ExpiresAt: s.timeNow().Add(s.urlExpiry),
	}, nil
}

// GetBucketName returns the bucket name used by the service.
func (s *Service) GetBucketName() string {
	return s.bucketName
}
