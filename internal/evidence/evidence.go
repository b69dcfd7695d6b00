// Package evidence archives claim evidence before it is sent to an oracle.
// Objects land at <prefix>YYYY/MM/DD/<claimID>.json; the returned URI is
// what the oracle receives alongside the content hash.
package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var (
	ErrNoBucket      = errors.New("evidence: bucket required")
	ErrEmptyEvidence = errors.New("evidence: nothing to archive")
	ErrNotFound      = errors.New("evidence: object not found")
)

// Uploader is the subset of manager.Uploader the archiver needs.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes evidence objects to S3 with SSE-S3 encryption.
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader Uploader
	now      func() time.Time
}

// NewS3Archiver loads AWS credentials from the environment (AWS_REGION,
// AWS_PROFILE, AWS_ACCESS_KEY_ID...) and returns an archiver for bucket.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, ErrNoBucket
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3ArchiverWithUploader(bucket, prefix, manager.NewUploader(s3.NewFromConfig(cfg))), nil
}

// NewS3ArchiverWithUploader builds an archiver around an existing uploader.
func NewS3ArchiverWithUploader(bucket, prefix string, u Uploader) *S3Archiver {
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: u, now: time.Now}
}

// WithClock replaces the time source used for object keys.
func (a *S3Archiver) WithClock(now func() time.Time) *S3Archiver {
	a.now = now
	return a
}

// Archive uploads evidence for claimID and returns its s3:// URI.
func (a *S3Archiver) Archive(ctx context.Context, claimID string, evidence []byte) (string, error) {
	if len(evidence) == 0 {
		return "", ErrEmptyEvidence
	}
	key := objectKey(a.prefix, claimID, a.now().UTC())
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(evidence),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}

func objectKey(prefix, claimID string, ts time.Time) string {
	year, month, day := ts.Date()
	return path.Join(prefix,
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		claimID+".json",
	)
}

// MemoryArchiver keeps evidence in process. Used in development and tests.
type MemoryArchiver struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryArchiver creates an empty in-memory archive.
func NewMemoryArchiver() *MemoryArchiver {
	return &MemoryArchiver{objects: make(map[string][]byte)}
}

func (a *MemoryArchiver) Archive(_ context.Context, claimID string, evidence []byte) (string, error) {
	if len(evidence) == 0 {
		return "", ErrEmptyEvidence
	}
	uri := "memory://claims/" + claimID + ".json"
	a.mu.Lock()
	a.objects[uri] = append([]byte(nil), evidence...)
	a.mu.Unlock()
	return uri, nil
}

// Get returns a copy of the object stored at uri.
func (a *MemoryArchiver) Get(uri string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.objects[uri]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}
