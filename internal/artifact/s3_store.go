package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// S3Store is the durable artifact store backend. Objects are keyed by content
// checksum so stored artifacts are immutable; metadata records (including the
// per-name latest pointers) live under a separate prefix.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *logging.Logger
}

// S3StoreConfig holds the configuration for S3Store
type S3StoreConfig struct {
	Bucket   string `json:"bucket"`
	Region   string `json:"region"`
	Prefix   string `json:"prefix,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // For LocalStack or custom endpoints
	// AWS credentials come from IAM roles, instance profiles, or environment
}

type artifactMetadata struct {
	Artifact  interfaces.TestArtifact `json:"artifact"`
	StoredAt  time.Time               `json:"stored_at"`
	ObjectKey string                  `json:"object_key"`
}

// NewS3Store creates a new S3-backed artifact store
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}

	awsCfg, err := loadAWSConfigForEndpoint(cfg.Region, cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	store := &S3Store{
		client: createS3Client(awsCfg, cfg.Endpoint),
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		logger: logging.NewLogger("artifact-s3"),
	}

	if err := store.initializeBucket(ctx, cfg.Region); err != nil {
		return nil, fmt.Errorf("failed to initialize S3 bucket: %w", err)
	}

	return store, nil
}

// initializeBucket sets up the S3 bucket
func (s *S3Store) initializeBucket(ctx context.Context, region string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}

	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) || strings.Contains(err.Error(), "NotFound") {
		input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
		// us-east-1 rejects an explicit location constraint
		if region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(region),
			}
		}
		if _, err := s.client.CreateBucket(ctx, input); err != nil {
			return fmt.Errorf("failed to create S3 bucket %s: %w", s.bucket, err)
		}
		return nil
	}
	return fmt.Errorf("failed to access S3 bucket %s: %w", s.bucket, err)
}

func (s *S3Store) contentKey(checksum string) string {
	return s.join("content", checksum)
}

func (s *S3Store) metadataKey(artifactID string) string {
	return s.join("meta", artifactID+".json")
}

func (s *S3Store) latestKey(name string) string {
	return s.join("latest", name)
}

func (s *S3Store) join(parts ...string) string {
	key := strings.Join(parts, "/")
	if s.prefix != "" {
		return s.prefix + "/" + key
	}
	return key
}

// Store persists an artifact addressed by checksum. A second store of the
// same content returns the existing ID without writing the object again.
func (s *S3Store) Store(ctx context.Context, a *interfaces.TestArtifact) (string, error) {
	if a == nil {
		return "", fmt.Errorf("artifact is nil")
	}
	if a.Checksum == "" {
		a.Checksum = interfaces.ComputeChecksum(a.Content)
	} else if err := a.VerifyChecksum(); err != nil {
		return "", err
	}

	// Content-address dedup: an existing object means an existing artifact
	if existing, err := s.lookupByChecksum(ctx, a.Checksum); err == nil {
		return existing, nil
	}

	id := a.ID
	if id == "" {
		id = a.Checksum
	}

	contentKey := s.contentKey(a.Checksum)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(contentKey),
		Body:        bytes.NewReader(a.Content),
		IfNoneMatch: aws.String("*"), // concurrent identical stores collapse into one write
		Metadata:    map[string]string{"artifact-id": id},
	})
	if err != nil && !isPreconditionFailed(err) {
		return "", fmt.Errorf("failed to store artifact content: %w", err)
	}

	meta := artifactMetadata{
		Artifact:  *a,
		StoredAt:  time.Now(),
		ObjectKey: contentKey,
	}
	meta.Artifact.ID = id
	meta.Artifact.Content = nil // content lives under the content key

	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metadataKey(id)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store artifact metadata: %w", err)
	}

	if err := s.SetLatest(a.Name, id); err != nil {
		s.logger.Warnf("failed to update latest pointer for %s: %v", a.Name, err)
	}

	return id, nil
}

// Fetch returns the stored artifact or a NotFoundError
func (s *S3Store) Fetch(ctx context.Context, artifactID string) (*interfaces.TestArtifact, error) {
	meta, err := s.fetchMetadata(ctx, artifactID)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(meta.ObjectKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, &NotFoundError{ArtifactID: artifactID}
		}
		return nil, fmt.Errorf("failed to fetch artifact content: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact content: %w", err)
	}

	a := meta.Artifact
	a.Content = content
	if err := a.VerifyChecksum(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Resolve topologically sorts the requested artifacts by depends_on
func (s *S3Store) Resolve(ctx context.Context, artifactIDs []string) ([]*interfaces.TestArtifact, error) {
	dependsOn := make(map[string][]string, len(artifactIDs))
	fetched := make(map[string]*interfaces.TestArtifact, len(artifactIDs))

	for _, id := range artifactIDs {
		a, err := s.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		dependsOn[id] = a.DependsOn
		fetched[id] = a
	}

	order, err := topologicalOrder(artifactIDs, dependsOn)
	if err != nil {
		return nil, err
	}

	result := make([]*interfaces.TestArtifact, 0, len(artifactIDs))
	for _, id := range order {
		if a, ok := fetched[id]; ok {
			result = append(result, a)
		}
	}
	return result, nil
}

// Distribute transfers one artifact to a destination, re-verifying the
// checksum immediately before transfer
func (s *S3Store) Distribute(ctx context.Context, a *interfaces.TestArtifact, dest interfaces.ArtifactDestination) error {
	if a == nil {
		return fmt.Errorf("artifact is nil")
	}
	if err := a.VerifyChecksum(); err != nil {
		return err
	}
	mode, err := a.FileMode()
	if err != nil {
		return err
	}
	if err := dest.Upload(ctx, a.Content, a.TargetPath, mode); err != nil {
		return fmt.Errorf("failed to distribute artifact %s: %w", a.ID, err)
	}
	return nil
}

// SetLatest moves the logical latest pointer for a name
func (s *S3Store) SetLatest(name, artifactID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.latestKey(name)),
		Body:   strings.NewReader(artifactID),
	})
	if err != nil {
		return fmt.Errorf("failed to update latest pointer: %w", err)
	}
	return nil
}

// Latest resolves the latest pointer for a name
func (s *S3Store) Latest(name string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.latestKey(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return "", &NotFoundError{ArtifactID: name}
		}
		return "", fmt.Errorf("failed to read latest pointer: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	id, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read latest pointer: %w", err)
	}
	return string(id), nil
}

func (s *S3Store) lookupByChecksum(ctx context.Context, checksum string) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.contentKey(checksum)),
	})
	if err != nil {
		return "", err
	}
	if id, ok := out.Metadata["artifact-id"]; ok && id != "" {
		return id, nil
	}
	return checksum, nil
}

func (s *S3Store) fetchMetadata(ctx context.Context, artifactID string) (*artifactMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metadataKey(artifactID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, &NotFoundError{ArtifactID: artifactID}
		}
		return nil, fmt.Errorf("failed to fetch artifact metadata: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	var meta artifactMetadata
	if err := json.NewDecoder(out.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode artifact metadata: %w", err)
	}
	return &meta, nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	return errors.As(err, &noKey) || strings.Contains(err.Error(), "NotFound") ||
		strings.Contains(err.Error(), "NoSuchKey")
}

func isPreconditionFailed(err error) bool {
	return strings.Contains(err.Error(), "PreconditionFailed")
}
