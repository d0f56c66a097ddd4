// Package artifact accesses the object store holding persisted model
// artifacts and archived training logs.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/trainwatch-labs/trainwatch-go/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("TRAINWATCH_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("TRAINWATCH_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("TRAINWATCH_MINIO_ACCESS_KEY", "trainwatch"),
		SecretKey: env.String("TRAINWATCH_MINIO_SECRET_KEY", "trainwatchminio"),
		Region:    env.String("TRAINWATCH_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("TRAINWATCH_MINIO_BUCKET", "models"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// Store wraps the MinIO client for the model artifact bucket.
type Store struct {
	client *minio.Client
	bucket string
}

func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the artifact bucket when missing.
func (s *Store) EnsureBucket(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("artifact store not initialized")
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

// Ping verifies the bucket is reachable, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("artifact store not initialized")
	}
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	return nil
}

// StatModel returns the stored size of a persisted model artifact, used to
// cross-check the size the training process reported at the Persist step.
func (s *Store) StatModel(ctx context.Context, jobID string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("artifact store not initialized")
	}
	info, err := s.client.StatObject(ctx, s.bucket, modelKey(jobID), minio.StatObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("stat model artifact: %w", err)
	}
	return info.Size, nil
}

// ArchiveLog uploads a finished job's training log next to its artifact.
func (s *Store) ArchiveLog(ctx context.Context, jobID, logPath string) error {
	if s == nil || s.client == nil {
		return errors.New("artifact store not initialized")
	}
	f, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("open train log: %w", err)
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat train log: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, logKey(jobID), f, stat.Size(), minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return fmt.Errorf("upload train log: %w", err)
	}
	return nil
}

func modelKey(jobID string) string {
	return path.Join("jobs", jobID, "model.pkl")
}

func logKey(jobID string) string {
	return path.Join("jobs", jobID, fmt.Sprintf("train-%s.log", time.Now().UTC().Format("20060102")))
}
