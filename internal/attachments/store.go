// Package attachments keeps inbound attachments in object storage so drafts
// can reference them by key until they are dispatched.
package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"smart-ticket-relay-go/internal/config"
)

// ErrDisabled is returned by the disabled store
var ErrDisabled = errors.New("attachment storage is disabled")

// Object is a stored attachment
type Object struct {
	Ref         string
	Filename    string
	ContentType string
	Data        []byte
}

// Store saves and loads attachments
type Store interface {
	Put(ctx context.Context, ticketNumber, filename, contentType string, data []byte) (string, error)
	Get(ctx context.Context, ref string) (*Object, error)
}

// New returns the configured store: MinIO when enabled, otherwise a store
// that refuses every write
func New(ctx context.Context, cfg config.AttachmentsConfig) (Store, error) {
	if !cfg.Enabled {
		return Disabled{}, nil
	}
	return NewMinioStore(ctx, cfg)
}

// Key builds the object key <ticket>/<uuid>/<filename>
func Key(ticketNumber, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "attachment"
	}
	return fmt.Sprintf("%s/%s/%s", ticketNumber, uuid.NewString(), name)
}

// MinioStore stores attachments in an S3-compatible bucket
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the endpoint and creates the bucket if needed
func NewMinioStore(ctx context.Context, cfg config.AttachmentsConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		logrus.Infof("Created attachment bucket %s", cfg.Bucket)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads data and returns its object key
func (s *MinioStore) Put(ctx context.Context, ticketNumber, filename, contentType string, data []byte) (string, error) {
	key := Key(ticketNumber, filename)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload attachment %s: %w", filename, err)
	}
	return key, nil
}

// Get downloads the object stored under ref
func (s *MinioStore) Get(ctx context.Context, ref string) (*Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment %s: %w", ref, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat attachment %s: %w", ref, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment %s: %w", ref, err)
	}
	return &Object{Ref: ref, Filename: path.Base(ref), ContentType: info.ContentType, Data: data}, nil
}

// Disabled drops attachments
type Disabled struct{}

func (Disabled) Put(context.Context, string, string, string, []byte) (string, error) {
	return "", ErrDisabled
}

func (Disabled) Get(_ context.Context, ref string) (*Object, error) {
	return nil, fmt.Errorf("%w: %s", ErrDisabled, ref)
}

// MemoryStore keeps attachments in memory. Used by tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]Object
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

func (s *MemoryStore) Put(_ context.Context, ticketNumber, filename, contentType string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(ticketNumber, filename)
	s.objects[key] = Object{Ref: key, Filename: path.Base(key), ContentType: contentType, Data: append([]byte(nil), data...)}
	return key, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) (*Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[ref]
	if !ok {
		return nil, fmt.Errorf("attachment %s not found", ref)
	}
	return &obj, nil
}
