// Package archive stores closed conversation transcripts outside the cache.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/example/convsim/internal/model"
)

// Archiver persists a closed conversation and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, conv *model.Conversation) (string, error)
}

type Noop struct{}

func (Noop) Archive(context.Context, *model.Conversation) (string, error) { return "", nil }

func objectName(conv *model.Conversation) string {
	return fmt.Sprintf("%s/%s/transcript.json", conv.TaskID, conv.ConversationID)
}

type Local struct {
	Root string
}

func (l Local) Archive(_ context.Context, conv *model.Conversation) (string, error) {
	path := filepath.Join(l.Root, filepath.FromSlash(objectName(conv)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", err
	}
	return "file://" + path, nil
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinIO struct {
	client *minio.Client
	bucket string
}

func NewMinIO(cfg MinIOConfig) (*MinIO, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("minio endpoint is required when archive backend is minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "convsim-transcripts"
	}
	return &MinIO{client: client, bucket: bucket}, nil
}

func (m *MinIO) Archive(ctx context.Context, conv *model.Conversation) (string, error) {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", err
		}
	}
	b, err := json.Marshal(conv)
	if err != nil {
		return "", err
	}
	name := objectName(conv)
	_, err = m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(b), int64(len(b)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", err
	}
	return "s3://" + m.bucket + "/" + name, nil
}
