package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectPutter is the subset of *minio.Client the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// archivedBatch is the object body: the closed batch plus the event it produced.
type archivedBatch struct {
	Batch *domain.Batch `json:"batch"`
	Event *domain.Event `json:"event,omitempty"`
}

// BatchArchive stores every closed batch as a JSON object under
// <camera>/<yyyy>/<mm>/<dd>/<batch id>.json.
type BatchArchive struct {
	client ObjectPutter
	bucket string
	logger *slog.Logger
}

func NewBatchArchive(client ObjectPutter, bucket string, logger *slog.Logger) *BatchArchive {
	return &BatchArchive{client: client, bucket: bucket, logger: logger}
}

// DialMinIO connects and makes sure the bucket exists.
func DialMinIO(ctx context.Context, cfg Config, logger *slog.Logger) (*BatchArchive, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio: access key and secret key are required")
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, errExists := cli.BucketExists(ctx, cfg.Bucket)
		if errExists != nil || !exists {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	logger.Info("batch archive connected", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return NewBatchArchive(cli, cfg.Bucket, logger), nil
}

func ObjectKey(b *domain.Batch) string {
	return fmt.Sprintf("%s/%s/%s.json", b.CameraID, b.OpenedAt.UTC().Format("2006/01/02"), b.ID)
}

// Archive writes the batch and returns the object key.
func (a *BatchArchive) Archive(ctx context.Context, b *domain.Batch, e *domain.Event) (string, error) {
	body, err := json.Marshal(archivedBatch{Batch: b, Event: e})
	if err != nil {
		return "", fmt.Errorf("marshal batch %s: %w", b.ID, err)
	}

	key := ObjectKey(b)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	a.logger.Debug("batch archived", "batch_id", b.ID, "key", key, "bytes", len(body))
	return key, nil
}
