package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"seisflow/internal/logging"
	"seisflow/internal/observability"
)

// S3Config describes the archive bucket.
type S3Config struct {
	Bucket          string        `mapstructure:"bucket"`
	Prefix          string        `mapstructure:"prefix"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"` // S3-compatible endpoint, e.g. MinIO
	PathStyle       bool          `mapstructure:"path_style"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// Putter is the subset of the S3 client used for uploads.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader uploads export files to a bucket.
type S3Uploader struct {
	client Putter
	cfg    S3Config
	log    *logrus.Entry
}

// NewS3Uploader builds an S3 client from cfg. Static credentials are used
// when both keys are set; otherwise the default AWS chain applies.
func NewS3Uploader(ctx context.Context, cfg S3Config, log *logrus.Entry) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive.s3.bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewS3UploaderWithClient(client, cfg, log), nil
}

// NewS3UploaderWithClient wraps an existing client.
func NewS3UploaderWithClient(client Putter, cfg S3Config, log *logrus.Entry) *S3Uploader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if log == nil {
		log = logging.Component("archive")
	}
	return &S3Uploader{client: client, cfg: cfg, log: log}
}

// Key returns the object key for name under the configured prefix.
func (u *S3Uploader) Key(name string) string {
	return path.Join(strings.Trim(u.cfg.Prefix, "/"), name)
}

// Upload puts data under Key(name) and returns the full key.
func (u *S3Uploader) Upload(ctx context.Context, name string, data []byte) (string, error) {
	key := u.Key(name)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"producer":     "seisflow",
		},
	}

	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()
	if _, err := u.client.PutObject(ctx, input); err != nil {
		observability.DefaultMetrics.ArchiveUploads.WithLabelValues("error").Inc()
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	observability.DefaultMetrics.ArchiveUploads.WithLabelValues("ok").Inc()

	u.log.WithFields(logrus.Fields{
		"bucket": u.cfg.Bucket,
		"key":    key,
		"bytes":  len(data),
	}).Info("archive uploaded")
	return key, nil
}

// UploadFile uploads a local file under its base name.
func (u *S3Uploader) UploadFile(ctx context.Context, file string) (string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", file, err)
	}
	return u.Upload(ctx, path.Base(strings.ReplaceAll(file, "\\", "/")), data)
}

// FileName returns a deterministic export file name for a time range.
func FileName(label string, start, end time.Time) string {
	const layout = "20060102T150405Z"
	label = strings.NewReplacer("/", "_", " ", "_").Replace(label)
	return fmt.Sprintf("%s_%s_%s.parquet", label, start.UTC().Format(layout), end.UTC().Format(layout))
}
