// Package archive uploads the audit trail to object storage for long-term retention.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/carebridge/gatekeeper/internal/config"
	"github.com/carebridge/gatekeeper/internal/metrics"
	"github.com/carebridge/gatekeeper/pkg/domain/audit"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// Credential sources for the archive bucket.
const (
	AuthDefault = "default"
	AuthKeys    = "keys"
	AuthSTSRole = "sts_role"
)

// ObjectPutter is the subset of the S3 API the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver is an audit.Sink that buffers events in memory and uploads
// them as zstd-compressed JSON Lines objects when flushed:
//
//	<prefix>/YYYY/MM/DD/<uuid>.jsonl.zst
//
// A failed upload keeps the batch for the next flush. When the buffer is
// full the oldest events are dropped.
type S3Archiver struct {
	client      ObjectPutter
	bucket      string
	prefix      string
	maxBuffered int
	now         func() time.Time
	logger      *logger.Logger

	mu      sync.Mutex
	pending []audit.Record

	flushMu sync.Mutex
}

var _ audit.Sink = (*S3Archiver)(nil)

// NewS3Client builds an S3 client for the archive bucket.
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	switch cfg.AuthType {
	case AuthKeys:
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	case AuthSTSRole:
		baseCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		stsClient := sts.NewFromConfig(baseCfg)
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.ExternalID != "" {
				o.ExternalID = aws.String(cfg.ExternalID)
			}
			o.RoleSessionName = "gatekeeper-audit-archive"
		})
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(creds)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// NewS3Archiver creates an archiver writing to cfg.Bucket.
func NewS3Archiver(client ObjectPutter, cfg config.ArchiveConfig, log *logger.Logger) *S3Archiver {
	maxBuffered := cfg.MaxBuffered
	if maxBuffered <= 0 {
		maxBuffered = 50000
	}
	return &S3Archiver{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      strings.Trim(cfg.Prefix, "/"),
		maxBuffered: maxBuffered,
		now:         time.Now,
		logger:      log.With("component", "audit_archive", "bucket", cfg.Bucket),
	}
}

// Write implements audit.Sink. It only buffers; Flush uploads.
func (a *S3Archiver) Write(_ context.Context, events []*audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ev := range events {
		a.pending = append(a.pending, ev.ToRecord())
	}
	a.trimLocked()
	return nil
}

func (a *S3Archiver) trimLocked() {
	if over := len(a.pending) - a.maxBuffered; over > 0 {
		a.pending = append(a.pending[:0:0], a.pending[over:]...)
		metrics.AuditEventsDroppedTotal.WithLabelValues("archive_overflow").Add(float64(over))
		a.logger.Warn("audit archive buffer full, dropped oldest events", "dropped", over)
	}
}

// Buffered returns the number of events waiting for upload.
func (a *S3Archiver) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Flush uploads everything buffered as one object. It returns the object
// key, or "" when there was nothing to upload.
func (a *S3Archiver) Flush(ctx context.Context) (string, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return "", nil
	}

	body, err := encode(batch)
	if err != nil {
		a.requeue(batch)
		return "", err
	}

	key := a.objectKey(a.now())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentLength:   aws.Int64(int64(len(body))),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
	})
	if err != nil {
		metrics.AuditArchiveUploadsTotal.WithLabelValues("error").Inc()
		a.requeue(batch)
		return "", fmt.Errorf("upload audit archive %s: %w", key, err)
	}

	metrics.AuditArchiveUploadsTotal.WithLabelValues("success").Inc()
	a.logger.Info("audit archive uploaded", "key", key, "events", len(batch), "bytes", len(body))
	return key, nil
}

// requeue puts a failed batch back in front of events buffered since.
func (a *S3Archiver) requeue(batch []audit.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(batch, a.pending...)
	a.trimLocked()
}

// Close implements audit.Sink by flushing what is buffered.
func (a *S3Archiver) Close(ctx context.Context) error {
	if _, err := a.Flush(ctx); err != nil {
		return fmt.Errorf("final audit archive flush: %w", err)
	}
	return nil
}

func (a *S3Archiver) objectKey(now time.Time) string {
	name := uuid.New().String() + ".jsonl.zst"
	return path.Join(a.prefix, now.UTC().Format("2006/01/02"), name)
}

// encode writes one JSON record per line through a zstd encoder.
func encode(records []audit.Record) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("encode audit record: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zstd writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads an archive object back into records.
func Decode(body []byte) ([]audit.Record, error) {
	zr, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var out []audit.Record
	dec := json.NewDecoder(zr)
	for {
		var r audit.Record
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		out = append(out, r)
	}
}
