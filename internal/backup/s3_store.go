// Package backup keeps world archives in an S3 bucket.
//
// Layout under the configured prefix:
//
//	world-<version>.tar.gz   one archive per committed backup
//	LATEST                   the newest committed version, as decimal text
//
// Archive bytes never pass through the daemon: the VM downloads and uploads
// them through presigned URLs.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/devghori1264/mcpanel/internal/models"
	"go.uber.org/zap"
)

const latestObject = "LATEST"

// maxCommitAttempts bounds the conditional writes of LATEST that lose to a
// concurrent writer.
const maxCommitAttempts = 5

// Config describes where archives live.
type Config struct {
	Bucket string
	// Prefix is prepended to every key; defaults to "backups/".
	Prefix string
	Region string
	// Endpoint selects an S3 compatible service (MinIO, localstack) and
	// enables path-style addressing.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// PresignExpiry bounds how long transfer URLs stay valid.
	PresignExpiry time.Duration
}

// Store implements orchestrator.BackupStore.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	prefix  string
	expiry  time.Duration
	log     *zap.Logger
	now     func() time.Time

	// commitMu serializes commits within this process. Across processes
	// LATEST is written with a conditional PUT on the ETag it was read with.
	commitMu sync.Mutex
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides the source of archive versions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds an S3 client from cfg using the default AWS credential chain,
// or static credentials when both keys are set.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("backup: bucket required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("backup: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg, opts...), nil
}

// NewWithClient wraps an existing S3 client.
func NewWithClient(client *s3.Client, cfg Config, opts ...Option) *Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "backups/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	s := &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		prefix:  prefix,
		expiry:  expiry,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ArchiveKey returns the object key of the archive with the given version.
func (s *Store) ArchiveKey(version int64) string {
	return fmt.Sprintf("%sworld-%d.tar.gz", s.prefix, version)
}

// FetchLatest returns a handle with a presigned GET URL for the newest
// committed archive, or an empty handle when nothing was committed yet.
func (s *Store) FetchLatest(ctx context.Context) (models.ArchiveHandle, error) {
	version, err := s.latestVersion(ctx)
	if err != nil {
		return models.ArchiveHandle{}, err
	}
	if version == 0 {
		return models.ArchiveHandle{}, nil
	}

	key := s.ArchiveKey(version)
	if err := s.head(ctx, key); err != nil {
		return models.ArchiveHandle{}, fmt.Errorf("backup: LATEST points at %s: %w", key, err)
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return models.ArchiveHandle{}, fmt.Errorf("backup: presign get %s: %w", key, err)
	}
	return models.ArchiveHandle{Version: version, Key: key, URL: req.URL}, nil
}

// NewArchive reserves the next version and returns a presigned PUT URL for
// it. Nothing is committed until Upload.
func (s *Store) NewArchive(ctx context.Context) (models.ArchiveHandle, error) {
	latest, err := s.latestVersion(ctx)
	if err != nil {
		return models.ArchiveHandle{}, err
	}
	version := s.now().UnixMilli()
	if version <= latest {
		version = latest + 1
	}

	key := s.ArchiveKey(version)
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return models.ArchiveHandle{}, fmt.Errorf("backup: presign put %s: %w", key, err)
	}
	return models.ArchiveHandle{Version: version, Key: key, URL: req.URL}, nil
}

// Upload commits an archive the VM has uploaded. LATEST only ever moves
// forward; committing an older version leaves it untouched. The pointer is
// replaced only if it still carries the ETag it was read with, so writers in
// other processes cannot move it backwards.
func (s *Store) Upload(ctx context.Context, h models.ArchiveHandle) (int64, error) {
	if h.Empty() || h.Version <= 0 {
		return 0, errors.New("backup: empty archive handle")
	}
	if err := s.head(ctx, h.Key); err != nil {
		return 0, fmt.Errorf("backup: archive %s not uploaded: %w", h.Key, err)
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	for attempt := 1; ; attempt++ {
		latest, etag, err := s.readLatest(ctx)
		if err != nil {
			return 0, err
		}
		if h.Version <= latest {
			s.log.Warn("archive older than LATEST, pointer unchanged",
				zap.Int64("version", h.Version), zap.Int64("latest", latest))
			return h.Version, nil
		}

		in := &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.prefix + latestObject),
			Body:        strings.NewReader(strconv.FormatInt(h.Version, 10)),
			ContentType: aws.String("text/plain"),
		}
		if etag == "" {
			in.IfNoneMatch = aws.String("*")
		} else {
			in.IfMatch = aws.String(etag)
		}
		_, err = s.client.PutObject(ctx, in)
		if err == nil {
			s.log.Info("backup committed", zap.Int64("version", h.Version), zap.String("key", h.Key))
			return h.Version, nil
		}
		if !isConditionFailed(err) || attempt == maxCommitAttempts {
			return 0, fmt.Errorf("backup: write LATEST: %w", err)
		}
		s.log.Debug("LATEST changed concurrently, re-reading", zap.Int("attempt", attempt))
	}
}

func (s *Store) latestVersion(ctx context.Context) (int64, error) {
	version, _, err := s.readLatest(ctx)
	return version, err
}

// readLatest returns the committed version and the ETag of LATEST. Both are
// zero when nothing was committed yet.
func (s *Store) readLatest(ctx context.Context) (int64, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + latestObject),
	})
	if isNotFoundError(err) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("backup: read LATEST: %w", err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(out.Body, 64))
	if err != nil {
		return 0, "", fmt.Errorf("backup: read LATEST: %w", err)
	}
	version, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("backup: malformed LATEST %q: %w", raw, err)
	}
	return version, aws.ToString(out.ETag), nil
}

func (s *Store) head(ctx context.Context, key string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

// isNotFoundError returns true if the error indicates the object doesn't exist.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return false
}

// isConditionFailed reports a conditional write rejected because the object
// changed (412) or a concurrent conditional write is in progress (409).
func isConditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		code := status.HTTPStatusCode()
		return code == http.StatusPreconditionFailed || code == http.StatusConflict
	}
	return false
}
