// Package archive moves aged audit entries into an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kimhsiao/catalogsync/internal/db"
	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
	"github.com/kimhsiao/catalogsync/internal/models"
	"github.com/kimhsiao/catalogsync/internal/sync/audit"
)

const contentType = "application/x-ndjson"

// Config holds the bucket connection settings.
type Config struct {
	Endpoint  string // "localhost:9000" or "https://minio.example.com"
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
}

// Validate reports the first missing field.
func (c Config) Validate() error {
	switch {
	case c.Endpoint == "":
		return apperrors.New(apperrors.ErrSyncNotConfigured, "archive.endpoint is required")
	case c.Bucket == "":
		return apperrors.New(apperrors.ErrSyncNotConfigured, "archive.bucket is required")
	case c.AccessKey == "" || c.SecretKey == "":
		return apperrors.New(apperrors.ErrSyncNotConfigured, "archive credentials are required")
	}
	return nil
}

// ParseEndpoint strips any scheme and trailing slash from endpoint. A scheme
// overrides useSSL.
func ParseEndpoint(endpoint string, useSSL bool) (host string, secure bool, err error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint cannot be empty")
	}
	secure = useSSL
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", false, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
		}
		secure = u.Scheme == "https"
		endpoint = u.Host + u.Path
	}
	return strings.TrimSuffix(endpoint, "/"), secure, nil
}

// ObjectPutter stores one object.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, meta map[string]string) error
}

// MinIOStore is an ObjectPutter backed by minio-go. It works against MinIO,
// AWS S3 and R2 alike.
type MinIOStore struct {
	client *minio.Client
}

// NewMinIOStore connects to the endpoint in cfg. No request is sent until the
// first upload.
func NewMinIOStore(cfg Config) (*MinIOStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	host, secure, err := ParseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "invalid archive endpoint", err)
	}
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "failed to create object store client", err)
	}
	return &MinIOStore{client: client}, nil
}

// PutObject uploads r under bucket/key.
func (s *MinIOStore) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, meta map[string]string) error {
	_, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		switch resp.StatusCode {
		case 401:
			return apperrors.Wrap(apperrors.ErrNotAuthenticated, "object store rejected credentials", err)
		case 403:
			return apperrors.Wrap(apperrors.ErrInsufficientPermissions, "object store denied upload", err)
		case 404:
			return apperrors.Wrap(apperrors.ErrEntityNotFound, "bucket "+bucket+" not found", err)
		}
		return apperrors.Network(err)
	}
	return nil
}

// Result describes one archive run.
type Result struct {
	Key      string `json:"key,omitempty" yaml:"key,omitempty"`
	Entries  int    `json:"entries" yaml:"entries"`
	Bytes    int64  `json:"bytes" yaml:"bytes"`
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Purged   int64  `json:"purged" yaml:"purged"`
}

// Archiver exports audit entries and purges them once stored.
type Archiver struct {
	cfg   Config
	store ObjectPutter
	log   *audit.Log
	now   func() time.Time
}

// New creates an Archiver.
func New(cfg Config, store ObjectPutter, log *audit.Log) *Archiver {
	return &Archiver{cfg: cfg, store: store, log: log, now: time.Now}
}

// SetClock overrides the time source used for object keys.
func (a *Archiver) SetClock(now func() time.Time) {
	a.now = now
}

// Archive uploads every entry older than before as one JSONL object, then
// deletes exactly those entries. Nothing is purged if the upload fails.
func (a *Archiver) Archive(ctx context.Context, before time.Time) (*Result, error) {
	entries, err := a.log.Query(ctx, db.AuditFilter{To: &before})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &Result{}, nil
	}

	body, err := Encode(entries)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])
	key := a.objectKey(entries, checksum)

	meta := map[string]string{
		"entries": fmt.Sprint(len(entries)),
		"sha256":  checksum,
		"before":  before.UTC().Format(time.RFC3339),
	}
	if err := a.store.PutObject(ctx, a.cfg.Bucket, key, bytes.NewReader(body), int64(len(body)), meta); err != nil {
		logging.Error("Audit archive upload failed", err, map[string]interface{}{
			"bucket": a.cfg.Bucket,
			"key":    key,
		})
		return nil, err
	}

	purged, err := a.log.Purge(ctx, entries)
	res := &Result{
		Key:      key,
		Entries:  len(entries),
		Bytes:    int64(len(body)),
		Checksum: checksum,
		Purged:   purged,
	}
	if err != nil {
		return res, err
	}

	logging.Info("Audit entries archived", map[string]interface{}{
		"bucket":  a.cfg.Bucket,
		"key":     key,
		"entries": res.Entries,
		"bytes":   res.Bytes,
	})
	return res, nil
}

// objectKey names the object after the covered time span and a short content
// hash, so re-archiving identical content lands on the same key.
func (a *Archiver) objectKey(entries []*models.AuditEntry, checksum string) string {
	first := entries[0].Timestamp.UTC()
	last := entries[len(entries)-1].Timestamp.UTC()
	return fmt.Sprintf("%s%s/audit-%s-%s-%s.jsonl",
		a.cfg.Prefix,
		a.now().UTC().Format("2006/01/02"),
		first.Format("20060102T150405Z"),
		last.Format("20060102T150405Z"),
		checksum[:12],
	)
}

// Encode renders entries as newline-delimited JSON.
func Encode(entries []*models.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode audit entry "+e.ID, err)
		}
	}
	return buf.Bytes(), nil
}
