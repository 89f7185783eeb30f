// Package backup snapshots the actor store and uploads it to S3-compatible
// object storage. Each actor owns its database file, so a consistent
// snapshot plus upload is a complete backup of that actor.
package backup

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/evetools/tagd/internal/retry"
	"github.com/evetools/tagd/internal/storage"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// Config holds object storage settings for backups
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

// Uploader snapshots one actor store into a bucket
type Uploader struct {
	client    *minio.Client
	bucket    string
	prefix    string
	actorName string
	store     *storage.Store
	retryCfg  retry.Config
	now       func() time.Time
	log       *logrus.Entry
}

// NewUploader creates an uploader for the given actor's store
func NewUploader(cfg Config, actorName string, store *storage.Store) (*Uploader, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("backup requires an endpoint and a bucket")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("backup requires access and secret keys")
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid backup endpoint '%s': %w", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backup endpoint scheme '%s': must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid backup endpoint '%s': missing hostname", cfg.Endpoint)
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client for %s: %w", u.Host, err)
	}

	return &Uploader{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		actorName: actorName,
		store:     store,
		retryCfg:  retry.DefaultConfig(),
		now:       time.Now,
		log:       logrus.WithField("component", "backup"),
	}, nil
}

// Backup snapshots the store and uploads it, returning the object name.
// The upload is retried with backoff; the snapshot itself is not, since a
// failing snapshot means a local problem retrying will not fix.
func (u *Uploader) Backup(ctx context.Context) (string, error) {
	tmpDir, err := os.MkdirTemp("", "tagd-backup-*")
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	defer func() {
		if removeErr := os.RemoveAll(tmpDir); removeErr != nil {
			u.log.WithError(removeErr).Warn("Failed to remove snapshot directory")
		}
	}()

	snapshotPath := filepath.Join(tmpDir, "snapshot.db")
	if err := u.store.Snapshot(ctx, snapshotPath); err != nil {
		return "", err
	}

	object := u.ObjectName(u.now())
	err = retry.Do(ctx, u.retryCfg, func() error {
		_, putErr := u.client.FPutObject(ctx, u.bucket, object, snapshotPath, minio.PutObjectOptions{
			ContentType: "application/x-sqlite3",
		})
		return putErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload backup %s: %w", object, err)
	}

	u.log.WithFields(logrus.Fields{
		"bucket": u.bucket,
		"object": object,
	}).Info("Uploaded store backup")
	return object, nil
}

// ObjectName builds the bucket key for a backup taken at t
func (u *Uploader) ObjectName(t time.Time) string {
	name := fmt.Sprintf("%s/%s.db", u.actorName, t.UTC().Format("20060102T150405Z"))
	if u.prefix != "" {
		name = u.prefix + "/" + name
	}
	return name
}
