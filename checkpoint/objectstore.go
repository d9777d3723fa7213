// ABOUTME: S3-compatible checkpoint store built on minio-go.
// ABOUTME: Each snapshot is one JSON object at <prefix><token>.json in a single bucket.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/2389-research/planrun/engine"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var _ Store = (*ObjectStore)(nil)

// ObjectStoreConfig addresses a bucket on an S3-compatible endpoint.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Region    string
	UseSSL    bool
}

// Validate checks required fields.
func (c ObjectStoreConfig) Validate() error {
	switch {
	case c.Endpoint == "":
		return errors.New("object store endpoint is required")
	case c.Bucket == "":
		return errors.New("object store bucket is required")
	case (c.AccessKey == "") != (c.SecretKey == ""):
		return errors.New("object store access key and secret key must be set together")
	}
	return nil
}

// ObjectStore keeps snapshots in an S3-compatible bucket.
type ObjectStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// OpenObjectStore connects and creates the bucket when missing.
func OpenObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (s *ObjectStore) key(token string) string {
	return s.prefix + token + ".json"
}

// Save uploads snap under a fresh token.
func (s *ObjectStore) Save(ctx context.Context, snap *engine.Snapshot) (string, error) {
	data, err := engine.EncodeSnapshot(snap)
	if err != nil {
		return "", err
	}
	token := engine.NewToken()
	_, err = s.client.PutObject(ctx, s.bucket, s.key(token), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"run-id":      snap.RunID,
				"plan-digest": snap.PlanDigest,
			},
		})
	if err != nil {
		return "", fmt.Errorf("put checkpoint: %w", err)
	}
	return token, nil
}

// Load downloads and decodes the snapshot for token.
func (s *ObjectStore) Load(ctx context.Context, token string) (*engine.Snapshot, error) {
	if err := checkToken(token); err != nil {
		return nil, err
	}
	data, err := s.get(ctx, s.key(token))
	if isNoSuchKey(err) {
		return nil, notFound(token)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return engine.DecodeSnapshot(data)
}

func (s *ObjectStore) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// List reads every snapshot under the prefix. Objects that fail to decode are skipped.
func (s *ObjectStore) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", obj.Err)
		}
		token := strings.TrimSuffix(path.Base(obj.Key), ".json")
		if checkToken(token) != nil {
			continue
		}
		data, err := s.get(ctx, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("get checkpoint %s: %w", token, err)
		}
		snap, err := engine.DecodeSnapshot(data)
		if err != nil {
			continue
		}
		entries = append(entries, entryFor(token, snap))
	}
	sortEntries(entries)
	return entries, nil
}

// Delete removes the object for token.
func (s *ObjectStore) Delete(ctx context.Context, token string) error {
	if err := checkToken(token); err != nil {
		return err
	}
	key := s.key(token)
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return notFound(token)
		}
		return fmt.Errorf("stat checkpoint: %w", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// Close is a no-op; the client holds no resources needing release.
func (s *ObjectStore) Close() error { return nil }

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
