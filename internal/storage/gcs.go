package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

// GCSUploader stores session recordings in a private bucket. Stored paths
// are gs:// URIs; readers get time-limited signed URLs.
type GCSUploader struct {
	client *gcs.Client
	bucket string
	prefix string
}

func NewGCSUploader(ctx context.Context, bucket string) (*GCSUploader, error) {
	c, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSUploader{client: c, bucket: bucket, prefix: "sessions"}, nil
}

func (u *GCSUploader) Close() error { return u.client.Close() }

func (u *GCSUploader) Upload(ctx context.Context, objectName string, contentType string, r io.Reader) (string, error) {
	obj := u.client.Bucket(u.bucket).Object(objectName)

	w := obj.NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return gsURI(u.bucket, objectName), nil
}

// Archive uploads the assembled WAV recording of a session.
func (u *GCSUploader) Archive(ctx context.Context, sessionID string, wav []byte) (string, error) {
	name := objectName(u.prefix, sessionID, time.Now().UTC())
	return u.Upload(ctx, name, "audio/wav", bytes.NewReader(wav))
}

func (u *GCSUploader) SignedGetURL(ctx context.Context, storedPath string, ttl time.Duration) (string, error) {
	bucket, name, err := parseGSURI(storedPath)
	if err != nil {
		return "", err
	}
	if bucket != u.bucket {
		return "", fmt.Errorf("object %s is not in bucket %s", storedPath, u.bucket)
	}
	return u.client.Bucket(bucket).SignedURL(name, &gcs.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
		Scheme:  gcs.SigningSchemeV4,
	})
}

func objectName(prefix, sessionID string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s.wav", prefix, sessionID, at.Format("20060102T150405Z"))
}

func gsURI(bucket, name string) string {
	return "gs://" + bucket + "/" + name
}

func parseGSURI(uri string) (bucket, name string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	bucket, name, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || name == "" {
		return "", "", fmt.Errorf("malformed gs:// uri: %q", uri)
	}
	return bucket, name, nil
}
