// Package storage keeps session recordings outside the process.
package storage

import (
	"context"
	"io"
	"time"
)

// Uploader writes an object and returns its stored path (a gs:// URI for
// GCS). Stored paths are not directly readable by clients.
type Uploader interface {
	Upload(ctx context.Context, objectName string, contentType string, r io.Reader) (storedPath string, err error)
}

// Archiver stores the assembled recording of one session.
type Archiver interface {
	Archive(ctx context.Context, sessionID string, wav []byte) (storedPath string, err error)
}

// Signer turns a stored path into a URL a client may fetch until ttl passes.
type Signer interface {
	SignedGetURL(ctx context.Context, storedPath string, ttl time.Duration) (string, error)
}

var (
	_ Uploader = (*GCSUploader)(nil)
	_ Archiver = (*GCSUploader)(nil)
	_ Signer   = (*GCSUploader)(nil)
)
