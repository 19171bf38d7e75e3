package storage

import (
	"testing"
	"time"
)

func TestObjectName(t *testing.T) {
	at := time.Date(2026, 4, 2, 8, 30, 5, 0, time.UTC)
	got := objectName("sessions", "abc", at)
	if got != "sessions/abc/20260402T083005Z.wav" {
		t.Errorf("objectName = %q", got)
	}
}

func TestParseGSURI(t *testing.T) {
	bucket, name, err := parseGSURI(gsURI("recordings", "sessions/abc/x.wav"))
	if err != nil || bucket != "recordings" || name != "sessions/abc/x.wav" {
		t.Fatalf("got %q %q %v", bucket, name, err)
	}

	for _, bad := range []string{"https://storage.googleapis.com/b/o", "gs://bucket", "gs:///obj", ""} {
		if _, _, err := parseGSURI(bad); err == nil {
			t.Errorf("%q should be rejected", bad)
		}
	}
}
