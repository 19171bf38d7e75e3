package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/utils"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndEnd(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rec := &models.Session{
		SessionID: "s-1",
		UserID:    "nurse-1",
		PatientID: "p-1",
		Language:  "ja",
		Status:    models.SessionActive,
		CreatedAt: created,
	}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetBySessionID(ctx, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.SessionActive || got.EndedAt != nil || !got.CreatedAt.Equal(created) {
		t.Errorf("created record = %+v", got)
	}

	ended := created.Add(90 * time.Second)
	rec.Status = models.SessionCompleted
	rec.Transcript = "血圧 120 の 80"
	rec.ChunksReceived = 12
	rec.ChunksOutOfOrder = 2
	rec.EndedAt = &ended
	rec.DurationSeconds = 90
	if err := s.End(ctx, rec); err != nil {
		t.Fatalf("end: %v", err)
	}

	got, err = s.GetBySessionID(ctx, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.SessionCompleted || got.Transcript != rec.Transcript || got.ChunksReceived != 12 {
		t.Errorf("ended record = %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) || got.DurationSeconds != 90 {
		t.Errorf("ended_at = %v duration = %d", got.EndedAt, got.DurationSeconds)
	}
}

func TestEndWithoutCreateUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rec := &models.Session{SessionID: "s-2", UserID: "nurse-1", Status: models.SessionTimeout, CreatedAt: now, EndedAt: &now}
	if err := s.End(ctx, rec); err != nil {
		t.Fatalf("end: %v", err)
	}
	got, err := s.GetBySessionID(ctx, "s-2")
	if err != nil || got.Status != models.SessionTimeout {
		t.Fatalf("got %+v, err %v", got, err)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetBySessionID(context.Background(), "nope")
	if !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListByUserNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		rec := &models.Session{SessionID: id, UserID: "nurse-1", Status: models.SessionActive, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := s.Create(ctx, &models.Session{SessionID: "x", UserID: "nurse-2", Status: models.SessionActive}); err != nil {
		t.Fatalf("create x: %v", err)
	}

	list, err := s.ListByUser(ctx, "nurse-1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].SessionID != "c" || list[1].SessionID != "b" {
		t.Fatalf("list = %+v", list)
	}
}
