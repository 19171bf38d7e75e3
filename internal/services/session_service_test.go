package services

import (
	"context"
	"testing"
	"time"

	"github.com/yoockh/livescribe/internal/models"
	"github.com/yoockh/livescribe/internal/repositories/sqlite"
	"github.com/yoockh/livescribe/internal/utils"
)

func newSQLiteSessionService(t *testing.T) SessionService {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewSessionService(store.Sessions())
}

func TestSessionServiceLifecycle(t *testing.T) {
	svc := newSQLiteSessionService(t)
	ctx := context.Background()

	rec := &models.Session{SessionID: "s-1", UserID: "nurse-1", Language: "ja", Status: models.SessionActive, CreatedAt: time.Now().UTC()}
	if err := svc.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	ended := rec.CreatedAt.Add(time.Minute)
	rec.Status = models.SessionCompleted
	rec.EndedAt = &ended
	rec.DurationSeconds = 60
	if err := svc.End(ctx, rec); err != nil {
		t.Fatalf("end: %v", err)
	}

	got, err := svc.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.SessionCompleted || got.DurationSeconds != 60 {
		t.Errorf("got %+v", got)
	}

	list, err := svc.ListByUser(ctx, "nurse-1", 10)
	if err != nil || len(list) != 1 {
		t.Errorf("list = %v, err %v", list, err)
	}
}

func TestSessionServiceErrors(t *testing.T) {
	svc := newSQLiteSessionService(t)
	ctx := context.Background()

	if _, err := svc.Get(ctx, "missing"); !utils.IsCode(err, utils.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	if err := svc.Create(ctx, &models.Session{SessionID: "s"}); !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Errorf("expected INVALID_ARGUMENT for missing user, got %v", err)
	}
	err := svc.End(ctx, &models.Session{SessionID: "s", Status: models.SessionActive})
	if !utils.IsCode(err, utils.CodeInvalidArgument) {
		t.Errorf("expected INVALID_ARGUMENT for non-terminal end, got %v", err)
	}
}
