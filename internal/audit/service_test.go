package audit

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestService_AppendRequiresActionAndEntity(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Entry{Entity: EntityRequest, EntityID: "1"}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Entry{Action: ActionClaimed}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_RecordsSystemAndActorEntries(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	if err := svc.Record(ctx, ActionGroupDelivered, EntityRequest, "42", nil, map[string]int64{"message_id": 7}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.Record(ctx, ActionClaimed, EntityRequest, "42", Actor(100), nil); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	entries := repo.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ActorID != nil {
		t.Fatalf("expected system entry without actor")
	}
	if entries[0].Payload != `{"message_id":7}` {
		t.Fatalf("unexpected payload %q", entries[0].Payload)
	}
	if entries[1].ActorID == nil || *entries[1].ActorID != 100 {
		t.Fatalf("expected actor 100")
	}
	if entries[1].ID == "" || entries[1].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp filled")
	}
}

func TestPostgresRepo_AppendInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_log").
		WithArgs(sqlmock.AnyArg(), "claimed", "request", "42", int64(100), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	svc := NewService(NewPostgresRepo(db))
	if err := svc.Record(context.Background(), ActionClaimed, EntityRequest, "42", Actor(100), nil); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
