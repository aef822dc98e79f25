package workflowstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/conductorhq/conductor/pkg/workflow"
)

func setupMockStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, &SQLStore{db: db}
}

func TestSQLStore_Put(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	state := workflow.New("run-1", workflow.ExecutionContext{AgentRole: "support"}, time.Now())

	mock.ExpectExec("INSERT INTO workflow_runs").
		WithArgs("run-1", string(workflow.StatePending), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Put(context.Background(), state); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLStore_Put_DatabaseError(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	state := workflow.New("run-1", workflow.ExecutionContext{}, time.Now())
	mock.ExpectExec("INSERT INTO workflow_runs").WillReturnError(errors.New("connection refused"))

	err := store.Put(context.Background(), state)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestSQLStore_Get_NotFound(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT body FROM workflow_runs").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLStore_Get_RoundTrip(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	state := workflow.New("run-2", workflow.ExecutionContext{AgentRole: "triage"}, time.Now())
	body, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	rows := sqlmock.NewRows([]string{"body"}).AddRow(body)
	mock.ExpectQuery("SELECT body FROM workflow_runs").WithArgs("run-2").WillReturnRows(rows)

	got, err := store.Get(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RunID != "run-2" || got.Context.AgentRole != "triage" {
		t.Fatalf("unexpected state: %+v", got)
	}
}

func TestSQLStore_Delete(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM workflow_runs").WithArgs("run-3").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Delete(context.Background(), "run-3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
