package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockGraphStore(t *testing.T) (*pgGraphStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &pgGraphStore{db: db}, mock, db
}

func newMockUserStore(t *testing.T) (*pgUserStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &pgUserStore{db: db}, mock, db
}

func newMockGenerationStore(t *testing.T) (*pgGenerationStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &pgGenerationStore{db: db}, mock, db
}

func graphRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"graph_id", "owner_id", "tier", "is_default", "name", "description",
		"nodes", "edges", "global_config", "created_at", "updated_at",
	}).AddRow("g-1", "user-1", 1, false, "My Graph", "desc",
		[]byte(`[]`), []byte(`[]`), []byte(`{}`), now, now)
}

func TestGraphStoreGetReturnsRecord(t *testing.T) {
	store, mock, db := newMockGraphStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT graph_id, owner_id, tier").
		WithArgs("g-1").
		WillReturnRows(graphRows())

	got, err := store.Get(context.Background(), "g-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.GraphID != "g-1" || got.OwnerID != "user-1" {
		t.Fatalf("Get() = %+v, want graph_id=g-1 owner_id=user-1", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGraphStoreGetTranslatesNoRowsToNotFound(t *testing.T) {
	store, mock, db := newMockGraphStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT graph_id, owner_id, tier").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestGraphStoreCreateTranslatesDuplicateToAlreadyExists(t *testing.T) {
	store, mock, db := newMockGraphStore(t)
	defer db.Close()

	g := &GraphRecord{GraphID: "g-1", OwnerID: "user-1", NodesJSON: []byte(`[]`), EdgesJSON: []byte(`[]`), GlobalConfig: []byte(`{}`)}

	mock.ExpectExec("INSERT INTO graphs").
		WithArgs(g.GraphID, g.OwnerID, g.Tier, g.IsDefault, g.Name, g.Description, g.NodesJSON, g.EdgesJSON, g.GlobalConfig, g.CreatedAt, g.UpdatedAt).
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "graphs_pkey"`))

	err := store.Create(context.Background(), g)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Create() error = %v, want ErrAlreadyExists", err)
	}
}

func TestGraphStoreCreateSucceeds(t *testing.T) {
	store, mock, db := newMockGraphStore(t)
	defer db.Close()

	g := &GraphRecord{GraphID: "g-1", OwnerID: "user-1", NodesJSON: []byte(`[]`), EdgesJSON: []byte(`[]`), GlobalConfig: []byte(`{}`)}

	mock.ExpectExec("INSERT INTO graphs").
		WithArgs(g.GraphID, g.OwnerID, g.Tier, g.IsDefault, g.Name, g.Description, g.NodesJSON, g.EdgesJSON, g.GlobalConfig, g.CreatedAt, g.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Create(context.Background(), g); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

func TestGraphStoreUpdateWithZeroRowsAffectedIsNotFound(t *testing.T) {
	store, mock, db := newMockGraphStore(t)
	defer db.Close()

	g := &GraphRecord{GraphID: "missing", OwnerID: "user-1"}

	mock.ExpectExec("UPDATE graphs SET").
		WithArgs(g.GraphID, g.OwnerID, g.Tier, g.IsDefault, g.Name, g.Description, g.NodesJSON, g.EdgesJSON, g.GlobalConfig, g.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), g)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestGraphStoreDeleteWithZeroRowsAffectedIsNotFound(t *testing.T) {
	store, mock, db := newMockGraphStore(t)
	defer db.Close()

	mock.ExpectExec("DELETE FROM graphs").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Delete(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete() error = %v, want ErrNotFound", err)
	}
}

func TestUserStoreGetReturnsRecord(t *testing.T) {
	store, mock, db := newMockUserStore(t)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"user_id", "tier", "default_neuron_id", "default_worker_neuron_id", "default_graph_id", "created_at"}).
		AddRow("user-1", 2, "neuron-a", "neuron-b", "graph-1", now)

	mock.ExpectQuery("SELECT user_id, tier").
		WithArgs("user-1").
		WillReturnRows(rows)

	got, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Tier != 2 || got.DefaultGraphID != "graph-1" {
		t.Fatalf("Get() = %+v, want tier=2 default_graph_id=graph-1", got)
	}
}

func TestUserStoreGetTranslatesNoRowsToNotFound(t *testing.T) {
	store, mock, db := newMockUserStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT user_id, tier").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestUserStoreUpsertSucceeds(t *testing.T) {
	store, mock, db := newMockUserStore(t)
	defer db.Close()

	u := &UserRecord{UserID: "user-1", Tier: 1, DefaultNeuronID: "neuron-a", DefaultWorkerNeuronID: "neuron-b", DefaultGraphID: "graph-1", CreatedAt: time.Now()}

	mock.ExpectExec("INSERT INTO users").
		WithArgs(u.UserID, u.Tier, u.DefaultNeuronID, u.DefaultWorkerNeuronID, u.DefaultGraphID, u.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Upsert(context.Background(), u); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
}

func TestGenerationStoreUpdateWithZeroRowsAffectedIsNotFound(t *testing.T) {
	store, mock, db := newMockGenerationStore(t)
	defer db.Close()

	g := &GenerationRecord{GenerationID: "missing"}

	mock.ExpectExec("UPDATE generations SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), g)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
}
