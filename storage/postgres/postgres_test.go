package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/giantswarm/api-guard/internal/testutil"
	"github.com/giantswarm/api-guard/storage"
)

var (
	selectByEmail    = regexp.QuoteMeta(`FROM principals WHERE email = $1`)
	selectByExternal = regexp.QuoteMeta(`FROM principals WHERE external_id = $1`)
	insertPrincipal  = regexp.QuoteMeta(`INSERT INTO principals`)
)

func newSQLMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func principalRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "external_id", "email", "name", "password_hash", "created_at"})
}

func TestStore_FindByIdentity(t *testing.T) {
	created := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)

	tests := []struct {
		name     string
		identity storage.Identity
		setup    func(mock sqlmock.Sqlmock)
		wantID   int64
		wantErr  error
	}{
		{
			name:     "email normalized",
			identity: storage.EmailIdentity(" A@X.com"),
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(selectByEmail).
					WithArgs("a@x.com").
					WillReturnRows(principalRows().AddRow(7, "", "a@x.com", "Alice", "$2a$12$h", created))
			},
			wantID: 7,
		},
		{
			name:     "external id",
			identity: storage.ExternalIdentity("idp|9"),
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(selectByExternal).
					WithArgs("idp|9").
					WillReturnRows(principalRows().AddRow(9, "idp|9", "e@x.com", "", "", created))
			},
			wantID: 9,
		},
		{
			name:     "no rows",
			identity: storage.EmailIdentity("b@x.com"),
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(selectByEmail).WithArgs("b@x.com").WillReturnError(sql.ErrNoRows)
			},
			wantErr: storage.ErrPrincipalNotFound,
		},
		{
			name:     "invalid identity issues no query",
			identity: storage.EmailIdentity(""),
			setup:    func(sqlmock.Sqlmock) {},
			wantErr:  storage.ErrPrincipalNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newSQLMockStore(t)
			tt.setup(mock)

			got, err := store.FindByIdentity(context.Background(), tt.identity)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("FindByIdentity() error = %v, want %v", err, tt.wantErr)
				}
			} else {
				if err != nil {
					t.Fatalf("FindByIdentity() error = %v", err)
				}
				if got.ID != tt.wantID {
					t.Errorf("ID = %d, want %d", got.ID, tt.wantID)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestStore_FindByIdentity_DatabaseFailure(t *testing.T) {
	store, mock := newSQLMockStore(t)
	outage := errors.New("connection reset by peer")
	mock.ExpectQuery(selectByEmail).WillReturnError(outage)

	_, err := store.FindByIdentity(context.Background(), storage.EmailIdentity("a@x.com"))
	if !errors.Is(err, outage) {
		t.Errorf("error = %v, want wrapped %v", err, outage)
	}
	if errors.Is(err, storage.ErrPrincipalNotFound) {
		t.Error("database failures must not be reported as not found")
	}
}

func TestStore_Create(t *testing.T) {
	store, mock := newSQLMockStore(t)
	clock := testutil.NewMockTime(time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC))
	store.SetClock(clock)

	mock.ExpectQuery(insertPrincipal).
		WithArgs("", "a@x.com", "Alice", "$2a$12$h", clock.Now()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	p, err := store.Create(context.Background(), storage.NewPrincipal{
		Email:        "A@x.com",
		Name:         "Alice",
		PasswordHash: "$2a$12$h",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if p.ID != 1 || p.Email != "a@x.com" {
		t.Errorf("Create() = %+v", p)
	}
	testutil.AssertTimeEqual(t, p.CreatedAt, clock.Now(), 0)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_Create_UniqueViolation(t *testing.T) {
	store, mock := newSQLMockStore(t)
	mock.ExpectQuery(insertPrincipal).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "principals_email_key"})

	_, err := store.Create(context.Background(), storage.NewPrincipal{Email: "a@x.com"})
	if !errors.Is(err, storage.ErrEmailTaken) {
		t.Errorf("Create() error = %v, want ErrEmailTaken", err)
	}
}

func TestStore_Create_OtherPgError(t *testing.T) {
	store, mock := newSQLMockStore(t)
	mock.ExpectQuery(insertPrincipal).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.NotNullViolation})

	_, err := store.Create(context.Background(), storage.NewPrincipal{Email: "a@x.com"})
	if err == nil || errors.Is(err, storage.ErrEmailTaken) {
		t.Errorf("Create() error = %v, want a non-conflict failure", err)
	}
}

func TestStore_Create_Invalid(t *testing.T) {
	store, mock := newSQLMockStore(t)

	_, err := store.Create(context.Background(), storage.NewPrincipal{Name: "no email"})
	if !errors.Is(err, storage.ErrInvalidPrincipal) {
		t.Errorf("Create() error = %v, want ErrInvalidPrincipal", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected query: %v", err)
	}
}

func TestStore_CountPrincipals(t *testing.T) {
	store, mock := newSQLMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM principals`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := store.CountPrincipals(context.Background())
	if err != nil {
		t.Fatalf("CountPrincipals() error = %v", err)
	}
	if n != 3 {
		t.Errorf("CountPrincipals() = %d, want 3", n)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/00001_principals.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, want := range []string{"+goose Up", "CREATE TABLE principals", "email         TEXT NOT NULL UNIQUE"} {
		if !regexp.MustCompile(regexp.QuoteMeta(want)).Match(data) {
			t.Errorf("migration missing %q", want)
		}
	}
}
