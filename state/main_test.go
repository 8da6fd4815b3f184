package state

import (
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

// newMockStorage returns a Storage backed by sqlmock. The CREATE statements issued by the
// table constructors are expected up front.
func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock db: %s", err)
	}
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS flash_collab_events")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS flash_collab_sequences")).WillReturnResult(sqlmock.NewResult(0, 0))
	store := NewStorageWithDB(sqlx.NewDb(db, "postgres"))
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sql expectations: %s", err)
		}
		db.Close()
	})
	return store, mock
}

// q turns a literal SQL fragment into a sqlmock matcher
func q(fragment string) string {
	return regexp.QuoteMeta(fragment)
}
