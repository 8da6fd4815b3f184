package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"testing"
)

// EnvPostgresTests opts into tests which need a real Postgres.
const EnvPostgresTests = "RELAY_TEST_POSTGRES"

func createLocalDB(t *testing.T, dbName string) string {
	dropDB := exec.Command("dropdb", "--if-exists", "-f", dbName)
	dropDB.Stdout = os.Stdout
	dropDB.Stderr = os.Stderr
	dropDB.Run()
	createDB := exec.Command("createdb", dbName)
	createDB.Stdout = os.Stdout
	createDB.Stderr = os.Stderr
	if err := createDB.Run(); err != nil {
		t.Fatalf("createdb %s failed: %s", dbName, err)
	}
	return dbName
}

// PostgresConnectionString returns a connection string for a freshly created database called
// wantDBName, or skips the test unless RELAY_TEST_POSTGRES=1. POSTGRES_USER, POSTGRES_DB,
// POSTGRES_PASSWORD and POSTGRES_HOST point it at a CI database instead of the local install.
func PostgresConnectionString(t *testing.T, wantDBName string) string {
	t.Helper()
	if os.Getenv(EnvPostgresTests) != "1" {
		t.Skipf("set %s=1 to run tests against postgres", EnvPostgresTests)
	}
	pgUser := os.Getenv("POSTGRES_USER")
	if pgUser == "" {
		u, err := user.Current()
		if err != nil {
			t.Fatalf("cannot get current user: %s", err)
		}
		pgUser = u.Username
	}
	dbName := os.Getenv("POSTGRES_DB")
	if dbName == "" {
		dbName = createLocalDB(t, wantDBName)
	}
	connStr := fmt.Sprintf("user=%s dbname=%s sslmode=disable", pgUser, dbName)
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		connStr += fmt.Sprintf(" host=%s", host)
	}
	return connStr
}
