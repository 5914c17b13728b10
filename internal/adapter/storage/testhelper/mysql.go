// Package testhelper provides a migrated MySQL database for adapter tests.
package testhelper

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mselletoe/brgypuj-kiosk/internal/adapter/storage"
)

var (
	once      sync.Once
	sharedDSN string
	initErr   error
)

// Tables in dependency order, children first.
var tables = []string{
	"history_entries",
	"request_line_items",
	"requests",
	"resource_items",
	"resident_rfids",
	"residents",
	"document_types",
}

// SetupTestDB returns a pool on a migrated database with every table empty.
// MYSQL_DSN selects an existing server; otherwise a shared container is
// started once for the whole run. The test is skipped when neither works.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	once.Do(func() {
		sharedDSN, initErr = prepare()
	})
	if initErr != nil {
		t.Skipf("MySQL not available: %v", initErr)
	}

	db, err := sql.Open("mysql", sharedDSN)
	if err != nil {
		t.Fatalf("testhelper: open mysql: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	truncate(t, db)
	return db
}

func prepare() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 180*time.Second)
	defer cancel()

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		var err error
		if dsn, err = startContainer(ctx); err != nil {
			return "", err
		}
	}

	db, err := openWithRetry(ctx, dsn)
	if err != nil {
		return "", err
	}
	defer db.Close()

	log := logrus.New()
	log.SetOutput(io.Discard)
	if err := storage.Migrate(ctx, db, log); err != nil {
		return "", err
	}
	return dsn, nil
}

func startContainer(ctx context.Context) (dsn string, err error) {
	// testcontainers panics when no Docker host can be found.
	defer func() {
		if r := recover(); r != nil {
			dsn, err = "", fmt.Errorf("start container: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.4",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "testpass",
			"MYSQL_DATABASE":      "kiosk_test",
		},
		WaitingFor: wait.ForLog("ready for connections").
			WithOccurrence(2).
			WithStartupTimeout(120 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		return "", fmt.Errorf("get mapped port: %w", err)
	}

	return fmt.Sprintf("root:testpass@tcp(%s:%s)/kiosk_test?parseTime=true", host, port.Port()), nil
}

func openWithRetry(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	for {
		err = db.PingContext(ctx)
		if err == nil {
			return db, nil
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func truncate(t *testing.T, db *sql.DB) {
	t.Helper()

	ctx := context.Background()
	for _, table := range tables {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("testhelper: clear %s: %v", table, err)
		}
	}
}
