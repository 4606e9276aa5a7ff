package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/sqlite"
	"github.com/xraph/credits/store/storetest"
)

// openStore opens a file-backed database so concurrent connections share
// it. busy_timeout makes concurrent writers wait for the lock.
func openStore(t *testing.T) store.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "credits.db") + "?_pragma=busy_timeout(5000)"

	drv := sqlitedriver.New()
	if err := drv.Open(context.Background(), dsn); err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db, err := grove.Open(drv)
	if err != nil {
		t.Fatalf("grove open: %v", err)
	}
	return sqlite.New(db)
}

func TestStore(t *testing.T) {
	storetest.Run(t, openStore)
}

func TestMigrateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	defer s.Close()

	for i := range 2 {
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("migrate %d: %v", i+1, err)
		}
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
